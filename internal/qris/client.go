// Package qris предоставляет клиент для внешнего QRIS-провайдера платежей.
//
// Ответы провайдера неоднородны: одно и то же логическое поле приходит под
// разными именами в зависимости от версии API. Клиент нормализует их по
// фиксированному списку приоритетов (см. idFields, qrFields) и приводит
// статус оплаты к трём состояниям: оплачен, не оплачен, неизвестно.
// Неизвестный статус никогда не трактуется как оплата.
package qris

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// ErrorKind описывает категорию ошибки провайдера.
type ErrorKind string

const (
	// ErrorNetwork — сетевая ошибка или таймаут.
	ErrorNetwork ErrorKind = "network"
	// ErrorHTTPStatus — провайдер ответил кодом вне 2xx.
	ErrorHTTPStatus ErrorKind = "http_status"
	// ErrorMalformed — ответ провайдера не удалось разобрать.
	ErrorMalformed ErrorKind = "malformed"
)

// ProviderError описывает ошибку обращения к провайдеру.
// Любая такая ошибка означает для вызывающего кода «платёж создать/проверить
// не удалось, повторите позже» и не приводит к изменению состояния.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

// Error возвращает текстовое описание ошибки.
func (e *ProviderError) Error() string {
	switch e.Kind {
	case ErrorHTTPStatus:
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	case ErrorMalformed:
		return fmt.Sprintf("malformed provider response: %v", e.Err)
	default:
		return fmt.Sprintf("provider request failed: %v", e.Err)
	}
}

// Unwrap возвращает исходную ошибку.
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// PaymentStatus — нормализованный статус платежа у провайдера.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusNotPaid PaymentStatus = "not_paid"
	StatusUnknown PaymentStatus = "unknown"
)

// Invoice описывает созданный провайдером счёт.
type Invoice struct {
	PaymentID     string
	QRURL         string
	TotalDue      int64
	FeeAmount     int64
	ExpiryMinutes int64
}

// Порядок приоритета имён полей в ответах провайдера.
var (
	idFields     = []string{"trxid", "trx_id", "transaction_id", "reference", "order_id", "id"}
	qrFields     = []string{"qris_url", "qr", "qr_image", "image", "download_url"}
	totalFields  = []string{"total", "total_due", "nominal", "amount"}
	feeFields    = []string{"fee", "fee_amount"}
	expiryFields = []string{"expired", "expiry", "expiry_minutes"}
)

// Маркеры статуса оплаты. Маркеры «не оплачен» проверяются первыми, иначе
// подстрока paid в unpaid дала бы ложное срабатывание.
var (
	notPaidMarkers = []string{"unpaid", "pending", "process", "expire", "cancel"}
	paidMarkers    = []string{"success", "paid", "settled"}
)

// Client инкапсулирует HTTP-взаимодействие с QRIS-провайдером.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient создаёт клиент провайдера с ретраями сетевых ошибок и общим таймаутом запроса.
func NewClient(baseURL, apiKey string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = nil

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: rc.StandardClient(),
	}
}

type createRequest struct {
	Amount int64  `json:"amount"`
	Ref    string `json:"ref,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

// CreateInvoice создаёт счёт на указанную сумму. Ошибка всегда имеет тип *ProviderError.
func (c *Client) CreateInvoice(ctx context.Context, amount int64, ref string) (*Invoice, error) {
	if c == nil || c.baseURL == "" {
		return nil, &ProviderError{Kind: ErrorNetwork, Err: errors.New("qris client not configured")}
	}

	body, err := json.Marshal(createRequest{Amount: amount, Ref: ref, APIKey: c.apiKey})
	if err != nil {
		return nil, &ProviderError{Kind: ErrorMalformed, Err: err}
	}

	payload, perr := c.do(ctx, http.MethodPost, "/api/qris/create", body)
	if perr != nil {
		return nil, perr
	}

	inv := &Invoice{
		PaymentID:     firstString(payload, idFields),
		QRURL:         firstString(payload, qrFields),
		TotalDue:      firstInt(payload, totalFields),
		FeeAmount:     firstInt(payload, feeFields),
		ExpiryMinutes: firstInt(payload, expiryFields),
	}

	if inv.PaymentID == "" {
		return nil, &ProviderError{Kind: ErrorMalformed, Err: errors.New("response has no transaction id")}
	}
	if inv.TotalDue == 0 {
		inv.TotalDue = amount
	}

	return inv, nil
}

// CheckStatus запрашивает статус платежа. При ошибке возвращает StatusUnknown и *ProviderError.
func (c *Client) CheckStatus(ctx context.Context, paymentID string) (PaymentStatus, error) {
	if c == nil || c.baseURL == "" {
		return StatusUnknown, &ProviderError{Kind: ErrorNetwork, Err: errors.New("qris client not configured")}
	}

	payload, perr := c.do(ctx, http.MethodGet, "/api/qris/status/"+paymentID, nil)
	if perr != nil {
		return StatusUnknown, perr
	}

	return normalizeStatus(payload), nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (map[string]any, *ProviderError) {
	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path, reader)
	if err != nil {
		return nil, &ProviderError{Kind: ErrorNetwork, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ProviderError{Kind: ErrorNetwork, Err: fmt.Errorf("do request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{Kind: ErrorHTTPStatus, StatusCode: resp.StatusCode}
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &ProviderError{Kind: ErrorMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}

	// Часть версий API заворачивает полезную нагрузку в data
	if data, ok := raw["data"].(map[string]any); ok {
		for k, v := range raw {
			if k == "data" {
				continue
			}
			if _, exists := data[k]; !exists {
				data[k] = v
			}
		}
		return data, nil
	}

	return raw, nil
}

// normalizeStatus приводит разнородные ответы провайдера к трём состояниям.
// Булево поле paid имеет высший приоритет; далее строка status сверяется с
// маркерами по подстроке без учёта регистра. Нераспознанный ответ — StatusUnknown.
func normalizeStatus(payload map[string]any) PaymentStatus {
	if paid, ok := payload["paid"].(bool); ok {
		if paid {
			return StatusPaid
		}
		return StatusNotPaid
	}

	status, ok := payload["status"].(string)
	if !ok || status == "" {
		return StatusUnknown
	}

	lowered := strings.ToLower(status)

	for _, marker := range notPaidMarkers {
		if strings.Contains(lowered, marker) {
			return StatusNotPaid
		}
	}
	for _, marker := range paidMarkers {
		if strings.Contains(lowered, marker) {
			return StatusPaid
		}
	}

	return StatusUnknown
}

func firstString(payload map[string]any, names []string) string {
	for _, name := range names {
		switch v := payload[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatInt(int64(v), 10)
		}
	}
	return ""
}

func firstInt(payload map[string]any, names []string) int64 {
	for _, name := range names {
		switch v := payload[name].(type) {
		case float64:
			if v != 0 {
				return int64(v)
			}
		case string:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n != 0 {
				return n
			}
		}
	}
	return 0
}
