package validation

import "testing"

func TestIsValidPaymentID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "typical provider id", id: "TRX-20260831.001", want: true},
		{name: "numeric", id: "123456", want: true},
		{name: "empty", id: "", want: false},
		{name: "spaces", id: "TRX 1", want: false},
		{name: "sql injection attempt", id: "1';DROP", want: false},
		{name: "too long", id: string(make([]byte, 65)), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidPaymentID(tt.id); got != tt.want {
				t.Fatalf("IsValidPaymentID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestIsValidProductKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want bool
	}{
		{name: "plain", key: "netflix-1bulan", want: true},
		{name: "underscore", key: "vip_account", want: true},
		{name: "uppercase rejected", key: "Netflix", want: false},
		{name: "empty", key: "", want: false},
		{name: "colon breaks key layout", key: "a:b", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidProductKey(tt.key); got != tt.want {
				t.Fatalf("IsValidProductKey(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestIsValidQuantity(t *testing.T) {
	for qty, want := range map[int64]bool{0: false, -1: false, 1: true, 100: true, 101: false} {
		if got := IsValidQuantity(qty); got != want {
			t.Fatalf("IsValidQuantity(%d) = %v, want %v", qty, got, want)
		}
	}
}
