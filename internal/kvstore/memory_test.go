package kvstore

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemoryStore_GetAbsent(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CreateConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	err := s.Create(ctx, "k", []byte("b"))
	if !errors.Is(err, ErrKeyExists) {
		t.Fatalf("expected ErrKeyExists, got %v", err)
	}

	rec, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(rec.Value) != "a" {
		t.Fatalf("value = %q, want %q", rec.Value, "a")
	}
	if rec.Version != 1 {
		t.Fatalf("version = %d, want 1", rec.Version)
	}
}

func TestMemoryStore_PutIncrementsVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Put error: %v", err)
	}
	if err := s.Put(ctx, "k", []byte("b")); err != nil {
		t.Fatalf("Put error: %v", err)
	}

	rec, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Version != 2 {
		t.Fatalf("version = %d, want 2", rec.Version)
	}
	if string(rec.Value) != "b" {
		t.Fatalf("value = %q, want %q", rec.Value, "b")
	}
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if err := s.CompareAndSwap(ctx, "k", []byte("b"), 1); err != nil {
		t.Fatalf("CompareAndSwap error: %v", err)
	}

	err := s.CompareAndSwap(ctx, "k", []byte("c"), 1)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}

	err = s.CompareAndSwap(ctx, "absent", []byte("c"), 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_CompareAndSwap_SingleWinner(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	const workers = 16

	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.CompareAndSwap(ctx, "k", []byte("b"), 1); err == nil {
				wins <- struct{}{}
			}
		}()
	}

	wg.Wait()
	close(wins)

	var n int
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("winners = %d, want exactly 1", n)
	}
}

func TestMemoryStore_CompareAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Create(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	err := s.CompareAndDelete(ctx, "k", 2)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}

	if err := s.CompareAndDelete(ctx, "k", 1); err != nil {
		t.Fatalf("CompareAndDelete error: %v", err)
	}

	_, err = s.Get(ctx, "k")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestMemoryStore_ListPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{"pending:b", "pending:a", "user:1"} {
		if err := s.Put(ctx, k, []byte("v")); err != nil {
			t.Fatalf("Put error: %v", err)
		}
	}

	recs, err := s.List(ctx, "pending:")
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len = %d, want 2", len(recs))
	}
	if recs[0].Key != "pending:a" || recs[1].Key != "pending:b" {
		t.Fatalf("unexpected order: %q, %q", recs[0].Key, recs[1].Key)
	}
}

func TestJSONHelpers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	if err := CreateJSON(ctx, s, "p", payload{Name: "x", Count: 1}); err != nil {
		t.Fatalf("CreateJSON error: %v", err)
	}

	got, version, err := GetJSON[payload](ctx, s, "p")
	if err != nil {
		t.Fatalf("GetJSON error: %v", err)
	}
	if got.Name != "x" || got.Count != 1 {
		t.Fatalf("unexpected payload: %+v", got)
	}

	got.Count = 2
	if err := SwapJSON(ctx, s, "p", got, version); err != nil {
		t.Fatalf("SwapJSON error: %v", err)
	}

	again, _, err := GetJSON[payload](ctx, s, "p")
	if err != nil {
		t.Fatalf("GetJSON error: %v", err)
	}
	if again.Count != 2 {
		t.Fatalf("count = %d, want 2", again.Count)
	}
}
