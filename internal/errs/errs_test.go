package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestConfigErrorMatching(t *testing.T) {
	t.Parallel()
	cause := errors.New("count must be >= 1")
	err := fmt.Errorf("rebuild podcasts: %w", Config("adjustment[0]", cause))

	if !IsConfig(err) {
		t.Fatalf("IsConfig(%v) = false", err)
	}
	if IsStore(err) {
		t.Fatalf("IsStore(%v) = true", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable through %v", err)
	}
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Field != "adjustment[0]" {
		t.Fatalf("errors.As ConfigError = %+v", ce)
	}
}

func TestStoreErrorIsNotDoubleWrapped(t *testing.T) {
	t.Parallel()
	first := Store("get", "config", errors.New("connection refused"))
	second := Store("scan", "podcasts/", first)
	if second != first {
		t.Fatalf("expected existing StoreError to be returned unchanged, got %v", second)
	}
	if got := first.Error(); got != `store get "config": connection refused` {
		t.Fatalf("Error() = %q", got)
	}
}

func TestNilPassesThrough(t *testing.T) {
	t.Parallel()
	if Config("x", nil) != nil || Store("get", "k", nil) != nil {
		t.Fatal("nil cause must yield nil")
	}
}
