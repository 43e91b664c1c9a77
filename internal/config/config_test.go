package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("QUEUE_DEBOUNCE_WINDOW", "")
	t.Setenv("QUEUE_STALE_AFTER", "")
	t.Setenv("QUALIFICATION_KEYWORDS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.QueueDebounceWindow != 60*time.Second {
		t.Fatalf("expected 60s debounce, got %s", cfg.QueueDebounceWindow)
	}
	if cfg.QueueBatchSize != 10 || cfg.SweepBatchSize != 50 {
		t.Fatalf("unexpected batch sizes %d/%d", cfg.QueueBatchSize, cfg.SweepBatchSize)
	}
	if cfg.ConversationIdleTime != 5*time.Minute {
		t.Fatalf("expected 5m idle threshold, got %s", cfg.ConversationIdleTime)
	}
	if cfg.QueueStaleAfter != 10*time.Minute {
		t.Fatalf("expected 10m stale claim threshold, got %s", cfg.QueueStaleAfter)
	}
	if cfg.DeliveryStaleAfter != 15*time.Minute {
		t.Fatalf("expected 15m staleness, got %s", cfg.DeliveryStaleAfter)
	}
	if cfg.HomeCountryCode != "55" {
		t.Fatalf("expected country code 55, got %s", cfg.HomeCountryCode)
	}
	if cfg.QualificationKeywords != nil {
		t.Fatalf("expected no keywords by default, got %v", cfg.QualificationKeywords)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_DEBOUNCE_WINDOW", "20s")
	t.Setenv("QUEUE_EXTEND_ON_APPEND", "false")
	t.Setenv("QUEUE_BATCH_SIZE", "3")
	t.Setenv("QUALIFICATION_KEYWORDS", "preço, comprar ,,orçamento")
	t.Setenv("SWEEP_BATCH_SIZE", "not-a-number")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected port override, got %s", cfg.Port)
	}
	if cfg.QueueDebounceWindow != 20*time.Second {
		t.Fatalf("expected 20s, got %s", cfg.QueueDebounceWindow)
	}
	if cfg.QueueExtendOnAppend {
		t.Fatalf("expected extend-on-append disabled")
	}
	if cfg.QueueBatchSize != 3 {
		t.Fatalf("expected batch 3, got %d", cfg.QueueBatchSize)
	}
	if cfg.SweepBatchSize != 50 {
		t.Fatalf("invalid int should fall back, got %d", cfg.SweepBatchSize)
	}
	want := []string{"preço", "comprar", "orçamento"}
	if len(cfg.QualificationKeywords) != len(want) {
		t.Fatalf("keywords = %v", cfg.QualificationKeywords)
	}
	for i := range want {
		if cfg.QualificationKeywords[i] != want[i] {
			t.Fatalf("keywords[%d] = %q", i, cfg.QualificationKeywords[i])
		}
	}
}

func TestRequire(t *testing.T) {
	p := NewMapProvider(map[string]string{"A": "1", "BLANK": "  "})
	if v, err := Require(p, "A"); err != nil || v != "1" {
		t.Fatalf("Require(A) = %q, %v", v, err)
	}
	if _, err := Require(p, "BLANK"); !errors.Is(err, ErrMissingSetting) {
		t.Fatalf("expected missing for blank, got %v", err)
	}
	if _, err := Require(nil, "A"); !errors.Is(err, ErrMissingSetting) {
		t.Fatalf("expected missing for nil provider, got %v", err)
	}
	p.Set("BLANK", "x")
	if Lookup(p, "BLANK", "d") != "x" {
		t.Fatalf("expected updated value")
	}
}

func TestChainPrefersFirst(t *testing.T) {
	chain := Chain{NewMapProvider(map[string]string{"K": "first"}), NewMapProvider(map[string]string{"K": "second", "J": "j"})}
	if v, _ := chain.Lookup("K"); v != "first" {
		t.Fatalf("got %q", v)
	}
	if v, _ := chain.Lookup("J"); v != "j" {
		t.Fatalf("got %q", v)
	}
	if _, ok := chain.Lookup("missing"); ok {
		t.Fatalf("expected miss")
	}
}
