package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrMissingSetting is returned when a required setting is absent at call time.
var ErrMissingSetting = errors.New("config: missing setting")

// Provider resolves settings when a component needs them, so rotated
// credentials are picked up without a restart.
type Provider interface {
	Lookup(key string) (string, bool)
}

// EnvProvider reads from the process environment.
type EnvProvider struct{}

func (EnvProvider) Lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// MapProvider is a fixed set of settings, mostly for tests.
type MapProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMapProvider(values map[string]string) *MapProvider {
	cp := make(map[string]string, len(values))
	for k, v := range values {
		cp[k] = v
	}
	return &MapProvider{values: cp}
}

func (m *MapProvider) Lookup(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func (m *MapProvider) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

// Chain returns the first provider that has the key.
type Chain []Provider

func (c Chain) Lookup(key string) (string, bool) {
	for _, p := range c {
		if p == nil {
			continue
		}
		if v, ok := p.Lookup(key); ok {
			return v, true
		}
	}
	return "", false
}

// Require returns the value for key or an error wrapping ErrMissingSetting.
func Require(p Provider, key string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("%w: %s", ErrMissingSetting, key)
	}
	v, ok := p.Lookup(key)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingSetting, key)
	}
	return v, nil
}

// Lookup returns the value for key or fallback.
func Lookup(p Provider, key, fallback string) string {
	if p == nil {
		return fallback
	}
	if v, ok := p.Lookup(key); ok {
		return v
	}
	return fallback
}
