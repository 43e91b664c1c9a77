package queue

import "time"

// Policy controls the debounce window.
type Policy struct {
	Window time.Duration
	// ExtendOnAppend pushes the deadline out on every new message, up to
	// MaxDebounce after the first one. When false the first deadline holds.
	ExtendOnAppend bool
	MaxDebounce    time.Duration
}

// DefaultPolicy is a 60s sliding window capped at three minutes.
func DefaultPolicy() Policy {
	return Policy{Window: 60 * time.Second, ExtendOnAppend: true, MaxDebounce: 3 * time.Minute}
}

func (p Policy) window() time.Duration {
	if p.Window <= 0 {
		return 60 * time.Second
	}
	return p.Window
}

// Initial is the deadline for a brand new entry.
func (p Policy) Initial(now time.Time) time.Time {
	return now.Add(p.window())
}

// Extend computes the deadline after a message is appended to an open entry.
func (p Policy) Extend(current, firstQueued, now time.Time) time.Time {
	if !p.ExtendOnAppend {
		return current
	}
	next := now.Add(p.window())
	if p.MaxDebounce > 0 {
		if limit := firstQueued.Add(p.MaxDebounce); next.After(limit) {
			next = limit
		}
	}
	if next.Before(current) {
		return current
	}
	return next
}
