package queue

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("queue: entry not found")
	ErrNotClaimable = errors.New("queue: entry is not waiting")
	ErrEmptyText    = errors.New("queue: empty text")
)

// Status is the lifecycle of a queue entry.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusSkipped    Status = "skipped"
	StatusError      Status = "error"
)

// Open reports whether the entry still accepts work.
func (s Status) Open() bool {
	return s == StatusWaiting || s == StatusProcessing
}

// Content is one customer text captured during a debounce window.
type Content struct {
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// Entry batches a conversation's customer texts for one engine call.
type Entry struct {
	ID             uuid.UUID  `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	Contents       []Content  `json:"contents"`
	Status         Status     `json:"status"`
	ScheduledFor   time.Time  `json:"scheduled_for"`
	FirstQueuedAt  time.Time  `json:"first_queued_at"`
	ProcessedAt    *time.Time `json:"processed_at,omitempty"`
	RetryCount     int        `json:"retry_count"`
	LastError      string     `json:"last_error,omitempty"`
	AlertedAt      *time.Time `json:"alerted_at,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// JoinedText returns the batch in arrival order, one text per line.
func JoinedText(contents []Content) string {
	ordered := append([]Content(nil), contents...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].ReceivedAt.Before(ordered[j].ReceivedAt)
	})
	parts := make([]string, 0, len(ordered))
	for _, c := range ordered {
		if t := strings.TrimSpace(c.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// ConsumeAll retires every text in the entry, including ones appended
// after the snapshot the caller holds.
const ConsumeAll = -1

// Outcome is how the processor retires a claimed entry.
type Outcome struct {
	Status    Status
	Consumed  int // contents handled; anything appended later is carried over
	LastError string
	At        time.Time
	// CarryScheduledFor is when a carried-over entry becomes due.
	CarryScheduledFor time.Time
}

func clone(e *Entry) *Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Contents = append([]Content(nil), e.Contents...)
	if e.ProcessedAt != nil {
		t := *e.ProcessedAt
		cp.ProcessedAt = &t
	}
	if e.AlertedAt != nil {
		t := *e.AlertedAt
		cp.AlertedAt = &t
	}
	if e.ClaimedAt != nil {
		t := *e.ClaimedAt
		cp.ClaimedAt = &t
	}
	return &cp
}
