// Package feed keeps an observer's live feed: a bounded, searchable rolling
// log of human-readable notices.
package feed

import (
	"strings"
	"sync"
	"time"

	"changedesk/internal/protocol"
)

const DefaultSize = 50

type Entry struct {
	Message  string    `json:"message" yaml:"message"`
	Severity string    `json:"severity" yaml:"severity"`
	Color    string    `json:"color" yaml:"color"`
	Details  string    `json:"details,omitempty" yaml:"details,omitempty"`
	Event    string    `json:"event,omitempty" yaml:"event,omitempty"`
	TaskID   string    `json:"task_id,omitempty" yaml:"task_id,omitempty"`
	At       time.Time `json:"at" yaml:"at"`
}

// Color maps a severity onto the feed's palette. Unknown severities are informational.
func Color(severity string) string {
	switch severity {
	case protocol.SeveritySuccess:
		return "green"
	case protocol.SeverityWarning:
		return "yellow"
	case protocol.SeverityError:
		return "red"
	default:
		return "blue"
	}
}

func normalizeSeverity(severity string) string {
	switch severity {
	case protocol.SeveritySuccess, protocol.SeverityWarning, protocol.SeverityError:
		return severity
	default:
		return protocol.SeverityInfo
	}
}

type Feed struct {
	mu      sync.RWMutex
	size    int
	entries []Entry
	now     func() time.Time
	onAdd   []func(Entry)
}

func New(size int) *Feed {
	if size <= 0 {
		size = DefaultSize
	}
	return &Feed{size: size, entries: make([]Entry, 0, size), now: time.Now}
}

// OnAdd registers a callback run after every Add, outside the feed lock.
func (f *Feed) OnAdd(fn func(Entry)) {
	if fn == nil {
		return
	}
	f.mu.Lock()
	f.onAdd = append(f.onAdd, fn)
	f.mu.Unlock()
}

// Add appends e, dropping the oldest entry once the window is full.
func (f *Feed) Add(e Entry) Entry {
	e.Severity = normalizeSeverity(e.Severity)
	e.Color = Color(e.Severity)
	f.mu.Lock()
	if e.At.IsZero() {
		e.At = f.now().UTC()
	}
	if len(f.entries) == f.size {
		copy(f.entries, f.entries[1:])
		f.entries = f.entries[:f.size-1]
	}
	f.entries = append(f.entries, e)
	hooks := append([]func(Entry){}, f.onAdd...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn(e)
	}
	return e
}

func (f *Feed) Info(msg, details string) Entry {
	return f.Add(Entry{Message: msg, Severity: protocol.SeverityInfo, Details: details})
}

func (f *Feed) Success(msg, details string) Entry {
	return f.Add(Entry{Message: msg, Severity: protocol.SeveritySuccess, Details: details})
}

func (f *Feed) Warning(msg, details string) Entry {
	return f.Add(Entry{Message: msg, Severity: protocol.SeverityWarning, Details: details})
}

func (f *Feed) Error(msg, details string) Entry {
	return f.Add(Entry{Message: msg, Severity: protocol.SeverityError, Details: details})
}

// Entries returns a copy, oldest first.
func (f *Feed) Entries() []Entry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Entry{}, f.entries...)
}

func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Search is a case-insensitive substring match over message and details.
// An empty query returns everything.
func (f *Feed) Search(query string) []Entry {
	q := strings.ToLower(strings.TrimSpace(query))
	all := f.Entries()
	if q == "" {
		return all
	}
	out := make([]Entry, 0, len(all))
	for _, e := range all {
		if strings.Contains(strings.ToLower(e.Message), q) || strings.Contains(strings.ToLower(e.Details), q) {
			out = append(out, e)
		}
	}
	return out
}

func (f *Feed) Clear() {
	f.mu.Lock()
	f.entries = f.entries[:0]
	f.mu.Unlock()
}
