// Package taskstate is the durable record of tasks, their status history and
// the file-level proposals they produce.
package taskstate

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"

	"changedesk/internal/taskerr"
)

type Store struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStore(gdb *gorm.DB) *Store {
	return &Store{db: gdb, now: time.Now}
}

// WithClock replaces the time source; tests use it to pin created_at ordering.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	if s == nil || s.db == nil {
		return nil, taskerr.New(taskerr.KindPersistence, "store", "database is not configured")
	}
	return s.db.WithContext(ctx), nil
}

func (s *Store) stamp() int64 {
	return s.now().UTC().UnixMicro()
}

func fromStamp(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func encodeList(v any) string {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return "[]"
	}
	return string(raw)
}

func decodeStrings(raw string) []string {
	out := []string{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	if out == nil {
		out = []string{}
	}
	return out
}

func decodeChanges(raw string) []ChangeDescriptor {
	out := []ChangeDescriptor{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	if out == nil {
		out = []ChangeDescriptor{}
	}
	return out
}

// classify keeps taxonomy errors as they are and marks everything else as a
// persistence failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *taskerr.Error
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return taskerr.New(taskerr.KindNotFound, op, "record not found")
	}
	return taskerr.Wrap(taskerr.KindPersistence, op, err)
}
