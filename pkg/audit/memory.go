package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/ekaya-inc/dbgate/pkg/models"
)

// ErrSinkUnavailable is returned by a MemorySink that has been failed
// for testing degraded-audit behavior.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// MemorySink is an in-memory audit sink for tests. It supports simulated
// unavailability so degraded-session behavior can be exercised without a
// live database.
type MemorySink struct {
	mu           sync.Mutex
	authEntries  []*models.AuthAuditEntry
	queryEntries []*models.QueryAuditEntry
	failing      bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

var _ Sink = (*MemorySink)(nil)

func (s *MemorySink) RecordAuth(ctx context.Context, entry *models.AuthAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrSinkUnavailable
	}
	s.authEntries = append(s.authEntries, entry)
	return nil
}

func (s *MemorySink) RecordQuery(ctx context.Context, entry *models.QueryAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrSinkUnavailable
	}
	s.queryEntries = append(s.queryEntries, entry)
	return nil
}

func (s *MemorySink) Healthy(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return ErrSinkUnavailable
	}
	return nil
}

// SetFailing toggles simulated unavailability.
func (s *MemorySink) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

// AuthEntries returns a copy of the recorded authentication entries.
func (s *MemorySink) AuthEntries() []*models.AuthAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.AuthAuditEntry, len(s.authEntries))
	copy(out, s.authEntries)
	return out
}

// QueryEntries returns a copy of the recorded query entries.
func (s *MemorySink) QueryEntries() []*models.QueryAuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.QueryAuditEntry, len(s.queryEntries))
	copy(out, s.queryEntries)
	return out
}
