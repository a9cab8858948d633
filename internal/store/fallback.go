package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vinylatlas/api/internal/model"
)

// FallbackStore mirrors every write into a process-local MemoryStore and
// absorbs primary-backend failures. A durable write that fails is logged and
// dropped rather than surfaced; the memory copy still reflects the latest
// state for this process's lifetime, so the pipeline keeps running and
// pollers on this process keep seeing forward progress.
type FallbackStore struct {
	primary Store
	memory  *MemoryStore
	log     *slog.Logger

	degradedOnce sync.Once
}

func NewFallbackStore(primary Store, log *slog.Logger) *FallbackStore {
	return &FallbackStore{
		primary: primary,
		memory:  NewMemoryStore(),
		log:     log,
	}
}

func (s *FallbackStore) Get(ctx context.Context, id string) (*model.Job, error) {
	if s.primary != nil {
		job, err := s.primary.Get(ctx, id)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrNotFound) {
			s.logDegraded("get", err)
		}
		// A record written while degraded exists only in memory, so a
		// primary miss still falls through.
	}
	return s.memory.Get(ctx, id)
}

func (s *FallbackStore) Set(ctx context.Context, job *model.Job) error {
	if err := s.memory.Set(ctx, job); err != nil {
		return err
	}
	if s.primary != nil {
		if err := s.primary.Set(ctx, job); err != nil {
			s.logDegraded("set", err)
		}
	}
	return nil
}

func (s *FallbackStore) logDegraded(op string, err error) {
	s.degradedOnce.Do(func() {
		s.log.Warn("durable job store unavailable, continuing on in-memory state",
			"op", op, "error", err)
	})
}
