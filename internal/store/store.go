// Package store persists analysis job records. The canonical backend is
// Redis with a bounded retention; a process-local map serves as a degraded
// fallback so store trouble never takes a run down with it.
package store

import (
	"context"
	"errors"

	"github.com/vinylatlas/api/internal/model"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("job not found")

// Store is the narrow job-record contract: whole-record reads and writes.
// Writes always replace the full record; there are no partial updates.
type Store interface {
	Get(ctx context.Context, id string) (*model.Job, error)
	Set(ctx context.Context, job *model.Job) error
}
