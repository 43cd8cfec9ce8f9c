package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/pixelforge/studio/pkg/models"
)

// ErrTerminalOverwrite is returned by Put when the write would move a record
// that is already in a terminal state to a different status. Callers holding a
// stale read must re-read and re-evaluate.
var ErrTerminalOverwrite = errors.New("job record already terminal")

// Store is the job-record persistence interface. All job reads and writes go
// through here. Implementations must be safe for concurrent use and must make
// a Put immediately visible to a Get for the same id, from any process
// sharing the backend.
type Store interface {
	// Put writes the full record. The write is status-guarded: once the
	// stored record is terminal, a Put carrying a different status fails
	// with ErrTerminalOverwrite. The check and the write are atomic even
	// across processes, which is what keeps terminal states closed when the
	// caller's read-modify-write spans a network round trip.
	Put(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, bool, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListIDs(ctx context.Context) ([]uuid.UUID, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	// Clear removes every job record. Test and debug use only.
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
