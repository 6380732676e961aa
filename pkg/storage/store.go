package storage

import (
	"errors"

	"github.com/cuemby/burrow/pkg/types"
)

// ErrNotFound is returned when a key has no value
var ErrNotFound = errors.New("not found")

// Store defines the interface for the agent's local state
type Store interface {
	// Session left behind by a previous run, used to clean up after a crash
	SaveSession(session *types.Session) error
	GetSession() (*types.Session, error)
	ClearSession() error

	// Message cursor
	SetLastMessageID(id int64) error
	LastMessageID() (int64, error)

	// Job history
	RecordJob(record *types.JobRecord) error
	ListJobs(limit int) ([]*types.JobRecord, error)

	// Utility
	Close() error
}
