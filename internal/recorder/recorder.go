package recorder

import (
	"errors"
	"time"

	"GaslessRelayer/internal/model"
)

// ErrCompensationNotFound is returned when resolving an unknown or already
// resolved compensation.
var ErrCompensationNotFound = errors.New("compensation not found")

// ErrNoCompensationStore is returned by recorders that cannot keep
// compensation records.
var ErrNoCompensationStore = errors.New("no compensation store configured")

// Recorder persists relay history and compensation records.
type Recorder interface {
	RecordRelay(evt *model.RelayEvent) error
	RecordCompensation(c *model.Compensation) error
	PendingCompensations() ([]model.Compensation, error)
	ResolveCompensation(id, note string, at time.Time) error
	Close() error
}
