package recorder

import (
	"time"

	"GaslessRelayer/internal/model"
)

// NoopRecorder drops relay history. It refuses compensation records so the
// caller reports them instead of losing them.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordRelay(_ *model.RelayEvent) error               { return nil }
func (n *NoopRecorder) PendingCompensations() ([]model.Compensation, error) { return nil, nil }
func (n *NoopRecorder) Close() error                                        { return nil }

func (n *NoopRecorder) RecordCompensation(_ *model.Compensation) error {
	return ErrNoCompensationStore
}

func (n *NoopRecorder) ResolveCompensation(_, _ string, _ time.Time) error {
	return ErrCompensationNotFound
}
