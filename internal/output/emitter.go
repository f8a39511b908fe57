// Package output collects labelled operator outputs and publishes them to
// one or more sinks.
package output

import (
	"context"
	"errors"
	"fmt"

	"appstack/internal/domain"
)

// ErrDuplicateLabel is returned by Add when a label was already added.
var ErrDuplicateLabel = errors.New("duplicate output label")

// Sink receives the full set of records of one run.
type Sink interface {
	Publish(ctx context.Context, records []domain.OutputRecord) error
}

// Emitter holds the records of one run. It is not safe for concurrent use;
// a run adds records from a single goroutine.
type Emitter struct {
	sinks   []Sink
	records []domain.OutputRecord
	labels  map[string]bool
}

// NewEmitter creates an emitter publishing to sinks in order.
func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{sinks: sinks, labels: make(map[string]bool)}
}

// Add queues a record.
func (e *Emitter) Add(rec domain.OutputRecord) error {
	if rec.Label == "" {
		return errors.New("output label cannot be empty")
	}
	if e.labels[rec.Label] {
		return fmt.Errorf("%w: %s", ErrDuplicateLabel, rec.Label)
	}
	if HasTokens(rec.Value) {
		return fmt.Errorf("output %s has unresolved references: %s", rec.Label, rec.Value)
	}
	e.labels[rec.Label] = true
	e.records = append(e.records, rec)
	return nil
}

// Records returns a copy of the queued records in insertion order.
func (e *Emitter) Records() []domain.OutputRecord {
	return append([]domain.OutputRecord(nil), e.records...)
}

// Publish hands every record to each sink exactly once. The first sink
// error stops publication.
func (e *Emitter) Publish(ctx context.Context) error {
	records := e.Records()
	for _, s := range e.sinks {
		if err := s.Publish(ctx, records); err != nil {
			return fmt.Errorf("publish outputs: %w", err)
		}
	}
	return nil
}
