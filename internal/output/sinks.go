package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"appstack/internal/domain"
	"appstack/internal/observability"
)

// LoggerSink logs one line per record.
type LoggerSink struct {
	Logger observability.Logger
}

// Publish implements Sink.
func (s LoggerSink) Publish(ctx context.Context, records []domain.OutputRecord) error {
	for _, r := range records {
		s.Logger.InfoContext(ctx, "output", "label", r.Label, "value", r.Value)
	}
	return nil
}

// Output formats supported by WriterSink.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// WriterSink prints records for the operator.
type WriterSink struct {
	W      io.Writer
	Format string
}

// Publish implements Sink.
func (s WriterSink) Publish(_ context.Context, records []domain.OutputRecord) error {
	switch s.Format {
	case FormatJSON:
		enc := json.NewEncoder(s.W)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []domain.OutputRecord{}
		}
		return enc.Encode(records)
	case FormatText, "":
		tw := tabwriter.NewWriter(s.W, 0, 4, 2, ' ', 0)
		for _, r := range records {
			if _, err := fmt.Fprintf(tw, "%s\t%s\n", r.Label, r.Value); err != nil {
				return err
			}
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unknown output format %q", s.Format)
	}
}

// Store persists the current outputs of an application.
type Store interface {
	ReplaceOutputs(ctx context.Context, applicationID int, records []domain.OutputRecord) error
}

// StoreSink replaces the stored outputs of one application with the
// records of the current run.
type StoreSink struct {
	Store         Store
	ApplicationID int
}

// Publish implements Sink.
func (s StoreSink) Publish(ctx context.Context, records []domain.OutputRecord) error {
	return s.Store.ReplaceOutputs(ctx, s.ApplicationID, records)
}
