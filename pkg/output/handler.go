package output

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// CycleEvent is what a cycle publishes once convergence finished
type CycleEvent struct {
	Pool           string                    `json:"pool"`
	Recommendation models.Recommendation     `json:"recommendation"`
	Report         *models.ConvergenceReport `json:"report,omitempty"`
	Error          string                    `json:"error,omitempty"`
	EmittedAt      time.Time                 `json:"emitted_at"`
}

// Handler defines the interface for publishing cycle outcomes
type Handler interface {
	Emit(ctx context.Context, event CycleEvent) error
	Format() string
	Close() error
}

// Config selects the handlers built by NewHandlers
type Config struct {
	// Formats lists handler names: log, json, kafka
	Formats []string
	Kafka   KafkaConfig
}

// NewHandlers builds one handler per configured format. json writes to stdout.
func NewHandlers(config *Config) ([]Handler, error) {
	var handlers []Handler
	for _, format := range config.Formats {
		switch format {
		case "log":
			handlers = append(handlers, NewLogHandler())
		case "json":
			handlers = append(handlers, NewJSONHandler(os.Stdout))
		case "kafka":
			h, err := NewKafkaHandler(config.Kafka)
			if err != nil {
				closeAll(handlers)
				return nil, err
			}
			handlers = append(handlers, h)
		default:
			closeAll(handlers)
			return nil, fmt.Errorf("unsupported output format: %s", format)
		}
	}
	return handlers, nil
}

// Fanout emits to every handler and joins their errors.
// One failing handler does not stop the others.
type Fanout []Handler

func (f Fanout) Emit(ctx context.Context, event CycleEvent) error {
	var errs []error
	for _, h := range f {
		if err := h.Emit(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", h.Format(), err))
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Format() string {
	return "fanout"
}

func (f Fanout) Close() error {
	return closeAll(f)
}

func closeAll(handlers []Handler) error {
	var errs []error
	for _, h := range handlers {
		if err := h.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
