package output

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opscart/capacity-optimizer/pkg/models"
)

// LogHandler writes one structured log line per cycle
type LogHandler struct {
	nopCloser
	log zerolog.Logger
}

func NewLogHandler() *LogHandler {
	return &LogHandler{log: log.With().Str("component", "output").Logger()}
}

// NewLogHandlerWithLogger is used when the caller owns the logger
func NewLogHandlerWithLogger(logger zerolog.Logger) *LogHandler {
	return &LogHandler{log: logger}
}

func (h *LogHandler) Emit(ctx context.Context, event CycleEvent) error {
	rec := event.Recommendation

	var e *zerolog.Event
	switch {
	case event.Error != "":
		e = h.log.Error().Str("error", event.Error)
	case event.Report != nil && event.Report.Status != models.StatusConverged:
		e = h.log.Warn()
	default:
		e = h.log.Info()
	}

	e = e.Str("pool", event.Pool).
		Str("recommendation_id", rec.ID).
		Str("action", string(rec.Action)).
		Str("instance_type", rec.InstanceType).
		Int("current", rec.CurrentInstances).
		Int("recommended", rec.RecommendedInstances).
		Float64("predicted_cpu", rec.PredictedCPU).
		Float64("predicted_memory", rec.PredictedMemory).
		Float64("monthly_cost", rec.EstimatedCost.Monthly)

	if r := event.Report; r != nil {
		e = e.Str("status", string(r.Status)).
			Int("active_after", r.ActiveAfter).
			Strs("launched", r.Launched).
			Strs("terminated", r.Terminated).
			Int("failures", len(r.Failures()))
	}

	e.Msg(rec.Reason)
	return nil
}

func (h *LogHandler) Format() string {
	return "log"
}
