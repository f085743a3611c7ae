package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/couchcryptid/lightning-detector/internal/domain"
	"github.com/couchcryptid/lightning-detector/internal/observability"
)

// SensorController adjusts the sensor in response to interference.
type SensorController interface {
	RaiseNoiseFloor(ctx context.Context) error
	SetMaskDisturber(ctx context.Context, mask bool) error
}

// InterruptHandler routes raw events by interrupt reason. Only lightning
// interrupts continue on to the coalescer.
type InterruptHandler struct {
	controller SensorController
	logger     *slog.Logger
	metrics    *observability.Metrics
	masked     atomic.Bool
}

// NewInterruptHandler creates an InterruptHandler. Pass a nil controller when
// the source cannot be reconfigured, such as a replay file.
func NewInterruptHandler(controller SensorController, logger *slog.Logger, metrics *observability.Metrics) *InterruptHandler {
	return &InterruptHandler{
		controller: controller,
		logger:     logger,
		metrics:    metrics,
	}
}

// Handle reacts to ev and reports whether it is a lightning interrupt.
func (h *InterruptHandler) Handle(ctx context.Context, ev domain.RawEvent) bool {
	h.metrics.RawEvents.WithLabelValues(ev.Reason.String()).Inc()

	switch ev.Reason {
	case domain.ReasonLightning:
		return true

	case domain.ReasonNoise:
		h.logger.Warn("sensor noise level too high")
		if h.controller != nil {
			if err := h.controller.RaiseNoiseFloor(ctx); err != nil {
				h.logger.Error("raise noise floor failed", "error", err)
			}
		}

	case domain.ReasonDisturber:
		h.logger.Debug("disturber detected")
		if h.controller != nil && !h.masked.Load() {
			if err := h.controller.SetMaskDisturber(ctx, true); err != nil {
				h.logger.Error("mask disturber failed", "error", err)
				return false
			}
			h.masked.Store(true)
			h.logger.Info("disturber interrupts masked")
		}

	case domain.ReasonNone:

	default:
		h.logger.Warn("unknown interrupt reason", "reason", ev.Reason.String())
	}
	return false
}

// SensorReset forgets register changes made on the sensor, so the next
// disturber is masked again. Safe to call from any goroutine.
func (h *InterruptHandler) SensorReset() {
	if h.masked.Swap(false) {
		h.logger.Info("sensor reset, disturber mask cleared")
	}
}
