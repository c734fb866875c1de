package health

import (
	"context"
	"log/slog"
	"time"

	"chatrt/internal/domain"
)

// RecordingAdapter decorates a domain.Adapter, recording each outbound
// Send* call's latency and outcome into a HealthMonitor collector, and
// running each call through a SendBreaker so a run of failures trips the
// breaker and fails fast instead of hammering a backend that is already
// down. Every other method is forwarded unchanged. This is the concrete
// home for spec §2's "health monitor ingests action outcomes from
// adapters": the decorator wraps each Send* call once rather than
// requiring each adapter to know about the monitor or breaker directly.
type RecordingAdapter struct {
	domain.Adapter
	monitor *HealthMonitor
	clock   func() time.Time
	breaker *SendBreaker
}

// NewRecordingAdapter wraps inner, recording its outbound operations to
// monitor under inner.Platform() and guarding them with a SendBreaker
// logged through logger.
func NewRecordingAdapter(inner domain.Adapter, monitor *HealthMonitor, clock func() time.Time, logger *slog.Logger) *RecordingAdapter {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	breaker := NewSendBreaker(inner.Platform(), "send", CircuitBreakerConfig{}, logger)
	return &RecordingAdapter{Adapter: inner, monitor: monitor, clock: clock, breaker: breaker}
}

func (r *RecordingAdapter) record(start time.Time, err error) {
	result := ActionResult{Timestamp: start, LatencyMs: r.clock().Sub(start).Milliseconds()}
	if err != nil {
		result.Outcome = OutcomeError
		result.ErrorType = string(domain.ErrorCodeOf(err))
	} else {
		result.Outcome = OutcomeSuccess
	}
	r.monitor.Record(r.Adapter.Platform(), result)
}

func (r *RecordingAdapter) SendText(ctx context.Context, conv domain.Conversation, text string) (domain.Message, error) {
	start := r.clock()
	msg, err := r.breaker.Execute(ctx, "send_text", func(ctx context.Context) (domain.Message, error) {
		return r.Adapter.SendText(ctx, conv, text)
	})
	r.record(start, err)
	return msg, err
}

func (r *RecordingAdapter) SendImage(ctx context.Context, conv domain.Conversation, media domain.MediaRef, caption string) (domain.Message, error) {
	start := r.clock()
	msg, err := r.breaker.Execute(ctx, "send_image", func(ctx context.Context) (domain.Message, error) {
		return r.Adapter.SendImage(ctx, conv, media, caption)
	})
	r.record(start, err)
	return msg, err
}

func (r *RecordingAdapter) SendAudio(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	start := r.clock()
	msg, err := r.breaker.Execute(ctx, "send_audio", func(ctx context.Context) (domain.Message, error) {
		return r.Adapter.SendAudio(ctx, conv, media)
	})
	r.record(start, err)
	return msg, err
}

func (r *RecordingAdapter) SendVoice(ctx context.Context, conv domain.Conversation, media domain.MediaRef) (domain.Message, error) {
	start := r.clock()
	msg, err := r.breaker.Execute(ctx, "send_voice", func(ctx context.Context) (domain.Message, error) {
		return r.Adapter.SendVoice(ctx, conv, media)
	})
	r.record(start, err)
	return msg, err
}

func (r *RecordingAdapter) SendFile(ctx context.Context, conv domain.Conversation, media domain.MediaRef, filename string) (domain.Message, error) {
	start := r.clock()
	msg, err := r.breaker.Execute(ctx, "send_file", func(ctx context.Context) (domain.Message, error) {
		return r.Adapter.SendFile(ctx, conv, media, filename)
	})
	r.record(start, err)
	return msg, err
}

func (r *RecordingAdapter) SendLocation(ctx context.Context, conv domain.Conversation, lat, lng float64) (domain.Message, error) {
	start := r.clock()
	msg, err := r.breaker.Execute(ctx, "send_location", func(ctx context.Context) (domain.Message, error) {
		return r.Adapter.SendLocation(ctx, conv, lat, lng)
	})
	r.record(start, err)
	return msg, err
}
