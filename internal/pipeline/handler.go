package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/kalambet/chatflow/internal/flow"
	"github.com/kalambet/chatflow/internal/metrics"
	"github.com/kalambet/chatflow/internal/tracing"
)

// stage describes one transition: what it does and what it emits instead
// when that fails.
type stage[In, Out any] struct {
	name     string
	process  tracing.Func[In, Out]
	fallback func(in In, err error) Out
	// entry stages allocate a correlation id for untagged input.
	entry bool
}

type fallbackMarker interface {
	markFallback(stage string)
}

// handle adapts a stage to a Watermill handler. It never returns an error:
// invalid input is acked and dropped, and processing failures are replaced
// by the stage's fallback, so a message is never redelivered.
func handle[In, Out any](p *Pipeline, st stage[In, Out]) message.HandlerFunc {
	return func(msg *message.Message) (produced []*message.Message, _ error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("stage handler panicked, dropping message", "stage", st.name, "message_uuid", msg.UUID, "panic", r)
				produced = nil
			}
		}()

		env, err := decode[In](msg)
		if err != nil {
			p.reject(st.name, msg, err, start)
			return nil, nil
		}

		cid := env.CorrelationID
		if st.entry {
			if cid == "" {
				cid = p.registry.New()
			}
			if in, ok := any(&env.Payload).(*Inbound); ok && in.ReceivedAt.IsZero() {
				in.ReceivedAt = p.now()
			}
		}
		ctx := flow.WithID(msg.Context(), cid)

		outcome := metrics.OutcomeOK
		out, err := runSafely(ctx, tracing.Wrap(p.tracer, st.name, cid, st.process), env.Payload)
		if err != nil {
			p.log.Warn("stage failed, emitting fallback", "stage", st.name, "correlation_id", cid, "error", err)
			out = st.fallback(env.Payload, err)
			if m, ok := any(&out).(fallbackMarker); ok {
				m.markFallback(st.name)
			}
			outcome = metrics.OutcomeFallback
		}

		next, err := encode(flow.Envelope[Out]{CorrelationID: cid, Payload: out})
		if err != nil {
			p.log.Error("stage output could not be encoded, dropping flow", "stage", st.name, "correlation_id", cid, "error", err)
			return nil, nil
		}
		metrics.ObserveStage(st.name, outcome, time.Since(start))
		return []*message.Message{next}, nil
	}
}

// runSafely turns a panic in fn into an error.
func runSafely[In, Out any](ctx context.Context, fn tracing.Func[In, Out], in In) (out Out, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, in)
}

func (p *Pipeline) reject(stage string, msg *message.Message, err error, start time.Time) {
	p.log.Warn("stage input rejected, flow halted", "stage", stage, "message_uuid", msg.UUID, "error", err)
	metrics.ValidationFailures.WithLabelValues(stage).Inc()
	metrics.ObserveStage(stage, metrics.OutcomeRejected, time.Since(start))
}
