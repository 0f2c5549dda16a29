package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kalambet/chatflow/internal/flow"
	"github.com/kalambet/chatflow/internal/metrics"
	"github.com/kalambet/chatflow/internal/retrieval"
)

func rawMessage(t *testing.T, v any) *message.Message {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return message.NewMessage("test-msg", b)
}

func decodeOutput[T any](t *testing.T, msgs []*message.Message) flow.Envelope[T] {
	t.Helper()
	if len(msgs) != 1 {
		t.Fatalf("handler emitted %d messages, want 1", len(msgs))
	}
	var env flow.Envelope[T]
	if err := json.Unmarshal(msgs[0].Payload, &env); err != nil {
		t.Fatalf("decoding output: %v", err)
	}
	return env
}

func (p *Pipeline) preprocessHandler() message.HandlerFunc {
	return handle(p, stage[Inbound, Preprocessed]{
		name: StagePreprocess, process: p.preprocess, fallback: preprocessFallback, entry: true,
	})
}

func TestHandle_InvalidInputHaltsFlow(t *testing.T) {
	env := newTestEnv(t)
	h := handle(env.p, stage[Preprocessed, FiltersExtracted]{
		name: StageExtractFilters, process: env.p.extractFilters, fallback: extractFiltersFallback,
	})

	tests := []struct {
		name    string
		payload []byte
	}{
		{"not json", []byte("{{{")},
		{"missing text", []byte(`{"correlation_id":"flow_1_abcdef01","payload":{"inbound":{"message":"hi"}}}`)},
		{"missing message", []byte(`{"payload":{"inbound":{},"text":"hi"}}`)},
		{"wrong type", []byte(`{"payload":{"inbound":{"message":42},"text":"hi"}}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues(StageExtractFilters))

			out, err := h(message.NewMessage("m", tt.payload))
			if err != nil {
				t.Fatalf("handler returned error %v; invalid input must be acked", err)
			}
			if len(out) != 0 {
				t.Errorf("handler emitted %d messages, want none", len(out))
			}

			after := testutil.ToFloat64(metrics.ValidationFailures.WithLabelValues(StageExtractFilters))
			if after-before != 1 {
				t.Errorf("validation failures delta = %v, want 1", after-before)
			}
		})
	}
}

func TestDecode_WrapsErrValidation(t *testing.T) {
	_, err := decode[Preprocessed](message.NewMessage("m", []byte(`{"payload":{}}`)))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want ErrValidation", err)
	}

	_, err = decode[ContextRetrieved](message.NewMessage("m", []byte(
		`{"payload":{"filters_extracted":{"preprocessed":{"inbound":{"message":"m"},"text":"t"},"query":"q"},"context":null}}`)))
	if !errors.Is(err, ErrValidation) {
		t.Errorf("null context err = %v, want ErrValidation", err)
	}

	env, err := decode[ContextRetrieved](message.NewMessage("m", []byte(
		`{"payload":{"filters_extracted":{"preprocessed":{"inbound":{"message":"m"},"text":"t"},"query":"q"},"context":[]}}`)))
	if err != nil {
		t.Fatalf("empty context should be valid: %v", err)
	}
	if env.Payload.Context == nil {
		t.Error("decoded context is nil, want empty list")
	}
}

func TestHandle_PreprocessAllocatesCorrelationID(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.p.preprocessHandler()(rawMessage(t, flow.Envelope[Inbound]{Payload: Inbound{Message: "  hi  "}}))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	got := decodeOutput[Preprocessed](t, out)

	if !env.deps.Registry.Recognize(got.CorrelationID) {
		t.Errorf("correlation id %q not allocated", got.CorrelationID)
	}
	if middleware.MessageCorrelationID(out[0]) != got.CorrelationID {
		t.Errorf("message metadata correlation id = %q, want %q", middleware.MessageCorrelationID(out[0]), got.CorrelationID)
	}
	if got.Payload.Text != "hi" || got.Payload.Message != "  hi  " {
		t.Errorf("payload = %+v", got.Payload)
	}
	if got.Payload.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not stamped at entry")
	}
}

func TestHandle_PreprocessKeepsExistingID(t *testing.T) {
	env := newTestEnv(t)

	in := flow.Envelope[Inbound]{CorrelationID: "flow_1_0000aaaa", Payload: Inbound{Message: "hi"}}
	out, _ := env.p.preprocessHandler()(rawMessage(t, in))
	if got := decodeOutput[Preprocessed](t, out); got.CorrelationID != in.CorrelationID {
		t.Errorf("correlation id = %q, want %q", got.CorrelationID, in.CorrelationID)
	}
}

func TestHandle_PreprocessBlankFallsBackToOriginal(t *testing.T) {
	env := newTestEnv(t)

	out, _ := env.p.preprocessHandler()(rawMessage(t, flow.Envelope[Inbound]{
		CorrelationID: "flow_1_0000aaaa",
		Payload:       Inbound{Message: " \t "},
	}))
	got := decodeOutput[Preprocessed](t, out)
	if got.Payload.Text != " \t " {
		t.Errorf("Text = %q, want original message", got.Payload.Text)
	}
	if len(got.Payload.Fallbacks) != 1 || got.Payload.Fallbacks[0] != StagePreprocess {
		t.Errorf("Fallbacks = %v", got.Payload.Fallbacks)
	}
}

func TestHandle_UntracedPayloadIsProcessed(t *testing.T) {
	env := newTestEnv(t)
	h := handle(env.p, stage[FiltersExtracted, ContextRetrieved]{
		name: StageRetrieve, process: env.p.retrieve, fallback: retrieveFallback,
	})

	in := flow.Envelope[FiltersExtracted]{Payload: FiltersExtracted{
		Preprocessed: Preprocessed{Inbound: Inbound{Message: "m"}, Text: "m"},
		Query:        "m",
	}}
	out, err := h(rawMessage(t, in))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	got := decodeOutput[ContextRetrieved](t, out)

	if got.CorrelationID != "" {
		t.Errorf("correlation id = %q, want none", got.CorrelationID)
	}
	if len(got.Payload.Context) != 1 {
		t.Errorf("context = %+v", got.Payload.Context)
	}
	if ids := env.traces.CorrelationIDs(); len(ids) != 0 {
		t.Errorf("spans recorded for %v, want none without correlation id", ids)
	}
}

func TestHandle_FieldsAccumulate(t *testing.T) {
	env := newTestEnv(t)
	h := handle(env.p, stage[ContextRetrieved, ResponseGenerated]{
		name: StageGenerate, process: env.p.generate, fallback: generateFallback,
	})

	in := flow.Envelope[ContextRetrieved]{
		CorrelationID: "flow_1_0000bbbb",
		Payload: ContextRetrieved{
			FiltersExtracted: FiltersExtracted{
				Preprocessed: Preprocessed{Inbound: Inbound{Message: " original "}, Text: "original"},
				Query:        "rewritten",
			},
			Context: []retrieval.ContextItem{{ID: "x", Type: retrieval.ItemInsight, Problem: "p", Solution: "s"}},
		},
	}
	out, err := h(rawMessage(t, in))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	got := decodeOutput[ResponseGenerated](t, out).Payload

	if got.Message != " original " || got.Text != "original" || got.Query != "rewritten" {
		t.Errorf("upstream fields lost: %+v", got)
	}
	if len(got.Context) != 1 || got.Context[0].Problem != "p" {
		t.Errorf("context lost: %+v", got.Context)
	}
	if got.Response != "Here is the answer." {
		t.Errorf("Response = %q", got.Response)
	}
}

func TestHandle_StageMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.retr.err = errors.New("store down")
	h := handle(env.p, stage[FiltersExtracted, ContextRetrieved]{
		name: StageRetrieve, process: env.p.retrieve, fallback: retrieveFallback,
	})

	counter := metrics.StageRuns.WithLabelValues(StageRetrieve, metrics.OutcomeFallback)
	before := testutil.ToFloat64(counter)

	in := flow.Envelope[FiltersExtracted]{CorrelationID: "flow_1_0000cccc", Payload: FiltersExtracted{
		Preprocessed: Preprocessed{Inbound: Inbound{Message: "m"}, Text: "m"},
		Query:        "m",
	}}
	if _, err := h(rawMessage(t, in)); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("fallback runs delta = %v, want 1", got)
	}

	spans, _ := env.traces.Spans(context.Background(), "flow_1_0000cccc")
	if len(spans) != 1 || spans[0].Error != "store down" {
		t.Errorf("spans = %+v", spans)
	}
}
