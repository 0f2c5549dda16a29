// Package pipeline chains the chat stages over Watermill topics:
//
//	chat.message.received → preprocess → chat.message.preprocessed →
//	extract_filters → chat.filters.extracted → retrieve →
//	chat.context.retrieved → generate → chat.response.generated → complete
//
// Every stage validates its input, runs under a trace span keyed by the
// flow's correlation id, and emits a fallback result instead of failing.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/kalambet/chatflow/internal/filters"
	"github.com/kalambet/chatflow/internal/flow"
	"github.com/kalambet/chatflow/internal/metrics"
	"github.com/kalambet/chatflow/internal/retrieval"
	"github.com/kalambet/chatflow/internal/storage"
	"github.com/kalambet/chatflow/internal/tracing"
)

// Retriever finds context for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, filter *filters.Expression) ([]retrieval.ContextItem, error)
}

// ContextFormatter renders retrieved items for the prompt.
type ContextFormatter interface {
	Format(items []retrieval.ContextItem) string
}

// Generator produces the answer.
type Generator interface {
	Generate(ctx context.Context, query, contextText string) (string, error)
}

// FlowSink persists completed flows.
type FlowSink interface {
	SaveFlow(ctx context.Context, f storage.Flow) error
}

// Deps are the pipeline's collaborators. Extractor, Retriever, Formatter and
// Generator are required. A nil Tracer disables tracing and a nil Sink skips
// persistence.
type Deps struct {
	Extractor filters.Extractor
	Retriever Retriever
	Formatter ContextFormatter
	Generator Generator
	Tracer    *tracing.Tracer
	Registry  *flow.Registry
	Sink      FlowSink
	Logger    *slog.Logger
}

const outputBuffer = 256

// Pipeline owns the router and the in-process pub/sub connecting the stages.
type Pipeline struct {
	extractor filters.Extractor
	retriever Retriever
	formatter ContextFormatter
	generator Generator
	tracer    *tracing.Tracer
	registry  *flow.Registry
	sink      FlowSink
	log       *slog.Logger
	now       func() time.Time

	pubSub *gochannel.GoChannel
	router *message.Router
	closed atomic.Bool

	mu      sync.Mutex
	waiters map[string]chan Completion
}

// New builds the pipeline. Call Run to start processing.
func New(d Deps) (*Pipeline, error) {
	if d.Extractor == nil || d.Retriever == nil || d.Formatter == nil || d.Generator == nil {
		return nil, fmt.Errorf("pipeline: extractor, retriever, formatter and generator are required")
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Registry == nil {
		d.Registry = flow.NewRegistry()
	}

	wmLogger := watermill.NewSlogLogger(d.Logger)
	pubSub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: outputBuffer}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer, middleware.CorrelationID)

	p := &Pipeline{
		extractor: d.Extractor,
		retriever: d.Retriever,
		formatter: d.Formatter,
		generator: d.Generator,
		tracer:    d.Tracer,
		registry:  d.Registry,
		sink:      d.Sink,
		log:       d.Logger,
		now:       time.Now,
		pubSub:    pubSub,
		router:    router,
		waiters:   make(map[string]chan Completion),
	}

	addStage(p, TopicReceived, TopicPreprocessed, stage[Inbound, Preprocessed]{
		name: StagePreprocess, process: p.preprocess, fallback: preprocessFallback, entry: true,
	})
	addStage(p, TopicPreprocessed, TopicFiltered, stage[Preprocessed, FiltersExtracted]{
		name: StageExtractFilters, process: p.extractFilters, fallback: extractFiltersFallback,
	})
	addStage(p, TopicFiltered, TopicRetrieved, stage[FiltersExtracted, ContextRetrieved]{
		name: StageRetrieve, process: p.retrieve, fallback: retrieveFallback,
	})
	addStage(p, TopicRetrieved, TopicGenerated, stage[ContextRetrieved, ResponseGenerated]{
		name: StageGenerate, process: p.generate, fallback: generateFallback,
	})
	router.AddConsumerHandler(StageComplete, TopicGenerated, pubSub, p.complete)

	return p, nil
}

func addStage[In, Out any](p *Pipeline, subscribeTopic, publishTopic string, st stage[In, Out]) {
	p.router.AddHandler(st.name, subscribeTopic, p.pubSub, publishTopic, p.pubSub, handle(p, st))
}

// Run processes messages until ctx is cancelled or Close is called.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.router.Run(ctx)
}

// Running is closed once every stage is subscribed.
func (p *Pipeline) Running() <-chan struct{} {
	return p.router.Running()
}

// Close stops the router and the pub/sub. In-flight handlers get the
// router's close timeout to finish.
func (p *Pipeline) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	routerErr := p.router.Close()
	if err := p.pubSub.Close(); err != nil && routerErr == nil {
		return err
	}
	return routerErr
}

func (p *Pipeline) ready() bool {
	if p.closed.Load() || p.router.IsClosed() {
		return false
	}
	select {
	case <-p.router.Running():
		return true
	default:
		return false
	}
}

// Submit starts a flow for message and returns its correlation id without
// waiting for the answer.
func (p *Pipeline) Submit(ctx context.Context, msg string) (string, error) {
	id := p.registry.New()
	if err := p.publish(ctx, id, msg); err != nil {
		return "", err
	}
	return id, nil
}

// Ask starts a flow and waits for it to complete. A flow halted by invalid
// stage input never completes, so ctx should carry a deadline.
func (p *Pipeline) Ask(ctx context.Context, msg string) (Completion, error) {
	id := p.registry.New()
	ch := p.await(id)
	defer p.forget(id)

	if err := p.publish(ctx, id, msg); err != nil {
		return Completion{}, err
	}
	select {
	case c := <-ch:
		return c, nil
	case <-ctx.Done():
		return Completion{}, fmt.Errorf("waiting for flow %s: %w", id, ctx.Err())
	}
}

func (p *Pipeline) publish(ctx context.Context, id, text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: message is empty", ErrValidation)
	}
	if !p.ready() {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := encode(flow.Envelope[Inbound]{
		CorrelationID: id,
		Payload:       Inbound{Message: text, ReceivedAt: p.now()},
	})
	if err != nil {
		return err
	}
	if err := p.pubSub.Publish(TopicReceived, msg); err != nil {
		return fmt.Errorf("publishing %s: %w", TopicReceived, err)
	}
	p.log.Debug("flow submitted", "correlation_id", id)
	return nil
}

func (p *Pipeline) await(id string) <-chan Completion {
	ch := make(chan Completion, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	return ch
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	delete(p.waiters, id)
	p.mu.Unlock()
}

func (p *Pipeline) notify(c Completion) {
	p.mu.Lock()
	ch, ok := p.waiters[c.FlowID]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- c:
	default:
	}
}

// complete is the terminal stage: it persists the flow, closes its trace
// session and wakes any Ask waiting on it.
func (p *Pipeline) complete(msg *message.Message) error {
	start := time.Now()
	env, err := decode[ResponseGenerated](msg)
	if err != nil {
		p.reject(StageComplete, msg, err, start)
		return nil
	}

	cid := env.CorrelationID
	ctx := flow.WithID(msg.Context(), cid)
	c := completionFrom(cid, env.Payload, p.now())

	outcome := metrics.OutcomeOK
	if cid != "" {
		status, err := runSafely(ctx, tracing.Wrap[Completion, string](p.tracer, StageComplete, cid, p.persist), c)
		if err != nil {
			p.log.Warn("persisting flow failed", "correlation_id", cid, "error", err)
			outcome = metrics.OutcomeFallback
		} else {
			p.log.Debug("flow persisted", "correlation_id", cid, "status", status)
		}
	}
	p.tracer.EndTrace(ctx, cid)
	p.notify(c)

	metrics.FlowsCompleted.WithLabelValues(strconv.FormatBool(c.Degraded())).Inc()
	metrics.ObserveStage(StageComplete, outcome, time.Since(start))
	p.log.Info("flow completed",
		"correlation_id", cid,
		"context_items", len(c.Context),
		"fallbacks", strings.Join(c.Fallbacks, ","),
		"elapsed", c.CompletedAt.Sub(c.ReceivedAt),
	)
	return nil
}
