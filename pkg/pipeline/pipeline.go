// Package pipeline runs one inbound event through normalize, context
// fetch, reply generation and delivery under a single time budget.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"replybot/pkg/bus"
	"replybot/pkg/conversation"
	"replybot/pkg/dispatch"
	"replybot/pkg/logger"
	"replybot/pkg/normalize"
	"replybot/pkg/reply"
	"replybot/pkg/retrieval"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	tracerName     = "replybot/pipeline"
	defaultTimeout = 30 * time.Second
)

type Normalizer interface {
	Normalize(event bus.InboundEvent) (normalize.Message, error)
}

type Retriever interface {
	Retrieve(ctx context.Context, query string) retrieval.Result
}

type Generator interface {
	Generate(ctx context.Context, text string, passages retrieval.Context, history []conversation.Turn) reply.Reply
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) dispatch.Receipt
}

// Deps are the collaborators of a run. Conversations and Bus are optional.
type Deps struct {
	Normalizer    Normalizer
	Retriever     Retriever
	Generator     Generator
	Conversations conversation.Store
	Dispatcher    Dispatcher
	Bus           *bus.MessageBus
}

type Options struct {
	Timeout time.Duration
	// RecordFallbackTurns stores fallback replies as assistant turns.
	RecordFallbackTurns bool
	Now                 func() time.Time
}

type Orchestrator struct {
	deps   Deps
	opts   Options
	now    func() time.Time
	tracer trace.Tracer
	log    *slog.Logger
}

func New(deps Deps, opts Options, log *slog.Logger) (*Orchestrator, error) {
	var missing []string
	if deps.Normalizer == nil {
		missing = append(missing, "normalizer")
	}
	if deps.Retriever == nil {
		missing = append(missing, "retriever")
	}
	if deps.Generator == nil {
		missing = append(missing, "generator")
	}
	if deps.Dispatcher == nil {
		missing = append(missing, "dispatcher")
	}
	if len(missing) > 0 {
		return nil, errors.New("pipeline: missing " + strings.Join(missing, ", "))
	}
	if deps.Conversations == nil {
		deps.Conversations = conversation.NopStore{}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		now:    now,
		tracer: otel.Tracer(tracerName),
		log:    log.With("component", "pipeline"),
	}, nil
}

// Process runs one event to completion. It never returns an error: every
// failure is folded into the Outcome.
func (o *Orchestrator) Process(ctx context.Context, event bus.InboundEvent) Outcome {
	startedAt := o.now()
	out := Outcome{RunID: uuid.NewString(), Channel: event.Channel}
	log := o.log.With("run_id", out.RunID, "channel", event.Channel)

	ctx, span := o.tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("replybot.run_id", out.RunID),
		attribute.String("replybot.channel", event.Channel),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	out.enter(StateReceived, startedAt)
	o.publish(ctx, bus.EventPipelineReceived, &out, event.ID)

	msg, err := o.normalize(ctx, event)
	if err != nil {
		out.Err = err
		out.enter(StateAborted, o.now())
		return o.finish(ctx, span, log, &out, startedAt)
	}
	out.Message = msg
	out.enter(StateNormalized, o.now())
	log = log.With("sender", msg.Sender)

	passages, retrieved, history := o.fetchContext(ctx, msg)
	out.Passages = passages
	if retrieved.Degraded {
		out.RetrievalDegraded = true
		out.annotate(AnnotationRetrievalDegraded)
		log.Warn("Continuing without retrieved context", "error", retrieved.Err)
	}
	out.enter(StateContextFetched, o.now())
	if o.expired(ctx, &out) {
		return o.finish(ctx, span, log, &out, startedAt)
	}

	out.Reply = o.generate(ctx, msg, passages, history)
	if out.Reply.UsedFallback {
		out.annotate(AnnotationFallbackUsed)
	}
	out.enter(StateReplied, o.now())
	if o.expired(ctx, &out) {
		return o.finish(ctx, span, log, &out, startedAt)
	}

	o.recordTurns(ctx, log, msg, out.Reply)

	out.Receipt = o.dispatch(ctx, msg, out.Reply)
	out.enter(StateDispatched, o.now())
	switch {
	case out.Receipt.TimedOut:
		out.TimedOut = true
		out.Err = context.DeadlineExceeded
		return o.finish(ctx, span, log, &out, startedAt)
	case out.Receipt.Duplicate:
		out.annotate(AnnotationDuplicate)
	case !out.Receipt.Delivered:
		out.DeliveryFailed = true
		out.Err = out.Receipt.LastError
		out.annotate(AnnotationDeliveryFailed)
	}

	out.enter(StateDone, o.now())
	return o.finish(ctx, span, log, &out, startedAt)
}

func (o *Orchestrator) normalize(ctx context.Context, event bus.InboundEvent) (normalize.Message, error) {
	_, span := o.tracer.Start(ctx, "pipeline.normalize")
	defer span.End()

	msg, err := o.deps.Normalizer.Normalize(event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "normalize failed")
		return normalize.Message{}, err
	}
	span.SetAttributes(attribute.String("replybot.shape", msg.Shape))
	return msg, nil
}

// fetchContext runs retrieval and the conversation read side by side.
// Neither collaborator fails, so the group only fans out and joins.
func (o *Orchestrator) fetchContext(ctx context.Context, msg normalize.Message) (retrieval.Context, retrieval.Result, []conversation.Turn) {
	var (
		result retrieval.Result
		state  conversation.State
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sctx, span := o.tracer.Start(gctx, "pipeline.retrieve")
		defer span.End()

		result = o.deps.Retriever.Retrieve(sctx, msg.Text)
		span.SetAttributes(
			attribute.Int("replybot.passages", len(result.Passages)),
			attribute.Bool("replybot.degraded", result.Degraded),
		)
		if result.Err != nil {
			span.RecordError(result.Err)
		}
		return nil
	})
	g.Go(func() error {
		sctx, span := o.tracer.Start(gctx, "pipeline.conversation.get")
		defer span.End()

		state = o.deps.Conversations.Get(sctx, conversation.KeyFor(msg.Sender))
		span.SetAttributes(attribute.Int("replybot.turns", len(state.Turns)))
		return nil
	})
	_ = g.Wait()

	passages := result.Passages
	if passages == nil {
		passages = retrieval.Context{}
	}
	return passages, result, state.Turns
}

func (o *Orchestrator) generate(ctx context.Context, msg normalize.Message, passages retrieval.Context, history []conversation.Turn) reply.Reply {
	ctx, span := o.tracer.Start(ctx, "pipeline.generate")
	defer span.End()

	r := o.deps.Generator.Generate(ctx, msg.Text, passages, history)
	span.SetAttributes(attribute.Bool("replybot.used_fallback", r.UsedFallback))
	if r.UsedFallback {
		span.SetAttributes(attribute.String("replybot.fallback_reason", string(r.Reason)))
	}
	if r.Err != nil {
		span.RecordError(r.Err)
	}
	return r
}

// recordTurns appends the user turn and, unless it is a fallback that should
// not be remembered, the assistant turn. Failures only degrade future context.
func (o *Orchestrator) recordTurns(ctx context.Context, log *slog.Logger, msg normalize.Message, r reply.Reply) {
	ctx, span := o.tracer.Start(ctx, "pipeline.conversation.append")
	defer span.End()

	key := conversation.KeyFor(msg.Sender)
	turns := []conversation.Turn{{Role: conversation.RoleUser, Text: msg.Text, At: msg.ReceivedAt}}
	if !r.UsedFallback || o.opts.RecordFallbackTurns {
		turns = append(turns, conversation.Turn{Role: conversation.RoleAssistant, Text: r.Text, At: o.now()})
	}

	for _, turn := range turns {
		if err := o.deps.Conversations.Append(ctx, key, turn); err != nil {
			span.RecordError(err)
			log.Warn("Failed to record conversation turn", "role", turn.Role, "error", err)
			return
		}
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, msg normalize.Message, r reply.Reply) dispatch.Receipt {
	ctx, span := o.tracer.Start(ctx, "pipeline.dispatch")
	defer span.End()

	receipt := o.deps.Dispatcher.Dispatch(ctx, dispatch.Request{
		Channel:          msg.Channel,
		Recipient:        msg.Sender,
		Text:             r.Text,
		InboundMessageID: msg.MessageID,
	})
	span.SetAttributes(
		attribute.Bool("replybot.delivered", receipt.Delivered),
		attribute.Int("replybot.attempts", receipt.Attempts),
	)
	if receipt.LastError != nil && !receipt.Delivered {
		span.RecordError(receipt.LastError)
	}
	return receipt
}

// expired marks the run timed out once the budget is spent.
func (o *Orchestrator) expired(ctx context.Context, out *Outcome) bool {
	if ctx.Err() == nil {
		return false
	}
	out.TimedOut = true
	out.Err = ctx.Err()
	return true
}

func (o *Orchestrator) finish(ctx context.Context, span trace.Span, log *slog.Logger, out *Outcome, startedAt time.Time) Outcome {
	out.settle()
	out.Duration = o.now().Sub(startedAt)

	span.SetAttributes(
		attribute.String("replybot.state", string(out.State)),
		attribute.String("replybot.status", string(out.Status)),
	)
	if out.Status == StatusAborted || out.Status == StatusTimedOut || out.Status == StatusFailed {
		span.SetStatus(codes.Error, string(out.Status))
	}

	attrs := []any{
		"state", out.State,
		"status", out.Status,
		"duration_ms", out.Duration.Milliseconds(),
	}
	if len(out.Annotations) > 0 {
		attrs = append(attrs, "annotations", strings.Join(out.Annotations, ","))
	}
	switch out.Status {
	case StatusAborted:
		var parseErr *normalize.ParseError
		if errors.As(out.Err, &parseErr) {
			attrs = append(attrs, "reason", parseErr.Reason, "keys", strings.Join(parseErr.Keys, ","))
		}
		log.Warn("Dropped inbound event", append(attrs, "error", out.Err)...)
	case StatusSuccess, StatusDegraded:
		log.Info("Processed inbound message", append(attrs, "reply", logger.Preview(out.Reply.Text))...)
	default:
		log.Error("Inbound message not answered", append(attrs, "error", out.Err)...)
	}

	eventType := bus.EventPipelineCompleted
	if out.Status == StatusAborted {
		eventType = bus.EventPipelineAborted
	}
	o.publish(ctx, eventType, out, out.Message.MessageID)

	return *out
}

func (o *Orchestrator) publish(ctx context.Context, eventType bus.EventType, out *Outcome, messageID string) {
	if o.deps.Bus == nil {
		return
	}

	payload := map[string]string{"state": string(out.State)}
	if out.Status != "" {
		payload["status"] = string(out.Status)
	}
	if len(out.Annotations) > 0 {
		payload["annotations"] = strings.Join(out.Annotations, ",")
	}
	if out.Receipt.Attempts > 0 {
		payload["attempts"] = strconv.Itoa(out.Receipt.Attempts)
	}
	if out.Duration > 0 {
		payload["duration_ms"] = strconv.FormatInt(out.Duration.Milliseconds(), 10)
	}

	event := bus.Event{
		Type:      eventType,
		Channel:   out.Channel,
		Sender:    out.Message.Sender,
		RunID:     out.RunID,
		MessageID: messageID,
		Payload:   payload,
	}
	if out.Err != nil {
		event.Error = out.Err.Error()
	}

	o.deps.Bus.PublishEvent(context.WithoutCancel(ctx), event)
}
