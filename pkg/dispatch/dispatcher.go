package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"replybot/pkg/channel"
	"replybot/pkg/keylock"

	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts = 3
	markTimeout        = 2 * time.Second
)

// ErrNoSender is reported when the dispatcher was built without a sender.
var ErrNoSender = errors.New("dispatch: no sender configured")

// Sender delivers text on a named channel. *channel.Router satisfies it.
type Sender interface {
	Send(ctx context.Context, channelName, recipient, text string) (channel.SendResult, error)
}

// Request is one outbound reply.
type Request struct {
	Channel          string
	Recipient        string
	Text             string
	InboundMessageID string
}

// Receipt describes what happened to a Request.
type Receipt struct {
	Attempted         bool
	Delivered         bool
	ProviderMessageID string
	Attempts          int
	LastError         error
	// Duplicate is set when the inbound id was already handled; nothing was sent.
	Duplicate bool
	// TimedOut is set when the caller's deadline ended the retries early.
	TimedOut bool
}

// Options configures retries, pacing and dedupe.
type Options struct {
	MaxAttempts    int
	Backoff        Backoff
	AttemptTimeout time.Duration
	// RatePerSecond paces outbound sends across all recipients; 0 disables.
	RatePerSecond float64
	Dedupe        DedupeStore
	Now           func() time.Time
}

// Dispatcher sends replies with retry, backoff and duplicate suppression.
type Dispatcher struct {
	sender  Sender
	opts    Options
	dedupe  DedupeStore
	locks   *keylock.Locker
	limiter *rate.Limiter
	now     func() time.Time
	log     *slog.Logger
}

// New builds a dispatcher. A nil Dedupe store disables duplicate suppression.
func New(sender Sender, opts Options, log *slog.Logger) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = slog.Default()
	}

	d := &Dispatcher{
		sender: sender,
		opts:   opts,
		dedupe: opts.Dedupe,
		locks:  keylock.New(),
		now:    opts.Now,
		log:    log.With("component", "dispatch"),
	}
	if d.now == nil {
		d.now = time.Now
	}
	if opts.RatePerSecond > 0 {
		burst := max(1, int(opts.RatePerSecond))
		d.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return d
}

// Dispatch delivers req once per inbound message id. The dedupe check, the
// attempts and the mark all happen under the key's lock, so concurrent
// redeliveries of one inbound message result in a single send. Across
// processes the same holds when the store is a ClaimingDedupe.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Receipt {
	key := dedupeKey(req.Channel, req.InboundMessageID)
	if key == "" || d.dedupe == nil {
		return d.deliver(ctx, req)
	}

	unlock := d.locks.Lock(key)
	defer unlock()

	claimed, duplicate := d.checkDuplicate(ctx, key)
	if duplicate {
		d.log.Info("Skipping duplicate delivery", "key", key, "recipient", req.Recipient)
		return Receipt{Duplicate: true}
	}

	receipt := d.deliver(ctx, req)

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markTimeout)
	defer cancel()
	switch {
	case receipt.Attempted:
		if err := d.dedupe.Mark(storeCtx, key, d.now()); err != nil {
			d.log.Error("Failed to record delivery", "key", key, "error", err)
		}
	case claimed:
		if err := d.dedupe.(ClaimingDedupe).Release(storeCtx, key); err != nil {
			d.log.Warn("Failed to release dedupe claim", "key", key, "error", err)
		}
	}
	return receipt
}

// checkDuplicate consults the dedupe store. Lookup failures count as unseen.
// claimed reports that a shared store reserved the key for this dispatch.
func (d *Dispatcher) checkDuplicate(ctx context.Context, key string) (claimed, duplicate bool) {
	if claimer, ok := d.dedupe.(ClaimingDedupe); ok {
		won, err := claimer.Claim(ctx, key, d.now())
		if err != nil {
			d.log.Warn("Dedupe claim failed, sending anyway", "key", key, "error", err)
			return false, false
		}
		return won, !won
	}

	seen, err := d.dedupe.Seen(ctx, key, d.now())
	if err != nil {
		d.log.Warn("Dedupe lookup failed, sending anyway", "key", key, "error", err)
		return false, false
	}
	return false, seen
}

func (d *Dispatcher) deliver(ctx context.Context, req Request) Receipt {
	var receipt Receipt
	if d.sender == nil {
		receipt.LastError = ErrNoSender
		return receipt
	}

	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := d.opts.Backoff.withHint(d.opts.Backoff.Delay(attempt-1), channel.RetryAfterOf(receipt.LastError))
			if !d.wait(ctx, delay) {
				receipt.TimedOut = true
				break
			}
		}
		if err := ctx.Err(); err != nil {
			receipt.TimedOut = true
			if receipt.LastError == nil {
				receipt.LastError = err
			}
			break
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				receipt.TimedOut = true
				if receipt.LastError == nil {
					receipt.LastError = fmt.Errorf("outbound pacing: %w", err)
				}
				break
			}
		}

		result, err := d.attempt(ctx, req)
		receipt.Attempted = true
		receipt.Attempts = attempt
		if err == nil {
			receipt.Delivered = true
			receipt.ProviderMessageID = result.ProviderMessageID
			receipt.LastError = nil
			d.log.Info("Delivered reply", "channel", req.Channel, "recipient", req.Recipient, "attempts", attempt)
			return receipt
		}

		receipt.LastError = err
		class := channel.ClassOf(err)
		d.log.Warn("Delivery attempt failed",
			"channel", req.Channel,
			"recipient", req.Recipient,
			"attempt", attempt,
			"class", class,
			"error", err,
		)
		if ctx.Err() != nil {
			receipt.TimedOut = true
			break
		}
		if class == channel.ClassPermanent {
			break
		}
	}

	d.log.Error("Delivery failed",
		"channel", req.Channel,
		"recipient", req.Recipient,
		"attempts", receipt.Attempts,
		"timed_out", receipt.TimedOut,
		"error", receipt.LastError,
	)
	return receipt
}

func (d *Dispatcher) attempt(ctx context.Context, req Request) (channel.SendResult, error) {
	if d.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.AttemptTimeout)
		defer cancel()
	}
	return d.sender.Send(ctx, req.Channel, req.Recipient, req.Text)
}

// wait sleeps for delay unless the context ends first or its deadline would
// pass before the next attempt could start.
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
		return false
	}
	if delay <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
