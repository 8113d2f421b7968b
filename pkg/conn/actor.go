// Package conn implements the per-connection actor: outbound writes, output
// policies and the work queue that admits handler invocations.
package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botcore/pkg/errs"
	"botcore/pkg/message"
	"botcore/pkg/metric"
	"botcore/pkg/transport"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const defaultQueueSize = 256

// OverflowPolicy decides what Enqueue does when the work queue is full.
type OverflowPolicy string

const (
	OverflowBlock      OverflowPolicy = "block"
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowReject fails the enqueue with errs.ErrQueueOverflow.
	OverflowReject OverflowPolicy = "reject"
)

// ParseOverflowPolicy validates a configured overflow policy, defaulting to block.
func ParseOverflowPolicy(raw string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", OverflowBlock:
		return OverflowBlock, nil
	case OverflowDropOldest:
		return OverflowDropOldest, nil
	case OverflowReject:
		return OverflowReject, nil
	default:
		return "", fmt.Errorf("unsupported overflow policy %q", raw)
	}
}

// Task is one unit of admitted work, usually a bound handler invocation.
type Task func(ctx context.Context)

type Options struct {
	ID         string
	PlatformID string
	QueueSize  int
	Overflow   OverflowPolicy
	// Cooldown is the minimum interval between outbound sends. Zero disables it.
	Cooldown time.Duration
	Output   OutputPolicy
	Renderer Renderer
	Codec    *message.Codec
	Metrics  *metric.Metrics
	Logger   *slog.Logger
}

// Actor owns one live transport. Tasks are admitted in FIFO order and each
// runs in its own goroutine, so completion order is not guaranteed.
type Actor struct {
	id         string
	platformID string
	transport  transport.Transport
	codec      *message.Codec
	output     OutputPolicy
	renderer   Renderer
	limiter    *rate.Limiter
	overflow   OverflowPolicy
	metrics    *metric.Metrics
	log        *slog.Logger

	queue    chan Task
	space    chan struct{}
	inflight atomic.Int64
	// admitMu orders admissions against Close.
	admitMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	cancel    context.CancelFunc
	mu        sync.Mutex
}

func New(t transport.Transport, opts Options) (*Actor, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}

	codec := opts.Codec
	if codec == nil {
		var err error
		codec, err = message.NewCodec(message.FormatCBOR)
		if err != nil {
			return nil, err
		}
	}

	id := strings.TrimSpace(opts.ID)
	if id == "" {
		id = uuid.NewString()
	}

	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}

	overflow := opts.Overflow
	if overflow == "" {
		overflow = OverflowBlock
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	var limiter *rate.Limiter
	if opts.Cooldown > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.Cooldown), 1)
	}

	return &Actor{
		id:         id,
		platformID: strings.TrimSpace(opts.PlatformID),
		transport:  t,
		codec:      codec,
		output:     opts.Output,
		renderer:   opts.Renderer,
		limiter:    limiter,
		overflow:   overflow,
		metrics:    opts.Metrics,
		log:        log.With("component", "conn.actor", "connection_id", id, "platform_id", opts.PlatformID),
		queue:      make(chan Task, size),
		space:      make(chan struct{}, 1),
		done:       make(chan struct{}),
	}, nil
}

func (a *Actor) ID() string         { return a.id }
func (a *Actor) PlatformID() string { return a.platformID }
func (a *Actor) Logger() *slog.Logger {
	return a.log
}

// Done is closed when the actor is closed.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) Closed() bool { return a.closed.Load() }

// QueueDepth reports tasks admitted but not yet started.
func (a *Actor) QueueDepth() int { return len(a.queue) }

// Inflight reports started tasks that have not returned.
func (a *Actor) Inflight() int { return int(a.inflight.Load()) }

// Start launches the consumer loop. Tasks run on a context detached from ctx
// cancellation so closing the actor never aborts in-flight handlers.
func (a *Actor) Start(ctx context.Context) {
	a.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)

		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()

		taskCtx := context.WithoutCancel(ctx)
		go a.consume(loopCtx, taskCtx)
	})
}

func (a *Actor) consume(loopCtx, taskCtx context.Context) {
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-a.done:
			return
		case task := <-a.queue:
			select {
			case a.space <- struct{}{}:
			default:
			}
			a.inflight.Add(1)
			go a.run(taskCtx, task)
		}
	}
}

func (a *Actor) run(ctx context.Context, task Task) {
	defer a.inflight.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			a.metrics.HandlerDone("panic")
			a.log.Error("Task panicked", "error", fmt.Sprint(r))
		}
	}()

	task(ctx)
}

// Enqueue admits one task. With OverflowBlock it waits for room; with
// OverflowDropOldest it evicts the oldest queued task; with OverflowReject
// it fails fast. A closed actor admits nothing.
func (a *Actor) Enqueue(ctx context.Context, task Task) error {
	if task == nil {
		return errors.New("task is required")
	}

	for {
		admitted, err := a.admit(task)
		if err != nil || admitted {
			return err
		}

		switch a.overflow {
		case OverflowReject:
			a.metrics.QueueDropped()
			a.log.Warn("Work queue full, rejected task", "queue_size", cap(a.queue))
			return errs.NewError(errs.CategoryQueueOverflow, fmt.Sprintf("work queue full (%d)", cap(a.queue)))
		case OverflowDropOldest:
			select {
			case <-a.queue:
				a.metrics.QueueDropped()
				a.log.Warn("Work queue full, dropped oldest task", "queue_size", cap(a.queue))
			default:
			}
		default:
			select {
			case <-a.space:
			case <-ctx.Done():
				return ctx.Err()
			case <-a.done:
				return errs.ErrConnectionClosed
			}
		}
	}
}

// admit pushes task without blocking. It reports false when the queue is
// full and fails once the actor is closed.
func (a *Actor) admit(task Task) (bool, error) {
	a.admitMu.Lock()
	defer a.admitMu.Unlock()

	if a.closed.Load() {
		return false, errs.ErrConnectionClosed
	}
	select {
	case a.queue <- task:
	default:
		return false, nil
	}
	// Pass a coalesced wakeup on to the next blocked caller.
	if len(a.queue) < cap(a.queue) {
		select {
		case a.space <- struct{}{}:
		default:
		}
	}
	return true, nil
}

// Send writes env to the transport exactly once after applying the output
// policies. A failed write is logged and returned; the actor stays usable.
func (a *Actor) Send(ctx context.Context, env message.OutboundEnvelope, hint SendHint) error {
	if a.closed.Load() {
		return errs.ErrConnectionClosed
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	content, renderErr := a.output.apply(env, hint, a.renderer)
	if renderErr != nil {
		a.log.Warn("Text to image conversion failed, sending text", "error", renderErr)
	}
	env.Content = content
	if env.BotID == "" {
		env.BotID = a.platformID
	}

	data, err := a.codec.EncodeOutbound(env)
	if err != nil {
		return fmt.Errorf("encode outbound envelope: %w", err)
	}

	err = a.transport.Send(ctx, data)
	a.metrics.Sent(err)
	if err != nil {
		a.log.Error("Failed to write envelope", "target_type", env.TargetType, "target_id", env.TargetID, "error", err)
		if errors.Is(err, transport.ErrClosed) {
			return errs.Wrap(err, errs.CategoryConnectionClosed, "send envelope")
		}
		return errs.Wrap(err, errs.CategoryTransportWrite, "send envelope")
	}

	return nil
}

// Receive reads and decodes the next inbound envelope. Malformed payloads are
// returned as errs.ErrMalformedEnvelope; the caller decides to continue.
func (a *Actor) Receive(ctx context.Context) (message.InboundEnvelope, error) {
	data, err := a.transport.Receive(ctx)
	if err != nil {
		return message.InboundEnvelope{}, err
	}

	env, err := a.codec.DecodeInbound(data)
	if err != nil {
		a.metrics.InboundMalformed()
		return message.InboundEnvelope{}, err
	}

	a.metrics.InboundAccepted()
	return env, nil
}

// Close stops the consumer loop, closes the transport and denies further
// output. Tasks already running are left to finish.
func (a *Actor) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.admitMu.Lock()
		a.closed.Store(true)
		close(a.done)
		a.admitMu.Unlock()

		a.mu.Lock()
		if a.cancel != nil {
			a.cancel()
		}
		a.mu.Unlock()

		err = a.transport.Close()
		a.log.Info("Connection closed", "queued", len(a.queue), "inflight", a.Inflight())
	})
	return err
}
