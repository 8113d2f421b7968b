// Package dispatch turns inbound envelopes into handler invocations: it
// normalizes, answers waiting sessions, matches triggers and enqueues work.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"

	"botcore/pkg/bus"
	"botcore/pkg/conn"
	"botcore/pkg/errs"
	"botcore/pkg/event"
	"botcore/pkg/logger"
	"botcore/pkg/message"
	"botcore/pkg/metric"
	"botcore/pkg/service"
	"botcore/pkg/session"
	"botcore/pkg/trigger"
	"botcore/pkg/worker"

	"golang.org/x/sync/errgroup"
)

// Connection is the part of a connection actor the dispatcher needs.
type Connection interface {
	session.Sender
	ID() string
	PlatformID() string
	Enqueue(ctx context.Context, task conn.Task) error
}

type Options struct {
	Identity Identity
	// MatchConcurrency bounds concurrent trigger evaluations; <= 0 is unbounded.
	MatchConcurrency int
	// ReplyOnError is sent back through the session when a handler fails.
	ReplyOnError string
	Pool         *worker.Pool
	Bus          *bus.MessageBus
	Metrics      *metric.Metrics
	Logger       *slog.Logger
}

type Dispatcher struct {
	services *service.Registry
	sessions *session.Table
	opts     Options
	log      *slog.Logger
}

func New(services *service.Registry, sessions *session.Table, opts Options) *Dispatcher {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		services: services,
		sessions: sessions,
		opts:     opts,
		log:      log.With("component", "dispatch"),
	}
}

// Match is one positive trigger evaluation.
type Match struct {
	Service  *service.Service
	Trigger  *trigger.Trigger
	Priority int
}

// Result describes what one Handle call did.
type Result struct {
	Event *event.Event
	// Signaled is true when the event answered a waiting session and no
	// triggers were evaluated.
	Signaled bool
	Matched  []Match
	Enqueued []Match
}

// Handle runs one dispatch cycle. Handlers run later on c's work queue;
// the returned error only reports admission failures.
func (d *Dispatcher) Handle(ctx context.Context, c Connection, env message.InboundEnvelope) (Result, error) {
	ev := d.opts.Identity.Normalize(c.ID(), env)
	res := Result{Event: ev}
	key := ev.SessionKey()

	if bot, ok := d.sessions.Waiting(key); ok && bot.Signal(ev) {
		res.Signaled = true
		d.log.Debug("Event answered waiting session", "session_key", key, "msg_id", ev.MsgID)
		d.publish(ctx, bus.Event{Type: bus.EventSignaled, ConnectionID: c.ID(), PlatformID: c.PlatformID(), SessionKey: key})
		return res, nil
	}

	res.Matched = d.Match(ctx, ev)
	d.opts.Metrics.Matched(len(res.Matched))
	if len(res.Matched) == 0 {
		return res, nil
	}

	for _, m := range res.Matched {
		bound := ev.Copy()
		m.Trigger.Apply(bound)

		bot := session.New(c, bound, session.Options{
			Pool:    d.opts.Pool,
			Metrics: d.opts.Metrics,
			Logger:  d.log,
		})
		d.sessions.Put(bot)

		if err := c.Enqueue(ctx, d.invocation(c, m, bot)); err != nil {
			if errors.Is(err, errs.ErrConnectionClosed) || ctx.Err() != nil {
				return res, err
			}
			d.log.Warn("Failed to enqueue handler", "service", m.Service.Name(), "trigger", m.Trigger.String(), "error", err)
			continue
		}

		res.Enqueued = append(res.Enqueued, m)
		d.publish(ctx, bus.Event{
			Type:         bus.EventDispatched,
			ConnectionID: c.ID(),
			PlatformID:   c.PlatformID(),
			SessionKey:   key,
			Service:      m.Service.Name(),
			Trigger:      m.Trigger.String(),
		})

		if m.Trigger.IsBlocking() {
			break
		}
	}

	return res, nil
}

type candidate struct {
	svc      *service.Service
	trig     *trigger.Trigger
	priority int
}

// Match evaluates every eligible service's triggers against ev concurrently
// and returns the positives ordered by service priority, then registration
// order.
func (d *Dispatcher) Match(ctx context.Context, ev *event.Event) []Match {
	var candidates []candidate
	for _, svc := range d.services.Services() {
		if !d.eligible(svc, ev) {
			continue
		}
		priority := svc.Priority()
		for _, trig := range svc.Triggers() {
			candidates = append(candidates, candidate{svc: svc, trig: trig, priority: priority})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	hits := make([]bool, len(candidates))
	var g errgroup.Group
	if d.opts.MatchConcurrency > 0 {
		g.SetLimit(d.opts.MatchConcurrency)
	}
	for i, cand := range candidates {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			hits[i] = d.evaluate(cand, ev)
			return nil
		})
	}
	_ = g.Wait()

	matches := make([]Match, 0, len(candidates))
	for i, cand := range candidates {
		if hits[i] {
			matches = append(matches, Match{Service: cand.svc, Trigger: cand.trig, Priority: cand.priority})
		}
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return matches
}

func (d *Dispatcher) eligible(svc *service.Service, ev *event.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Eligibility check panicked", "service", svc.Name(), "error", fmt.Sprint(r))
			ok = false
		}
	}()
	return svc.Eligible(ev, ev.UserPM)
}

func (d *Dispatcher) evaluate(cand candidate, ev *event.Event) (hit bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Trigger evaluation panicked", "service", cand.svc.Name(), "trigger", cand.trig.String(), "error", fmt.Sprint(r))
			hit = false
		}
	}()
	return cand.trig.Matches(ev)
}

// invocation binds one handler call. Failures stay inside the task.
func (d *Dispatcher) invocation(c Connection, m Match, bot *session.Bot) conn.Task {
	return func(ctx context.Context) {
		ev := bot.Event()
		log := d.log.With(
			"connection_id", c.ID(),
			"session_key", bot.Key(),
			"service", m.Service.Name(),
			"trigger", m.Trigger.String(),
			"msg_id", ev.MsgID,
			"user_id", ev.UserID,
			"group_id", ev.GroupID,
		)
		ctx = logger.WithContext(ctx, log)

		start := time.Now()
		err := runHandler(ctx, m.Trigger.Handler(), bot, ev)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			d.opts.Metrics.HandlerDone("ok")
			log.Debug("Handler finished", "duration", elapsed)
			d.publish(ctx, bus.Event{Type: bus.EventHandlerDone, ConnectionID: c.ID(), PlatformID: c.PlatformID(), SessionKey: bot.Key(), Service: m.Service.Name(), Trigger: m.Trigger.String()})
			return
		case errors.Is(err, errs.ErrNoResponse):
			d.opts.Metrics.HandlerDone("timeout")
			log.Info("Handler gave up waiting for a reply", "duration", elapsed)
		case errors.Is(err, errs.ErrHandlerPanic):
			d.opts.Metrics.HandlerDone("panic")
			log.Error("Handler panicked", "duration", elapsed, "error", err)
		default:
			d.opts.Metrics.HandlerDone("error")
			log.Error("Handler failed", "duration", elapsed, "error", err)
		}

		d.publish(ctx, bus.Event{
			Type:         bus.EventHandlerFailed,
			ConnectionID: c.ID(),
			PlatformID:   c.PlatformID(),
			SessionKey:   bot.Key(),
			Service:      m.Service.Name(),
			Trigger:      m.Trigger.String(),
			Error:        err.Error(),
		})

		if d.opts.ReplyOnError != "" && !errors.Is(err, errs.ErrNoResponse) {
			if sendErr := bot.Send(ctx, d.opts.ReplyOnError); sendErr != nil {
				log.Warn("Failed to send error reply", "error", sendErr)
			}
		}
	}
}

func runHandler(ctx context.Context, handler trigger.Handler, bot *session.Bot, ev *event.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errs.NewError(errs.CategoryHandlerPanic, fmt.Sprintf("%v\n%s", r, debug.Stack()))
		}
	}()
	return handler(ctx, bot, ev)
}

func (d *Dispatcher) publish(ctx context.Context, ev bus.Event) {
	if d.opts.Bus == nil {
		return
	}
	d.opts.Bus.PublishEvent(ctx, ev)
}
