package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"botcore/pkg/bus"
	"botcore/pkg/conn"
	"botcore/pkg/errs"
	"botcore/pkg/transport"
)

// Registry owns the live connection actors, one per platform id. A second
// connection for the same platform replaces the first.
type Registry struct {
	template conn.Options
	bus      *bus.MessageBus
	log      *slog.Logger

	mu     sync.RWMutex
	actors map[string]*conn.Actor
}

// NewRegistry builds a registry. template supplies the per-actor options;
// ID and PlatformID are filled on Connect.
func NewRegistry(template conn.Options, mb *bus.MessageBus, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	template.Logger = log
	return &Registry{
		template: template,
		bus:      mb,
		log:      log.With("component", "gateway.registry"),
		actors:   make(map[string]*conn.Actor),
	}
}

// Connect wraps t in a started actor and registers it under platformID.
func (r *Registry) Connect(ctx context.Context, t transport.Transport, platformID string) (*conn.Actor, error) {
	if platformID == "" {
		return nil, errors.New("platform id is required")
	}

	opts := r.template
	opts.ID = ""
	opts.PlatformID = platformID
	actor, err := conn.New(t, opts)
	if err != nil {
		return nil, fmt.Errorf("create connection actor: %w", err)
	}
	actor.Start(ctx)

	r.mu.Lock()
	previous := r.actors[platformID]
	r.actors[platformID] = actor
	r.mu.Unlock()

	if previous != nil {
		r.log.Warn("Replacing existing connection", "platform_id", platformID, "connection_id", previous.ID())
		r.closeActor(ctx, previous)
	}

	r.template.Metrics.ConnectionOpened()
	r.log.Info("Connection registered", "platform_id", platformID, "connection_id", actor.ID())
	r.publish(ctx, bus.Event{Type: bus.EventConnected, ConnectionID: actor.ID(), PlatformID: platformID})
	return actor, nil
}

// Disconnect closes and forgets the actor for platformID. It reports whether
// one was registered.
func (r *Registry) Disconnect(platformID string) bool {
	r.mu.Lock()
	actor, ok := r.actors[platformID]
	if ok {
		delete(r.actors, platformID)
	}
	r.mu.Unlock()

	if ok {
		r.closeActor(context.Background(), actor)
	}
	return ok
}

// release drops actor only if it is still the registered one for its platform.
func (r *Registry) release(ctx context.Context, actor *conn.Actor) {
	r.mu.Lock()
	if current, ok := r.actors[actor.PlatformID()]; ok && current == actor {
		delete(r.actors, actor.PlatformID())
	}
	r.mu.Unlock()

	r.closeActor(ctx, actor)
}

func (r *Registry) closeActor(ctx context.Context, actor *conn.Actor) {
	if actor.Closed() {
		return
	}
	if err := actor.Close(); err != nil {
		r.log.Debug("Transport close failed", "connection_id", actor.ID(), "error", err)
	}
	r.template.Metrics.ConnectionClosed()
	r.log.Info("Connection closed", "platform_id", actor.PlatformID(), "connection_id", actor.ID())
	r.publish(ctx, bus.Event{Type: bus.EventDisconnected, ConnectionID: actor.ID(), PlatformID: actor.PlatformID()})
}

// Lookup returns the live actor for platformID.
func (r *Registry) Lookup(platformID string) (*conn.Actor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	actor, ok := r.actors[platformID]
	return actor, ok
}

// ListActive returns the live actors ordered by platform id.
func (r *Registry) ListActive() []*conn.Actor {
	r.mu.RLock()
	actors := make([]*conn.Actor, 0, len(r.actors))
	for _, actor := range r.actors {
		actors = append(actors, actor)
	}
	r.mu.RUnlock()

	slices.SortFunc(actors, func(a, b *conn.Actor) int {
		switch {
		case a.PlatformID() < b.PlatformID():
			return -1
		case a.PlatformID() > b.PlatformID():
			return 1
		default:
			return 0
		}
	})
	return actors
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.actors)
}

// Serve runs the read loop of actor until its transport fails or ctx ends,
// publishing every decoded envelope on the inbound bus. Malformed envelopes
// are dropped. The actor is released on return.
func (r *Registry) Serve(ctx context.Context, actor *conn.Actor) error {
	defer r.release(ctx, actor)

	log := actor.Logger()
	for {
		env, err := actor.Receive(ctx)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrMalformedEnvelope):
			log.Warn("Dropping malformed envelope", "error", err)
			r.publish(ctx, bus.Event{
				Type:         bus.EventMalformed,
				ConnectionID: actor.ID(),
				PlatformID:   actor.PlatformID(),
				Error:        err.Error(),
			})
			continue
		case ctx.Err() != nil, errors.Is(err, transport.ErrClosed):
			return nil
		default:
			return fmt.Errorf("receive from %s: %w", actor.PlatformID(), err)
		}

		if env.BotID == "" {
			env.BotID = actor.PlatformID()
		}
		if !r.bus.PublishInbound(ctx, bus.InboundMessage{Actor: actor, Envelope: env, ReceivedAt: time.Now()}) {
			return nil
		}
	}
}

// CloseAll disconnects every actor.
func (r *Registry) CloseAll() {
	for _, actor := range r.ListActive() {
		r.Disconnect(actor.PlatformID())
	}
}

func (r *Registry) publish(ctx context.Context, ev bus.Event) {
	if r.bus == nil {
		return
	}
	r.bus.PublishEvent(ctx, ev)
}
