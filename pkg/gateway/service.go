package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"botcore/pkg/bus"
	"botcore/pkg/channel"
	"botcore/pkg/config"
	"botcore/pkg/conn"
	"botcore/pkg/dispatch"
	"botcore/pkg/errs"
	"botcore/pkg/message"
	"botcore/pkg/metric"
	"botcore/pkg/render"
	"botcore/pkg/service"
	"botcore/pkg/session"
	"botcore/pkg/transport"
	"botcore/pkg/worker"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultHost = "127.0.0.1"
	defaultPort = 8080

	platformQueryKey  = "bot_id"
	platformHeaderKey = "X-Bot-Id"

	sendBodyLimit = 1 << 20
)

// Service wires the gateway: the WebSocket endpoint and health checks, the
// connection registry, dispatch workers draining the inbound bus, the
// outbound router and in-process channel adapters.
type Service struct {
	cfg        *config.Config
	log        *slog.Logger
	bus        *bus.MessageBus
	codec      *message.Codec
	registry   *Registry
	dispatcher *dispatch.Dispatcher
	services   *service.Registry
	metrics    *metric.Metrics
	gatherer   prometheus.Gatherer
	channels   []channel.Adapter
	upgrader   websocket.Upgrader

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Connections   []string                `json:"connections"`
	Services      int                     `json:"services"`
	Channels      map[string]channelState `json:"channels"`
}

// NewService builds a gateway around services. Plugins may keep
// registering on services until Run is called.
func NewService(cfg *config.Config, services *service.Registry, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if services == nil {
		return nil, errors.New("service registry is required")
	}
	if log == nil {
		log = slog.Default()
	}

	format, err := message.ParseFormat(cfg.Gateway.Codec)
	if err != nil {
		return nil, err
	}
	codec, err := message.NewCodec(format)
	if err != nil {
		return nil, err
	}

	overflow, err := conn.ParseOverflowPolicy(cfg.Connection.Overflow)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := metric.New(promRegistry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	mb := bus.NewMessageBus(cfg.Gateway.InboundBuffer)

	var renderer conn.Renderer
	if cfg.Output.TextToImageThreshold > 0 {
		renderer = render.NewTextImage(cfg.Output.TextToImageColumns)
	}

	registry := NewRegistry(conn.Options{
		QueueSize: cfg.Connection.QueueSize,
		Overflow:  overflow,
		Cooldown:  time.Duration(cfg.Connection.CooldownMS) * time.Millisecond,
		Output: conn.OutputPolicy{
			AtSender:             cfg.Output.AtSender,
			ForceReply:           cfg.Output.ForceReply,
			TextToImageThreshold: cfg.Output.TextToImageThreshold,
		},
		Renderer: renderer,
		Codec:    codec,
		Metrics:  metrics,
	}, mb, log)

	sessions := session.NewTable(cfg.Session.MaxEntries, time.Duration(cfg.Session.TTLSeconds)*time.Second)
	dispatcher := dispatch.New(services, sessions, dispatch.Options{
		Identity: dispatch.Identity{
			Masters:      cfg.Dispatch.Masters,
			Superusers:   cfg.Dispatch.Superusers,
			CommandStart: cfg.Dispatch.CommandStart,
		},
		MatchConcurrency: cfg.Dispatch.MatchConcurrency,
		ReplyOnError:     cfg.Dispatch.ReplyOnError,
		Pool:             worker.NewPool(cfg.Worker.Size),
		Bus:              mb,
		Metrics:          metrics,
		Logger:           log,
	})

	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		bus:           mb,
		codec:         codec,
		registry:      registry,
		dispatcher:    dispatcher,
		services:      services,
		metrics:       metrics,
		gatherer:      promRegistry,
		channels:      adapters,
		channelStates: channelStates,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Service) Bus() *bus.MessageBus { return s.bus }

func (s *Service) Registry() *Registry { return s.registry }

// ErrNotConnected is returned by Publish when no live connection serves the
// requested platform.
var ErrNotConnected = errors.New("platform is not connected")

// Publish queues a proactive send to whichever connection serves platformID.
// The outbound router delivers it; a connection replaced in between gets the
// envelope on its successor.
func (s *Service) Publish(ctx context.Context, platformID string, env message.OutboundEnvelope) error {
	platformID = strings.TrimSpace(platformID)
	if _, ok := s.registry.Lookup(platformID); !ok {
		return fmt.Errorf("%w: %q", ErrNotConnected, platformID)
	}
	if env.BotID == "" {
		env.BotID = platformID
	}
	if !s.bus.PublishOutbound(ctx, bus.OutboundMessage{PlatformID: platformID, Envelope: env}) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errs.NewError(errs.CategoryConnectionClosed, "gateway is shutting down")
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	workers := max(s.cfg.Dispatch.Workers, 1)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatchLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.outboundLoop(ctx)
	}()

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		if err := s.attach(ctx, adapter, errCh); err != nil {
			s.shutdown(&wg)
			return err
		}
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-serverErrors:
	case err = <-errCh:
	}

	s.shutdown(&wg)
	return err
}

func (s *Service) shutdown(wg *sync.WaitGroup) {
	s.registry.CloseAll()
	s.bus.Close()
	wg.Wait()
}

// attach connects adapter through an in-process pipe so its traffic takes
// the same path as a remote connection.
func (s *Service) attach(ctx context.Context, adapter channel.Adapter, errCh chan<- error) error {
	local, remote := transport.NewPipe()
	actor, err := s.registry.Connect(ctx, local, adapter.PlatformID())
	if err != nil {
		return fmt.Errorf("connect %s channel: %w", adapter.Name(), err)
	}

	go func() {
		if err := s.registry.Serve(ctx, actor); err != nil {
			s.log.Error("Channel connection failed", "channel", adapter.Name(), "error", err)
		}
	}()

	s.setChannelState(adapter.Name(), channelState{Running: true})
	go func() {
		link := channel.NewLink(remote, s.codec)
		err := adapter.Run(ctx, link)
		_ = link.Close()
		s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
		if err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
		}
	}()
	return nil
}

func (s *Service) dispatchLoop(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if _, err := s.dispatcher.Handle(ctx, msg.Actor, msg.Envelope); err != nil {
			s.log.Debug("Dispatch stopped early", "connection_id", msg.Actor.ID(), "error", err)
		}
	}
}

func (s *Service) outboundLoop(ctx context.Context) {
	for {
		msg, ok := s.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		actor, found := s.registry.Lookup(msg.PlatformID)
		if !found {
			s.log.Warn("No connection for outbound message", "platform_id", msg.PlatformID)
			continue
		}
		if err := actor.Send(ctx, msg.Envelope, conn.SendHint{}); err != nil {
			s.log.Warn("Outbound message failed", "platform_id", msg.PlatformID, "error", err)
		}
	}
}

// Handler returns the gateway's HTTP routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/send", s.handleSend)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultPort
	}

	addr := host + ":" + strconv.Itoa(port)
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start gateway server: %w", err)
	}
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	platformID := strings.TrimSpace(r.URL.Query().Get(platformQueryKey))
	if platformID == "" {
		platformID = strings.TrimSpace(r.Header.Get(platformHeaderKey))
	}
	if platformID == "" {
		http.Error(w, "bot_id is required", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "platform_id", platformID, "error", err)
		return
	}

	actor, err := s.registry.Connect(r.Context(), transport.NewWebSocket(ws, s.cfg.Gateway.MaxMessageBytes), platformID)
	if err != nil {
		s.log.Error("Failed to register connection", "platform_id", platformID, "error", err)
		_ = ws.Close()
		return
	}

	if err := s.registry.Serve(r.Context(), actor); err != nil {
		s.log.Info("Connection ended", "platform_id", platformID, "connection_id", actor.ID(), "error", err)
	}
}

// handleSend accepts an operator's proactive message and queues it for the
// connection serving the requested platform.
func (s *Service) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req SendRequest
	body := http.MaxBytesReader(w, r.Body, sendBodyLimit)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		http.Error(w, "invalid send request: "+err.Error(), http.StatusBadRequest)
		return
	}
	env, err := req.Envelope()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.Publish(r.Context(), env.BotID, env)
	switch {
	case errors.Is(err, ErrNotConnected):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	s.log.Info("Proactive message queued", "platform_id", env.BotID, "target_type", env.TargetType, "target_id", env.TargetID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "queued"})
}

func (s *Service) authorized(r *http.Request) bool {
	token := s.cfg.Gateway.AccessToken
	if token == "" {
		return true
	}
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		presented = r.URL.Query().Get("access_token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	payload := s.currentStatus(status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	connections := make([]string, 0)
	for _, actor := range s.registry.ListActive() {
		connections = append(connections, actor.PlatformID())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Connections:   connections,
		Services:      len(s.services.Services()),
		Channels:      channels,
	}
}

// isReady reports whether at least one connection can receive replies.
func (s *Service) isReady() bool {
	return s.registry.Len() > 0
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
