package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"replybot/pkg/bus"
	"replybot/pkg/channel"
	"replybot/pkg/pipeline"
)

const (
	defaultHost           = "0.0.0.0"
	defaultPort           = 18790
	defaultWebhookPath    = "/webhook"
	defaultWorkers        = 4
	defaultHealthInterval = 30 * time.Second

	webhookChannelName = "webhook"
)

// HealthChecker is the slice of provider.Client the gateway probes for readiness.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Processor runs one inbound event. *pipeline.Orchestrator satisfies it.
type Processor interface {
	Process(ctx context.Context, event bus.InboundEvent) pipeline.Outcome
}

type Options struct {
	Host               string
	Port               int
	WebhookPath        string
	WebhookSecret      string
	RateLimitPerMinute int
	Workers            int
	HealthInterval     time.Duration
	// DisableWebhook leaves only the health endpoints on the HTTP server.
	DisableWebhook bool
}

type Deps struct {
	Bus       *bus.MessageBus
	Processor Processor
	// Provider is optional; without one the gateway answers with fallback replies
	// and readiness ignores generation health.
	Provider HealthChecker
	Adapters []channel.Adapter
}

type Service struct {
	opts      Options
	bus       *bus.MessageBus
	processor Processor
	provider  HealthChecker
	channels  []channel.Adapter
	webhook   *webhookHandler
	pool      *workerPool
	log       *slog.Logger

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	QueueDepth       int                     `json:"queue_depth"`
	Outcomes         map[string]uint64       `json:"outcomes"`
	Channels         map[string]channelState `json:"channels"`
}

func NewService(opts Options, deps Deps, log *slog.Logger) (*Service, error) {
	if deps.Bus == nil {
		return nil, errors.New("message bus is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("processor is required")
	}
	if len(deps.Adapters) == 0 && opts.DisableWebhook {
		return nil, errors.New("at least one inbound transport is required")
	}
	if log == nil {
		log = slog.Default()
	}

	opts = withDefaults(opts)

	s := &Service{
		opts:          opts,
		bus:           deps.Bus,
		processor:     deps.Processor,
		provider:      deps.Provider,
		channels:      deps.Adapters,
		log:           log.With("component", "gateway.service"),
		channelStates: make(map[string]channelState, len(deps.Adapters)+1),
	}
	for _, adapter := range deps.Adapters {
		s.channelStates[adapter.Name()] = channelState{}
	}
	if !opts.DisableWebhook {
		s.channelStates[webhookChannelName] = channelState{}
		s.webhook = newWebhookHandler(deps.Bus, opts.WebhookSecret, opts.RateLimitPerMinute, log)
	}
	s.pool = newWorkerPool(deps.Bus, deps.Processor, opts.Workers, log)

	return s, nil
}

func withDefaults(opts Options) Options {
	if strings.TrimSpace(opts.Host) == "" {
		opts.Host = defaultHost
	}
	if opts.Port <= 0 {
		opts.Port = defaultPort
	}
	if strings.TrimSpace(opts.WebhookPath) == "" {
		opts.WebhookPath = defaultWebhookPath
	}
	if !strings.HasPrefix(opts.WebhookPath, "/") {
		opts.WebhookPath = "/" + opts.WebhookPath
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = defaultHealthInterval
	}
	return opts
}

// Run serves until ctx is cancelled or a transport fails. In-flight events
// finish before Run returns.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		s.log.Warn("Provider unhealthy at startup, replies will use fallback text", "error", err)
	}

	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		s.pool.Run(ctx)
	}()

	serverErrors := make(chan error, 1)
	go s.runHTTPServer(ctx, serverErrors)

	if s.provider != nil {
		go s.watchProviderHealth(ctx)
	}

	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		go func() {
			err := adapter.Run(ctx, s.enqueue)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErrors:
	case runErr = <-errCh:
	}

	cancel()
	workers.Wait()

	if pending := s.bus.Pending(); pending > 0 {
		s.log.Warn("Dropping queued events on shutdown", "pending", pending)
	}
	return runErr
}

// enqueue is the handler given to channel adapters. It blocks while the
// queue is full so polling transports apply backpressure.
func (s *Service) enqueue(ctx context.Context, event bus.InboundEvent) error {
	if !s.bus.PublishInbound(ctx, event) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("inbound queue closed")
	}
	return nil
}

func (s *Service) runHTTPServer(ctx context.Context, errCh chan<- error) {
	addr := s.opts.Host + ":" + strconv.Itoa(s.opts.Port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if s.webhook != nil {
		s.setChannelState(webhookChannelName, channelState{Running: true})
	}
	s.log.Info("Gateway HTTP server started", "address", addr, "webhook_path", s.webhookPath())

	err := server.ListenAndServe()
	if s.webhook != nil {
		s.setChannelState(webhookChannelName, channelState{Running: false, Error: errorString(ignoreClosed(err))})
	}
	if err := ignoreClosed(err); err != nil {
		errCh <- fmt.Errorf("start http server: %w", err)
	}
}

func (s *Service) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	if s.webhook != nil {
		mux.Handle(s.opts.WebhookPath, s.webhook)
	}
	return mux
}

func (s *Service) webhookPath() string {
	if s.webhook == nil {
		return ""
	}
	return s.opts.WebhookPath
}

func (s *Service) watchProviderHealth(ctx context.Context) {
	ticker := time.NewTicker(s.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.checkProviderHealth(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("Provider health check failed", "error", err)
			}
		}
	}
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

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		QueueDepth:       s.bus.Pending(),
		Outcomes:         s.pool.Outcomes(),
		Channels:         channels,
	}
}

// isReady requires a running inbound transport and, when a provider is
// configured, a passing health check.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}
	if !anyRunning {
		return false
	}

	if s.provider == nil {
		return true
	}
	return !s.providerLastOKAt.IsZero() && s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if s.provider == nil {
		return nil
	}

	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
