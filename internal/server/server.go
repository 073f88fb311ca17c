// ABOUTME: Relay server that wires storage, gateway client, provisioning and auto-replies
// ABOUTME: Owns the HTTP listener (plain TCP or tailnet) and its graceful shutdown

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/autoreply"
	"github.com/2389/coven-relay/internal/completion"
	"github.com/2389/coven-relay/internal/compose"
	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/events"
	"github.com/2389/coven-relay/internal/gate"
	"github.com/2389/coven-relay/internal/gatewayclient"
	"github.com/2389/coven-relay/internal/provision"
	"github.com/2389/coven-relay/internal/reconcile"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/webhook"
)

// Deps are the external collaborators of the server. New builds them from
// config; tests supply fakes through NewWithDeps.
type Deps struct {
	Store      store.Store
	Gateway    gatewayclient.Client
	Completion completion.Provider
	Matcher    gate.Matcher // defaults to a provider-backed matcher
	Publisher  events.Publisher
	Verifier   auth.TokenVerifier
	Now        func() time.Time
}

// Server is the relay process.
type Server struct {
	config      *config.Config
	store       store.Store
	publisher   events.Publisher
	provisioner *provision.Orchestrator
	reconciler  *reconcile.Reconciler
	gate        *gate.Gate
	router      *webhook.Router
	seen        *dedupe.Cache
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// New builds a server and its dependencies from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("auth.jwt_secret: %w", err)
	}

	gw, err := gatewayclient.NewHTTPClient(gatewayclient.Config{
		ManagerURL:     cfg.Gateway.ManagerURL,
		GateURL:        cfg.Gateway.GateURL,
		PartnerToken:   cfg.Gateway.PartnerToken,
		RequestTimeout: cfg.Gateway.RequestTimeout,
		PollInterval:   cfg.Gateway.PollInterval,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	provider, err := completion.New(completion.Config{
		Provider:  cfg.Completion.Provider,
		APIKey:    cfg.Completion.APIKey,
		BaseURL:   cfg.Completion.BaseURL,
		Model:     cfg.Completion.Model,
		MaxTokens: cfg.Completion.MaxTokens,
	})
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.AMQPURL != "" {
		p, err := events.NewAMQPPublisher(cfg.Events.AMQPURL, cfg.Events.Exchange, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting event publisher: %w", err)
		}
		publisher = p
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		_ = publisher.Close()
		return nil, fmt.Errorf("opening store: %w", err)
	}

	return NewWithDeps(cfg, Deps{
		Store:      s,
		Gateway:    gw,
		Completion: provider,
		Publisher:  publisher,
		Verifier:   verifier,
	}, logger), nil
}

// NewWithDeps builds a server around the given collaborators.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Matcher == nil {
		deps.Matcher = completion.NewScenarioMatcher(deps.Completion)
	}

	srv := &Server{
		config:    cfg,
		store:     deps.Store,
		publisher: deps.Publisher,
		seen:      dedupe.New(cfg.Webhook.DedupeTTL, cfg.Webhook.DedupeSize),
		logger:    logger.With("component", "server"),
	}

	srv.provisioner = provision.New(deps.Store, deps.Gateway, deps.Publisher, provision.Config{
		Timeout:      cfg.Gateway.ProvisionTimeout,
		ValidityDays: cfg.Gateway.ChannelValidityDays,
	}, logger)
	srv.reconciler = reconcile.New(deps.Store, deps.Gateway, deps.Publisher, cfg.WebhookURL(), logger)
	srv.gate = gate.New(deps.Store, deps.Matcher, deps.Now, logger)

	composer := compose.NewComposer(deps.Completion, deps.Gateway, deps.Store, compose.Options{
		HistoryLimit: cfg.Completion.HistoryLimit,
		MaxTokens:    cfg.Completion.MaxTokens,
		Now:          deps.Now,
		Logger:       logger,
	})
	replies := autoreply.New(deps.Store, deps.Store, srv.gate, composer, deps.Publisher, deps.Now, logger)
	srv.router = webhook.NewRouter(deps.Store, srv.seen, replies, deps.Publisher, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", srv.handleHealth)
	mux.HandleFunc("GET /health/ready", srv.handleReady)
	mux.Handle(cfg.Webhook.Path, webhook.NewHandler(srv.router, cfg.Webhook.MaxBodyBytes, logger))
	srv.registerAPI(mux, auth.HTTPAuthMiddleware(deps.Verifier, logger))

	srv.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "webhook_path", s.config.Webhook.Path)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The run context is already canceled, so shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) setupListener(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.setupTailscaleListener(ctx)
	}
	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-relay", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, or on a public
// Funnel :443 so the gateway can reach the webhook.
func (s *Server) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}

	var ln net.Listener
	if tsCfg.Funnel {
		s.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = s.tsnetServer.ListenFunnel("tcp", ":443")
		if err == nil {
			s.useFunnelWebhookURL(status)
		}
	} else {
		ln, err = s.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// useFunnelWebhookURL points webhook registration at the Funnel address when
// no public URL was configured.
func (s *Server) useFunnelWebhookURL(status *ipnstate.Status) {
	if s.config.Server.PublicURL != "" || status.Self == nil || status.Self.DNSName == "" {
		return
	}
	url := "https://" + strings.TrimSuffix(status.Self.DNSName, ".") + s.config.Webhook.Path
	s.reconciler.SetWebhookURL(url)
	s.logger.Info("registering webhooks at tailscale funnel address", "url", url)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, drains webhook queues, stops running
// provisioning attempts and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down relay")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "webhook drain", s.router.Shutdown(ctx))
	errs = appendCloseError(errs, "provisioning shutdown", s.provisioner.Shutdown(ctx))
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "event publisher close", s.publisher.Close())
	errs = appendCloseError(errs, "store close", s.store.Close())
	s.seen.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when the store is reachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
