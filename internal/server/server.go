// Package server assembles the gateway: the public listener serving signed
// image URLs, the admin listener with health, metrics and cache
// administration, and the optional gRPC health service.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/EricTsai83/optstuff-sub000/internal/admin"
	"github.com/EricTsai83/optstuff-sub000/internal/apierror"
	"github.com/EricTsai83/optstuff-sub000/internal/config"
	"github.com/EricTsai83/optstuff-sub000/internal/configcache"
	"github.com/EricTsai83/optstuff-sub000/internal/gateway"
	"github.com/EricTsai83/optstuff-sub000/internal/middleware"
	"github.com/EricTsai83/optstuff-sub000/internal/observability"
	"github.com/EricTsai83/optstuff-sub000/internal/ratelimit"
	iredis "github.com/EricTsai83/optstuff-sub000/internal/redis"
	"github.com/EricTsai83/optstuff-sub000/internal/store"
	"github.com/EricTsai83/optstuff-sub000/internal/telemetry"
	"github.com/EricTsai83/optstuff-sub000/internal/transform"
	"github.com/EricTsai83/optstuff-sub000/internal/upstream"
)

// Deps are the external connections the gateway runs on.
type Deps struct {
	Redis iredis.Client
	DB    store.DB
	// Engine replaces the HTTP engine client when set.
	Engine transform.Engine
	// Close releases the connections on shutdown.
	Close func()
}

// Server is the optstuff gateway process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	mainServer  *http.Server
	http3Server *http3.Server // nil when HTTP/3 is disabled.
	adminServer *http.Server
	grpcServer  *grpc.Server // nil when admin.grpc_address is empty.
	grpcHealth  *grpchealth.Server

	chain      *middleware.Chain
	validator  *gateway.Validator
	pathPrefix string // fixed for the process lifetime
	guard      *ratelimit.Guard
	recorder   *telemetry.Recorder
	emitter    *telemetry.Emitter // nil when telemetry.sink is none.
	admin      *admin.Handler

	health          *observability.HealthChecker
	metrics         *observability.Metrics
	tracingShutdown func(context.Context) error
	certs           *certHolder // non-nil when TLS is enabled; supports hot-reload.
	closeDeps       func()
}

// New connects to Redis and PostgreSQL and builds the server.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Server, error) {
	iredis.InitLogger(logger)
	iredis.WarnInsecureRedis(cfg.Redis.TLS, logger)

	rc, err := iredis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	pool, err := store.Open(ctx, cfg.Database)
	if err != nil {
		_ = rc.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	closeDeps := func() {
		pool.Close()
		_ = rc.Close()
	}
	srv, err := NewWithDeps(cfg, Deps{Redis: rc, DB: pool, Close: closeDeps}, logger, version)
	if err != nil {
		closeDeps()
		return nil, err
	}
	return srv, nil
}

// NewWithDeps builds the server on already-open connections.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger, version string) (*Server, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())

	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthChecker()

	st := store.New(deps.DB)
	box, err := store.NewSecretBox(cfg.Database.SecretEncryptionKey.Value())
	if err != nil {
		return nil, err
	}

	cache := buildConfigCache(cfg, deps.Redis, st, box, metrics, logger)
	guard := buildGuard(cfg, deps.Redis, metrics, logger)

	policy := sourcePolicy(cfg)
	client := upstream.NewHTTPClient(cfg.Upstream, policy)
	probeTimeout := config.MustParseDuration(cfg.Upstream.ProbeTimeout, 3*time.Second)
	prober := upstream.NewProber(client, probeTimeout, cfg.Upstream.UserAgent)

	engine := deps.Engine
	if engine == nil {
		engine = transform.NewHTTPEngine(cfg.Engine)
	}

	recorder, emitter := buildTelemetry(cfg, st, client, metrics, logger)

	validator := gateway.NewValidator(cache, guard, gatewaySettings(cfg), nil)
	handler := gateway.NewHandler(validator, transform.NewDispatcher(engine), prober, recorder, metrics, logger)

	requestTimeout := config.MustParseDuration(cfg.Server.RequestTimeout, 60*time.Second)
	chain := middleware.NewChain(routeGateway(validator.Settings().PathPrefix, handler), metrics, logger,
		middleware.WithRequestTimeout(requestTimeout),
		middleware.WithAccessLog(cfg.Logging.AccessLogEnabled()),
	)

	health.SetPinger("redis", observability.PingerFunc(func(ctx context.Context) error {
		return deps.Redis.Ping(ctx).Err()
	}))
	health.SetPinger("postgres", observability.PingerFunc(st.Ping))

	adminHandler := admin.NewHandler(cache, cfg.Admin.Token.Value(), logger)

	mainServer, h3srv := buildMainServer(cfg, chain, logger)
	adminServer := buildAdminServer(cfg, health, reg, adminHandler)

	s := &Server{
		cfg:         cfg,
		logger:      logger,
		version:     version,
		mainServer:  mainServer,
		http3Server: h3srv,
		adminServer: adminServer,
		chain:       chain,
		validator:   validator,
		pathPrefix:  validator.Settings().PathPrefix,
		guard:       guard,
		recorder:    recorder,
		emitter:     emitter,
		admin:       adminHandler,
		health:      health,
		metrics:     metrics,
		closeDeps:   deps.Close,
	}
	if cfg.Admin.GRPCAddress != "" {
		s.grpcServer, s.grpcHealth = buildGRPCHealth()
	}
	return s, nil
}

func buildConfigCache(cfg *config.Config, rc iredis.Client, st *store.Store, box *store.SecretBox, metrics *observability.Metrics, logger *slog.Logger) *configcache.Cache {
	positive := config.MustParseDuration(cfg.Cache.PositiveTTL, 60*time.Second)
	negative := config.MustParseDuration(cfg.Cache.NegativeTTL, 10*time.Second)

	cache := configcache.New(rc, st,
		configcache.WithKeyPrefix(cfg.Cache.KeyPrefix),
		configcache.WithTTLs(positive, negative),
		configcache.WithCoalescing(cfg.Cache.CoalesceMisses),
		configcache.WithSecretBox(box),
		configcache.WithLogger(logger),
	)
	cache.OnHit = func(kind string) { metrics.ObserveCache(kind, observability.CacheHit) }
	cache.OnNegativeHit = func(kind string) { metrics.ObserveCache(kind, observability.CacheNegativeHit) }
	cache.OnMiss = func(kind string) { metrics.ObserveCache(kind, observability.CacheMiss) }
	cache.OnRedisError = func(kind string) {
		metrics.ObserveCache(kind, observability.CacheError)
		metrics.IncRedisErrors("configcache")
	}
	return cache
}

func buildGuard(cfg *config.Config, rc iredis.Client, metrics *observability.Metrics, logger *slog.Logger) *ratelimit.Guard {
	limiter := ratelimit.NewLimiter(rc, cfg.RateLimit.KeyPrefix, logger)
	fallback := ratelimit.NewInMemoryLimiter(cfg.RateLimit.FallbackMaxKeys, nil)
	guard := ratelimit.NewGuard(limiter, fallback, cfg.RateLimit.FailurePolicy, logger)
	guard.OnRedisError = func() { metrics.IncRedisErrors("ratelimit") }
	guard.OnFallback = metrics.IncFallbackUsed
	return guard
}

func buildTelemetry(cfg *config.Config, st *store.Store, client *http.Client, metrics *observability.Metrics, logger *slog.Logger) (*telemetry.Recorder, *telemetry.Emitter) {
	tc := cfg.Telemetry
	tasks := telemetry.NewTasks(tc.MaxInFlight, config.MustParseDuration(tc.TaskTimeout, 10*time.Second), logger)
	tasks.OnDrop = metrics.IncTelemetryDropped
	tasks.OnFail = metrics.IncTelemetryFailed

	if !tc.Enabled {
		return telemetry.NewRecorder(tasks), nil
	}

	opts := []telemetry.RecorderOption{telemetry.WithToucher(st)}

	var emitter *telemetry.Emitter
	var sink telemetry.Sink
	switch tc.Sink {
	case config.LogSinkPostgres:
		sink = telemetry.StoreSink{Store: st}
	case config.LogSinkHTTP:
		sink = telemetry.NewHTTPSink(tc.HTTP.URL)
	}
	if sink != nil {
		emitter = telemetry.NewEmitter(sink, telemetry.EmitterOptions{
			BatchSize:     tc.BatchSize,
			BufferSize:    tc.BufferSize,
			FlushInterval: config.MustParseDuration(tc.FlushInterval, 5*time.Second),
			OnDropped:     metrics.IncLogsDropped,
			OnWritten:     metrics.AddLogsWritten,
		}, logger)
		logger.Debug("request log emitter started", "emitter", emitter.String())
		opts = append(opts, telemetry.WithEmitter(emitter))
	}

	sampleTimeout := config.MustParseDuration(tc.SampleTimeout, 3*time.Second)
	sampler := telemetry.NewSampler(
		upstream.NewProber(client, sampleTimeout, cfg.Upstream.UserAgent),
		tc.OriginalSizeSampleRate, tc.MaxSampleRPS,
	)
	opts = append(opts, telemetry.WithSampler(sampler))

	recorder := telemetry.NewRecorder(tasks, opts...)
	recorder.OnSampled = metrics.IncSizeSampled
	return recorder, emitter
}

func sourcePolicy(cfg *config.Config) upstream.Policy {
	return upstream.Policy{
		AllowedSchemes:      cfg.Gateway.SourceURLPolicy.AllowedSchemes,
		DenyPrivateNetworks: cfg.Gateway.SourceURLPolicy.DenyPrivateNetworksEnabled(),
	}
}

func gatewaySettings(cfg *config.Config) gateway.Settings {
	return gateway.Settings{
		PathPrefix:          cfg.Gateway.PathPrefix,
		AllowMissingReferer: cfg.Gateway.AllowMissingReferer,
		DefaultSourceScheme: cfg.Gateway.DefaultSourceScheme,
		SourcePolicy:        sourcePolicy(cfg),
	}
}

// routeGateway dispatches on the path prefix without http.ServeMux, whose
// path cleaning would collapse the "//" of embedded source URLs.
func routeGateway(prefix string, gw http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, prefix) {
			apierror.Write(w, r, apierror.NotFound("route", "not found"))
			return
		}
		gw.ServeHTTP(w, r)
	})
}

func buildMainServer(cfg *config.Config, handler http.Handler, logger *slog.Logger) (*http.Server, *http3.Server) {
	readTimeout, _ := config.ParseDuration(cfg.Server.ReadTimeout, 30*time.Second)
	writeTimeout, _ := config.ParseDuration(cfg.Server.WriteTimeout, 60*time.Second)
	idleTimeout, _ := config.ParseDuration(cfg.Server.IdleTimeout, 120*time.Second)

	h2s := &http2.Server{}
	mainHandler := h2c.NewHandler(handler, h2s)

	var h3srv *http3.Server
	if cfg.Server.TLS.HTTP3Enabled {
		h3srv = &http3.Server{
			Addr:           cfg.Server.Address,
			Handler:        handler,
			MaxHeaderBytes: 1 << 20,
			IdleTimeout:    idleTimeout,
			QUICConfig: &quic.Config{
				MaxIdleTimeout: idleTimeout,
				Allow0RTT:      false, // 0-RTT requests are replayable.
			},
		}

		tcpHandler := mainHandler
		mainHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ProtoMajor < 3 {
				if setErr := h3srv.SetQUICHeaders(w.Header()); setErr != nil {
					logger.Debug("failed to set Alt-Svc header", "error", setErr)
				}
			}
			tcpHandler.ServeHTTP(w, r)
		})
	}

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           mainHandler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext: func(_ net.Listener) context.Context {
			return context.Background()
		},
	}

	return srv, h3srv
}

func buildAdminServer(cfg *config.Config, health *observability.HealthChecker, reg *prometheus.Registry, cacheAdmin *admin.Handler) *http.Server {
	adminReadTimeout, _ := config.ParseDuration(cfg.Admin.ReadTimeout, 5*time.Second)
	adminWriteTimeout, _ := config.ParseDuration(cfg.Admin.WriteTimeout, 10*time.Second)
	adminIdleTimeout, _ := config.ParseDuration(cfg.Admin.IdleTimeout, 30*time.Second)

	adminMux := http.NewServeMux()
	adminMux.Handle("/startz", health.StartzHandler())
	adminMux.Handle("/healthz", health.HealthzHandler())
	adminMux.Handle("/readyz", health.ReadyzHandler())
	adminMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	cacheAdmin.Register(adminMux)

	return &http.Server{
		Addr:              cfg.Admin.Address,
		Handler:           adminMux,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       adminIdleTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

func buildGRPCHealth() (*grpc.Server, *grpchealth.Server) {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// certHolder provides atomic TLS certificate hot-reload via GetCertificate.
type certHolder struct {
	cert atomic.Pointer[tls.Certificate]
}

func newCertHolder(certFile, keyFile string) (*certHolder, error) {
	ch := &certHolder{}
	if err := ch.Reload(certFile, keyFile); err != nil {
		return nil, err
	}
	return ch, nil
}

// Reload loads a new certificate from disk and atomically swaps it.
func (ch *certHolder) Reload(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load TLS certificate: %w", err)
	}
	ch.cert.Store(&cert)
	return nil
}

// GetCertificate implements the tls.Config.GetCertificate callback.
func (ch *certHolder) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	return ch.cert.Load(), nil
}

func tlsMinVersion(cfg *config.Config) uint16 {
	if cfg.Server.TLS.MinVersion == config.TLSVersion13 {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// Run starts every listener and blocks until ctx is canceled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	tracingShutdown, err := observability.InitTracing(ctx, s.cfg.Tracing, s.version)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		tracingShutdown = func(_ context.Context) error { return nil }
	}
	s.tracingShutdown = tracingShutdown

	errCh := make(chan error, 4)

	// readyCh is closed once the main listener has bound.
	readyCh := make(chan struct{})

	go s.startAdminServer(errCh)
	go s.startMainServerWithReady(errCh, readyCh)

	if s.http3Server != nil {
		go s.startHTTP3Server(errCh)
	}
	if s.grpcServer != nil {
		go s.startGRPCServer(errCh)
	}

	s.health.SetStarted()

	select {
	case <-readyCh:
		s.health.SetReady()
		if s.grpcHealth != nil {
			s.grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		}
		s.logger.Info("optstuff gateway is ready", "version", s.version)
	case srvErr := <-errCh:
		s.shutdown()
		return srvErr
	}

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining...")
	case srvErr := <-errCh:
		s.shutdown()
		return srvErr
	}

	s.shutdown()
	return nil
}

func (s *Server) startAdminServer(errCh chan<- error) {
	s.logger.Info("admin server starting", "address", s.cfg.Admin.Address)
	if err := s.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) startGRPCServer(errCh chan<- error) {
	s.logger.Info("grpc health server starting", "address", s.cfg.Admin.GRPCAddress)
	ln, err := net.Listen("tcp", s.cfg.Admin.GRPCAddress)
	if err != nil {
		errCh <- fmt.Errorf("grpc health listen: %w", err)
		return
	}
	if err := s.grpcServer.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		errCh <- fmt.Errorf("grpc health server: %w", err)
	}
}

func (s *Server) startMainServerWithReady(errCh chan<- error, readyCh chan struct{}) {
	s.logger.Info("gateway server starting",
		"address", s.cfg.Server.Address,
		"path_prefix", s.cfg.Gateway.PathPrefix,
		"tls", s.cfg.Server.TLS.Enabled,
		"http3", s.cfg.Server.TLS.HTTP3Enabled)

	ln, listenErr := net.Listen("tcp", s.cfg.Server.Address)
	if listenErr != nil {
		errCh <- fmt.Errorf("gateway server listen: %w", listenErr)
		return
	}
	close(readyCh)

	var err error
	if s.cfg.Server.TLS.Enabled {
		ch, certErr := newCertHolder(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
		if certErr != nil {
			errCh <- certErr
			return
		}
		s.certs = ch

		tlsCfg := &tls.Config{
			MinVersion:     tlsMinVersion(s.cfg),
			GetCertificate: ch.GetCertificate,
		}
		s.mainServer.TLSConfig = tlsCfg
		if s.http3Server != nil {
			s.http3Server.TLSConfig = tlsCfg
		}
		err = s.mainServer.Serve(tls.NewListener(ln, tlsCfg))
	} else {
		err = s.mainServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("gateway server: %w", err)
	}
}

func (s *Server) startHTTP3Server(errCh chan<- error) {
	s.logger.Info("HTTP/3 (QUIC) server starting", "address", s.cfg.Server.Address)
	err := s.http3Server.ListenAndServeTLS(s.cfg.Server.TLS.CertFile, s.cfg.Server.TLS.KeyFile)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("HTTP/3 server: %w", err)
	}
}

// Reload applies the hot-reloadable settings of newCfg: referer toggle,
// source policy, failure policy, sample rate, request timeout, access log,
// admin token, and TLS certificates.
func (s *Server) Reload(newCfg *config.Config) error {
	if fields := newCfg.RequiresRestart(s.cfg); len(fields) > 0 {
		s.logger.Warn("config changes require a restart to take effect", "fields", fields)
	}

	settings := gatewaySettings(newCfg)
	settings.PathPrefix = s.pathPrefix
	s.validator.SetSettings(settings)
	s.guard.SetPolicy(newCfg.RateLimit.FailurePolicy)
	s.recorder.SetSampleRate(newCfg.Telemetry.OriginalSizeSampleRate)
	s.chain.SetRequestTimeout(config.MustParseDuration(newCfg.Server.RequestTimeout, 60*time.Second))
	s.chain.SetAccessLog(newCfg.Logging.AccessLogEnabled())
	s.admin.SetToken(newCfg.Admin.Token.Value())

	if s.certs != nil && newCfg.Server.TLS.CertFile != "" && newCfg.Server.TLS.KeyFile != "" {
		if err := s.certs.Reload(newCfg.Server.TLS.CertFile, newCfg.Server.TLS.KeyFile); err != nil {
			s.logger.Error("TLS certificate reload failed, keeping old certificate", "error", err)
		} else {
			s.logger.Info("TLS certificates reloaded")
		}
	}

	s.cfg = newCfg
	s.logger.Info("configuration reloaded")
	return nil
}

// shutdown drains the listeners first, then the telemetry pipeline, then
// the connections the pipeline writes to.
func (s *Server) shutdown() {
	s.health.SetNotReady()
	if s.grpcHealth != nil {
		s.grpcHealth.Shutdown()
	}

	drainTimeout, _ := config.ParseDuration(s.cfg.Server.DrainTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if s.http3Server != nil {
		if err := s.http3Server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP/3 server shutdown error", "error", err)
		}
	}
	if err := s.mainServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("gateway server shutdown error", "error", err)
	}
	if err := s.adminServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("admin server shutdown error", "error", err)
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}

	if err := s.recorder.Close(shutdownCtx); err != nil {
		s.logger.Warn("telemetry tasks did not finish", "error", err)
	}
	if s.emitter != nil {
		if err := s.emitter.Close(shutdownCtx); err != nil {
			s.logger.Warn("request logs dropped on shutdown", "error", err)
		}
	}
	if err := s.guard.Close(); err != nil {
		s.logger.Error("rate limiter close error", "error", err)
	}
	if s.closeDeps != nil {
		s.closeDeps()
	}

	if s.tracingShutdown != nil {
		if err := s.tracingShutdown(shutdownCtx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.logger.Info("shutdown complete")
}

// Handler returns the public listener's handler.
func (s *Server) Handler() http.Handler { return s.mainServer.Handler }

// AdminHandler returns the admin listener's handler.
func (s *Server) AdminHandler() http.Handler { return s.adminServer.Handler }
