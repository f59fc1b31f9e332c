package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"golang.org/x/sync/errgroup"

	"maiachat/backend/internal/api"
	"maiachat/backend/internal/auth"
	"maiachat/backend/internal/config"
	"maiachat/backend/internal/engine"
	"maiachat/backend/internal/logging"
	"maiachat/backend/internal/mcp"
	"maiachat/backend/internal/metrics"
	"maiachat/backend/internal/repository"
	"maiachat/backend/internal/steps"
	"maiachat/backend/internal/tls"
)

const (
	serviceName     = "maiachat-workflows"
	shutdownTimeout = 30 * time.Second
)

// routerDeps are the collaborators mounted on the HTTP router.
type routerDeps struct {
	cfg      *config.Config
	logger   *logging.Logger
	store    repository.Repository
	engine   *engine.Engine
	authz    *auth.Auth
	gatherer prometheus.Gatherer
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()

	logger.Info("Configuration loaded",
		"environment", cfg.Environment,
		"store", cfg.Store.Driver,
		"okta_domain", cfg.Auth.OktaDomain,
		"swagger_client_id", cfg.Auth.SwaggerClientID,
	)
	if cfg.Auth.SwaggerClientID != "" && cfg.Auth.SwaggerClientID == cfg.Auth.ClientID {
		logger.Warn("Swagger client ID matches the backend client ID; PKCE login from the docs page will fail for a web app client")
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	locker, closeLocker, err := openLocker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLocker()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder, err := metrics.NewPrometheus(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	stepOpts := steps.Options{
		AgentURL:        cfg.Agent.URL,
		AgentMaxRetries: cfg.Agent.MaxRetries,
	}
	if cfg.MCPClient.URL != "" {
		mcpClient, err := steps.ConnectMCP(ctx, cfg.MCPClient.URL)
		if err != nil {
			return err
		}
		defer mcpClient.Close()
		stepOpts.MCP = mcpClient
	}
	registry, err := engine.NewRegistry()
	if err != nil {
		return err
	}
	if err := steps.RegisterBuiltins(registry, stepOpts); err != nil {
		return err
	}
	logger.Info("Step registry ready", "actions", registry.Types())

	eng := engine.New(store, registry,
		engine.WithLogger(logger.With("component", "engine")),
		engine.WithRecorder(recorder),
		engine.WithLocker(locker),
		engine.WithMaxSteps(cfg.Engine.MaxSteps),
		engine.WithStepTimeout(cfg.Engine.StepTimeout),
		engine.WithTokenTTL(cfg.Engine.TokenTTL),
	)

	authz, err := auth.New(ctx, cfg, store, logger.With("component", "auth"))
	if err != nil {
		return fmt.Errorf("auth initialization failed: %w", err)
	}
	if authz.Bypass() {
		logger.Warn("authentication bypass is on; every request runs as the dev user")
	}

	e := newRouter(routerDeps{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		engine:   eng,
		authz:    authz,
		gatherer: reg,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           e,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.TLS.Enable {
		if cfg.TLS.CertFile == "" || cfg.TLS.KeyFile == "" {
			return errors.New("tls.enable requires tls.cert_file and tls.key_file")
		}
		created, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames)
		if err != nil {
			return fmt.Errorf("preparing TLS certificate: %w", err)
		}
		if created {
			logger.Warn("generated a self-signed certificate", "cert", cfg.TLS.CertFile, "hosts", cfg.TLS.Hostnames)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server starting", "address", cfg.Server.Addr, "tls", cfg.TLS.Enable)
		var err error
		if cfg.TLS.Enable {
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			return server.Close()
		}
		logger.Info("Server stopped gracefully")
		return nil
	})
	return g.Wait()
}

func newRouter(d routerDeps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = api.ErrorHandler(d.logger)

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(serviceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			d.logger.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency)
			return nil
		},
	}))

	e.GET("/login", echo.WrapHandler(http.HandlerFunc(d.authz.LoginHandler)))
	e.GET("/auth/callback", echo.WrapHandler(http.HandlerFunc(d.authz.CallbackHandler)))
	e.GET("/logout", echo.WrapHandler(http.HandlerFunc(d.authz.LogoutHandler)))

	e.GET("/health", echo.WrapHandler(http.HandlerFunc(api.NewHandler(d.store).HandleHealth)))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	apiGroup := e.Group("/api/v1")
	apiGroup.Use(echo.WrapMiddleware(d.authz.RequireAuth))
	api.NewServer(d.store, d.engine).Register(apiGroup)

	mcpServer := mcp.NewServer(d.engine, d.store)
	mcpHandlers := http.NewServeMux()
	mcp.MountHTTPHandlers(mcpHandlers, mcpServer.GetMCPServer(), d.authz.RequireAuth)
	e.Any("/mcp", echo.WrapHandler(mcpHandlers))
	e.Any("/mcp/*", echo.WrapHandler(mcpHandlers))

	e.GET("/openapi.yaml", echo.WrapHandler(api.SpecHandler(d.cfg.Auth.OktaDomain)))
	e.GET("/docs", echo.WrapHandler(api.SwaggerHandler(d.cfg.Auth.OktaDomain, d.cfg.Auth.SwaggerClientID)))
	e.GET("/docs/oauth2-redirect.html", echo.WrapHandler(http.HandlerFunc(api.OAuthRedirectHandler)))

	return e
}
