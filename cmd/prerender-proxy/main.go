package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/goodtune/prerender-proxy/internal/config"
	"github.com/goodtune/prerender-proxy/internal/hooks"
	"github.com/goodtune/prerender-proxy/internal/logging"
	"github.com/goodtune/prerender-proxy/internal/metrics"
	"github.com/goodtune/prerender-proxy/internal/pac"
	"github.com/goodtune/prerender-proxy/internal/proxy"
	"github.com/goodtune/prerender-proxy/internal/rules"
	"github.com/goodtune/prerender-proxy/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

var rootCmd = &cobra.Command{
	Use:          "prerender-proxy",
	Short:        "Serve prerendered snapshots to crawlers",
	Long:         "prerender-proxy sits in front of a web application and answers crawler requests with snapshots from a rendering service, passing every other request to the application.",
	RunE:         runRoot,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.Flags()
	f.StringP("config", "c", "", "Config file path")
	f.BoolP("generate-config", "g", false, "Write a template config.yaml and exit")
	f.StringP("listen", "l", "", "Listen address")
	f.String("metrics-listen", "", "Metrics listen address (empty disables)")
	f.StringP("origin", "o", "", "Application URL that non-snapshot requests are proxied to")
	f.String("service-url", "", "Rendering service URL")
	f.String("service-token", "", "Rendering service token")
	f.String("service-flavor", "", "Rendering service flavor: prerender, ajaxsnapshots")
	f.Bool("override-accept", false, "Send a fixed HTML Accept header to the renderer")
	f.Int("socket-timeout", 0, "Renderer call timeout in milliseconds")
	f.String("crawler-user-agents", "", "Extra crawler User-Agent substrings, comma separated")
	f.String("extensions-to-ignore", "", "Extra static extensions, comma separated")
	f.String("whitelist", "", "URL patterns eligible for rendering, comma separated")
	f.String("blacklist", "", "URL or Referer patterns never rendered, comma separated")
	f.String("forwarded-url-header", "", "Header carrying the public URL of the request")
	f.String("protocol", "", "Scheme override for the rendered URL: http, https")
	f.String("paths-to-strip", "", "Path fragments removed from the rendered URL, comma separated")
	f.String("render-request-headers", "", "Headers marking the renderer's own requests, comma separated")
	f.Bool("intercept-by-default", true, "Render requests that no rule decided")
	f.String("proxy", "", "HTTP proxy host for renderer calls")
	f.Int("proxy-port", 0, "HTTP proxy port for renderer calls")
	f.String("proxy-pac", "", "PAC file path or URL choosing the proxy for renderer calls")
	f.Bool("strip-scripts", false, "Remove script elements from HTML snapshots")
	f.String("log-level", "", "Log level: debug, info, warn, error")
	f.String("log-format", "", "Log format: json, text")
	f.String("log-file", "", "Also write logs to this rotating file")
	f.Bool("syslog", false, "Log to syslog instead of stderr")

	f.VisitAll(func(fl *pflag.Flag) {
		if fl.Name == "generate-config" {
			return
		}
		_ = viper.BindPFlag(fl.Name, fl)
	})

	viper.SetEnvPrefix("PRERENDER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initConfig() {
	config.SetDefaults()
	if configFile := viper.GetString("config"); configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.MergeInConfig(); err != nil {
			slog.Error("failed to read config file", "error", err)
			os.Exit(1)
		}
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	if gen, _ := cmd.Flags().GetBool("generate-config"); gen {
		if _, err := config.GenerateTemplateConfig("config.yaml"); err != nil {
			return fmt.Errorf("failed to generate template config: %w", err)
		}
		fmt.Println("Template config file 'config.yaml' generated successfully.")
		return nil
	}

	cfg, err := config.BuildConfigFromViper()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		logger.Warn("syslog unavailable", "error", err)
	}
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg)

	metrics.Register()

	srv, err := newServer(cfg, logger)
	if err != nil {
		return err
	}
	defer srv.engine.Close()

	return serve(cmd.Context(), cfg, srv, logger)
}

// server is the assembled request pipeline.
type server struct {
	engine  *proxy.Engine
	handler http.Handler
	// pac is nil unless proxy-pac is configured.
	pac *pac.Evaluator
}

func newServer(cfg *config.Config, logger *slog.Logger) (*server, error) {
	rs, err := rules.New(cfg.RuleOptions())
	if err != nil {
		return nil, fmt.Errorf("building rules: %w", err)
	}
	builder, err := upstream.NewBuilder(cfg.Service())
	if err != nil {
		return nil, fmt.Errorf("rendering service: %w", err)
	}

	s := &server{}
	clientOpts := upstream.ClientOptions{ProxyHost: cfg.Proxy, ProxyPort: cfg.ProxyPort}
	if cfg.ProxyPAC != "" {
		s.pac, err = pac.New(cfg.ProxyPAC)
		if err != nil {
			return nil, err
		}
		metrics.PACReloadTotal.WithLabelValues("success").Inc()
		logger.Info("PAC file loaded", "source", s.pac.Source())
		clientOpts.Resolver = s.pac
	}
	executor := upstream.NewExecutor(upstream.NewClient(clientOpts), builder.Service().Timeout)

	var events proxy.EventHandler
	if cfg.StripScripts {
		events = hooks.Chain{&hooks.StripScripts{Logger: logger}}
	}

	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	app := httputil.NewSingleHostReverseProxy(origin)
	app.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelError)

	s.engine = proxy.New(proxy.Config{
		Rules:    rs,
		Builder:  builder,
		Executor: executor,
		Events:   events,
		Logger:   logger,
	})
	s.handler = s.engine.Middleware(app)
	return s, nil
}

// reloadPAC re-reads the PAC file, keeping the previous one on failure.
func (s *server) reloadPAC(logger *slog.Logger) {
	if s.pac == nil {
		logger.Info("SIGHUP received, no PAC file configured")
		return
	}
	logger.Info("SIGHUP received, reloading PAC file")
	if err := s.pac.Reload(); err != nil {
		logger.Error("PAC reload failed", "error", err)
		metrics.PACReloadTotal.WithLabelValues("failure").Inc()
		return
	}
	logger.Info("PAC file reloaded", "source", s.pac.Source())
	metrics.PACReloadTotal.WithLabelValues("success").Inc()
}

func serve(parent context.Context, cfg *config.Config, s *server, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	proxyServer := &http.Server{Addr: cfg.Listen, Handler: s.handler}
	servers := []*http.Server{proxyServer}

	if cfg.MetricsListen != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{Addr: cfg.MetricsListen, Handler: metricsMux}
		servers = append(servers, metricsServer)

		go func() {
			logger.Info("metrics server starting", "addr", cfg.MetricsListen)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					s.reloadPAC(logger)
				case syscall.SIGTERM, syscall.SIGINT:
					logger.Info("shutdown signal received", "signal", sig.String())
					cancel()
				}
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("prerender proxy starting", "addr", cfg.Listen, "origin", cfg.Origin)
		if err := proxyServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
	logger.Info("shutdown complete")

	select {
	case err := <-errCh:
		return fmt.Errorf("proxy server: %w", err)
	default:
		return nil
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
