// Command siphond runs the siphon intercepting proxy: it loads config,
// wires the rule engine, debug manager, traffic monitor, and flow
// database together behind internal/core, and serves both the
// intercepting listener and the /_relay control channel on it.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"siphon/internal/config"
	"siphon/internal/core"
	"siphon/internal/debug"
	"siphon/internal/flowdb"
	"siphon/internal/monitor"
	"siphon/internal/redaction"
	"siphon/internal/rules"
	"siphon/internal/telemetry"
)

func main() {
	configPath := flag.String("config", "configs/siphon.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting siphon",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"data_dir", cfg.DataDir,
		"rules_dir", cfg.Rules.Dir,
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		slog.Error("failed to create data directory", "error", err, "path", cfg.DataDir)
		os.Exit(1)
	}

	settingsStore, err := config.NewSettingsStore(cfg.DataDir)
	if err != nil {
		slog.Error("failed to load settings store", "error", err)
		os.Exit(1)
	}
	settings := settingsStore.GetMerged()

	// Flow database: tiered body storage under DATA_DIR/traffic.
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath()), 0755); err != nil {
		slog.Error("failed to create flow database directory", "error", err)
		os.Exit(1)
	}
	db, err := flowdb.Open(cfg.DBPath(), cfg.BodyDir())
	if err != nil {
		slog.Error("failed to open flow database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go db.RunMaintenance(ctx, flowdb.DefaultMaintenanceConfig())

	// Rule engine: loader discovers YAML rule files (or the legacy JSON
	// fallback), executor applies actions including map_remote redispatch.
	loader := rules.NewLoader(cfg.Rules.Dir, cfg.Rules.File)
	executor := &rules.Executor{}
	engine := rules.NewEngine(loader, executor)

	// Debug manager: breakpoints and cooperative suspension, optionally
	// fanned out across instances via Redis pub/sub.
	dbgManager := debug.NewManager()
	var redisRelay *debug.RedisRelay
	if cfg.Debug.Redis.Enabled {
		redisRelay, err = debug.NewRedisRelay(debug.RedisConfig{
			Addr:      cfg.Debug.Redis.Addr,
			Password:  cfg.Debug.Redis.Password,
			DB:        cfg.Debug.Redis.DB,
			KeyPrefix: cfg.Debug.Redis.KeyPrefix,
		}, dbgManager)
		if err != nil {
			slog.Warn("debug redis relay unavailable, continuing with local-only breakpoints", "error", err)
			redisRelay = nil
		} else {
			slog.Info("debug redis relay enabled", "addr", cfg.Debug.Redis.Addr)
		}
	}

	// Telemetry (graceful degradation if initialization fails).
	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			Insecure:    cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}
	if tp == nil {
		tp, _ = telemetry.NewProvider(telemetry.Config{Enabled: false})
	}

	var redactor redaction.Redactor
	if cfg.Redaction.Enabled {
		redactor = redaction.NewPatternRedactor()
		slog.Info("redaction enabled for export and debug logs")
	}

	buffer := monitor.NewRingBuffer()

	// TLS: siphon terminates MITM TLS using whatever cert/key its host
	// process supplies; it never generates or manages CA material itself
	// beyond the auto_cert development convenience below.
	var tlsConfig *tls.Config
	var caCert *tls.Certificate
	if cfg.TLS.Enabled {
		tlsConfig, caCert, err = setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		slog.Info("TLS enabled for proxy listener")
	}

	controlHandler := monitor.NewHandler(buffer, dbgManager, caCert)
	if redisRelay != nil {
		controlHandler.SetOnResume(func(flowID string, mods debug.Modifications) {
			if err := redisRelay.Publish(flowID, mods); err != nil {
				slog.Warn("failed to publish resume to redis", "flow_id", flowID, "error", err)
			}
		})
	}

	addon := core.NewAddon(engine, dbgManager, buffer, db, tp)
	addon.Redactor = redactor
	addon.ListenPort = listenPort(cfg.Listen)
	if settings.Traffic.ActiveOnStart != nil {
		addon.SetTrafficActive(*settings.Traffic.ActiveOnStart)
	}
	controlHandler.SetTrafficState(addon.IsTrafficActive, addon.SetTrafficActive)
	if upstream := resolveUpstream(cfg.Upstream, settings.Upstream.Override); upstream != "" {
		if err := core.ApplyUpstreamProxy(addon.Transport, upstream); err != nil {
			slog.Error("failed to configure upstream proxy", "error", err)
			os.Exit(1)
		}
		slog.Info("upstream proxy configured", "upstream", upstream)
	}
	executor.Transport = addon

	root := &rootHandler{control: controlHandler, addon: addon}

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      root,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disabled for streaming bodies and long-lived WebSocket upgrades
		IdleTimeout:  120 * time.Second,
		TLSConfig:    tlsConfig,
	}

	errChan := make(chan error, 1)
	go func() {
		if cfg.TLS.Enabled {
			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				errChan <- fmt.Errorf("proxy listener error: %w", err)
				return
			}
			wrapped := core.WrapTLSListener(ln, tlsConfig, addon.HandleTLSFailure)
			slog.Info("proxy listener starting (HTTPS)", "addr", cfg.Listen)
			if err := server.Serve(wrapped); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxy listener error: %w", err)
			}
		} else {
			slog.Info("proxy listener starting (HTTP)", "addr", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("proxy listener error: %w", err)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	cancel() // stops the flow database maintenance loop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("proxy listener shutdown error", "error", err)
	}
	if redisRelay != nil {
		if err := redisRelay.Close(); err != nil {
			slog.Error("redis relay close error", "error", err)
		}
	}
	if tp != nil {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown error", "error", err)
		}
	}

	slog.Info("siphon stopped")
}

// rootHandler dispatches to the control channel for internal paths and to
// the intercepting addon for everything else, mirroring
// internal/core.IsInternalRequest's own defensive check one layer down.
type rootHandler struct {
	control *monitor.Handler
	addon   *core.Addon
}

func (h *rootHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if monitor.IsInternalPath(r.URL.Path) {
		h.control.ServeHTTP(w, r)
		return
	}
	if core.IsWebSocketUpgrade(r) {
		h.addon.ServeWebSocket(w, r)
		return
	}
	h.addon.ServeHTTP(w, r)
}

func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return 0
	}
	return port
}

func resolveUpstream(configured string, override *string) string {
	if override != nil && *override != "" {
		return *override
	}
	return configured
}

// setupTLS configures TLS for the proxy listener and returns the leaf
// certificate separately so monitor.Handler can serve it at /cert for
// clients to install as a trusted root.
func setupTLS(cfg config.TLSConfig) (*tls.Config, *tls.Certificate, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, &cert, nil
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"siphon Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "relay.guide", "*.siphon.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
