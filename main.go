package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"github.com/arrowgate/arrowgate/duckdbengine"
	"github.com/arrowgate/arrowgate/server"
)

// FileConfig is the YAML configuration file structure.
type FileConfig struct {
	Host        string            `yaml:"host"`
	Port        int               `yaml:"port"`
	Database    string            `yaml:"database"`
	MetricsAddr string            `yaml:"metrics_addr"`
	TLS         TLSFileConfig     `yaml:"tls"`
	ACME        ACMEFileConfig    `yaml:"acme"`
	Users       map[string]string `yaml:"users"`
	Session     SessionFileConfig `yaml:"session"`
	Telemetry   bool              `yaml:"telemetry"`
}

type TLSFileConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ACMEFileConfig struct {
	Domain   string `yaml:"domain"`
	Email    string `yaml:"email"`
	CacheDir string `yaml:"cache_dir"`
}

type SessionFileConfig struct {
	IdleTTL  string `yaml:"idle_ttl"`
	ReapTick string `yaml:"reap_tick"`
}

type runtimeConfig struct {
	Host        string
	Port        int
	Database    string
	MetricsAddr string
	CertFile    string
	KeyFile     string
	ACMEDomain  string
	ACMEEmail   string
	ACMECache   string
	Users       map[string]string
	IdleTTL     time.Duration
	ReapTick    time.Duration
	Telemetry   bool
	PIDFile     string
}

func loadConfigFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return &cfg, nil
}

func env(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// resolveConfig merges defaults, the config file, environment variables,
// and CLI flags, in increasing priority.
func resolveConfig() runtimeConfig {
	configFile := flag.String("config", env("ARROWGATE_CONFIG", ""), "Path to YAML config file (env: ARROWGATE_CONFIG)")
	host := flag.String("host", "", "Host to bind to (env: ARROWGATE_HOST)")
	port := flag.Int("port", 0, "Port to listen on (env: ARROWGATE_PORT)")
	database := flag.String("database", "", "DuckDB database path, empty for in-memory (env: ARROWGATE_DATABASE)")
	certFile := flag.String("cert", "", "TLS certificate file (env: ARROWGATE_CERT)")
	keyFile := flag.String("key", "", "TLS private key file (env: ARROWGATE_KEY)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (env: ARROWGATE_METRICS_ADDR)")
	pidFile := flag.String("pid-file", env("ARROWGATE_PID_FILE", ""), "PID file for zero-downtime restarts (env: ARROWGATE_PID_FILE)")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Arrowgate - Arrow Flight SQL server for DuckDB\n\n")
		fmt.Fprintf(os.Stderr, "Usage: arrowgate [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nPrecedence: CLI flags > environment variables > config file > defaults\n")
	}
	flag.Parse()

	if *showHelp {
		flag.Usage()
		os.Exit(0)
	}

	cfg := runtimeConfig{
		Host:        "0.0.0.0",
		Port:        32010,
		MetricsAddr: ":9102",
		CertFile:    "./certs/server.crt",
		KeyFile:     "./certs/server.key",
		PIDFile:     *pidFile,
	}

	if *configFile != "" {
		fileCfg, err := loadConfigFile(*configFile)
		if err != nil {
			slog.Error("failed to load config file", "path", *configFile, "error", err)
			os.Exit(1)
		}
		slog.Info("loaded configuration", "path", *configFile)
		applyFileConfig(&cfg, fileCfg)
	}

	if v := os.Getenv("ARROWGATE_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("ARROWGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("ARROWGATE_DATABASE"); v != "" {
		cfg.Database = v
	}
	if v := os.Getenv("ARROWGATE_CERT"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("ARROWGATE_KEY"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("ARROWGATE_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *database != "" {
		cfg.Database = *database
	}
	if *certFile != "" {
		cfg.CertFile = *certFile
	}
	if *keyFile != "" {
		cfg.KeyFile = *keyFile
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	return cfg
}

func applyFileConfig(cfg *runtimeConfig, fileCfg *FileConfig) {
	if fileCfg.Host != "" {
		cfg.Host = fileCfg.Host
	}
	if fileCfg.Port != 0 {
		cfg.Port = fileCfg.Port
	}
	if fileCfg.Database != "" {
		cfg.Database = fileCfg.Database
	}
	if fileCfg.MetricsAddr != "" {
		cfg.MetricsAddr = fileCfg.MetricsAddr
	}
	if fileCfg.TLS.Cert != "" {
		cfg.CertFile = fileCfg.TLS.Cert
	}
	if fileCfg.TLS.Key != "" {
		cfg.KeyFile = fileCfg.TLS.Key
	}
	if fileCfg.ACME.Domain != "" {
		cfg.ACMEDomain = fileCfg.ACME.Domain
		cfg.ACMEEmail = fileCfg.ACME.Email
		cfg.ACMECache = fileCfg.ACME.CacheDir
	}
	if len(fileCfg.Users) > 0 {
		cfg.Users = fileCfg.Users
	}
	if fileCfg.Session.IdleTTL != "" {
		if d, err := time.ParseDuration(fileCfg.Session.IdleTTL); err == nil {
			cfg.IdleTTL = d
		} else {
			slog.Warn("invalid session idle_ttl", "error", err)
		}
	}
	if fileCfg.Session.ReapTick != "" {
		if d, err := time.ParseDuration(fileCfg.Session.ReapTick); err == nil {
			cfg.ReapTick = d
		} else {
			slog.Warn("invalid session reap_tick", "error", err)
		}
	}
	cfg.Telemetry = fileCfg.Telemetry
}

func main() {
	shutdownLogging := initLogging()
	defer shutdownLogging()

	cfg := resolveConfig()

	var tlsConfig *tls.Config
	var acmeMgr *server.ACMEManager
	if cfg.ACMEDomain != "" {
		mgr, err := server.NewACMEManager(cfg.ACMEDomain, cfg.ACMEEmail, cfg.ACMECache, ":80")
		if err != nil {
			slog.Error("failed to initialize acme", "error", err)
			os.Exit(1)
		}
		acmeMgr = mgr
		tlsConfig = mgr.TLSConfig()
	} else {
		if err := server.EnsureCertificates(cfg.CertFile, cfg.KeyFile); err != nil {
			slog.Error("failed to ensure tls certificates", "error", err)
			os.Exit(1)
		}
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			slog.Error("failed to load tls key pair", "error", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		slog.Info("using tls certificates", "cert", cfg.CertFile, "key", cfg.KeyFile)
	}

	eng, err := duckdbengine.Open(cfg.Database, duckdbengine.Config{Users: cfg.Users})
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = eng.Close()
	}()

	// tableflip hands listeners to a replacement process on SIGUSR2, so
	// restarts do not drop live Flight streams.
	upg, err := tableflip.New(tableflip.Options{PIDFile: cfg.PIDFile})
	if err != nil {
		slog.Error("failed to initialize upgrader", "error", err)
		os.Exit(1)
	}
	defer upg.Stop()

	flightLn, err := upg.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		slog.Error("failed to listen", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(flightLn, tlsConfig, eng, server.Config{
		SessionIdleTTL:  cfg.IdleTTL,
		SessionReapTick: cfg.ReapTick,
		EnableTelemetry: cfg.Telemetry,
	}, slog.Default())
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	srv.Start()
	slog.Info("flight sql server started", "addr", srv.Addr())

	metricsSrv := startMetricsServer(upg, cfg.MetricsAddr)

	if err := upg.Ready(); err != nil {
		slog.Error("failed to signal readiness", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)
	for {
		select {
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGUSR2:
				slog.Info("upgrade requested")
				if err := upg.Upgrade(); err != nil {
					slog.Error("upgrade failed", "error", err)
				}
				continue
			default:
				slog.Info("shutting down", "signal", sig.String())
			}
		case <-upg.Exit():
			slog.Info("replacement process ready, shutting down")
		}
		break
	}

	srv.Shutdown()
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}
	if acmeMgr != nil {
		_ = acmeMgr.Close()
	}
}

// startMetricsServer exposes Prometheus metrics and a liveness endpoint.
// A bind failure is logged, not fatal: metrics are not worth refusing to
// serve queries over.
func startMetricsServer(upg *tableflip.Upgrader, addr string) *http.Server {
	if addr == "" {
		return nil
	}
	ln, err := upg.Listen("tcp", addr)
	if err != nil {
		slog.Error("failed to listen for metrics", "addr", addr, "error", err)
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Warn("metrics server exited", "error", err)
		}
	}()
	slog.Info("metrics server started", "addr", addr)
	return srv
}
