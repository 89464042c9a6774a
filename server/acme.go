package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// ACMEManager provisions TLS certificates from Let's Encrypt. It runs an
// HTTP listener for HTTP-01 challenge validation and caches issued
// certificates on disk so restarts do not re-request them.
type ACMEManager struct {
	manager  *autocert.Manager
	httpSrv  *http.Server
	httpLn   net.Listener
	domain   string
	cacheDir string
}

// NewACMEManager sets up certificate management for domain. httpAddr is
// the challenge listener address, ":80" when empty.
func NewACMEManager(domain, email, cacheDir, httpAddr string) (*ACMEManager, error) {
	if cacheDir == "" {
		cacheDir = "./certs/acme"
	}
	if httpAddr == "" {
		httpAddr = ":80"
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, err
	}

	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Cache:      autocert.DirCache(cacheDir),
		HostPolicy: autocert.HostWhitelist(domain),
		Email:      email,
	}

	ln, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return nil, err
	}

	httpSrv := &http.Server{
		Handler:           mgr.HTTPHandler(nil),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("acme challenge server error", "error", err)
		}
	}()

	slog.Info("acme enabled", "domain", domain, "cache_dir", cacheDir, "http_addr", httpAddr)

	return &ACMEManager{
		manager:  mgr,
		httpSrv:  httpSrv,
		httpLn:   ln,
		domain:   domain,
		cacheDir: cacheDir,
	}, nil
}

// TLSConfig returns a tls.Config that obtains and renews certificates on
// demand.
func (a *ACMEManager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: a.manager.GetCertificate,
	}
}

// Close shuts down the challenge listener.
func (a *ACMEManager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpSrv.Shutdown(ctx)
}
