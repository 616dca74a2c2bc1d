// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command nuclide-server runs a standalone RPC server exposing the
// reference services (Version, FileSession, TailLines) over a
// mutual-TLS-protected WebSocket endpoint.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/sagarawasthi/nuclide/internal/config"
	"github.com/sagarawasthi/nuclide/rpc"
	"github.com/sagarawasthi/nuclide/services"
	"github.com/sagarawasthi/nuclide/transport"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var configFile string
	root := &cobra.Command{
		Use:   "nuclide-server",
		Short: "Run the Nuclide RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, log)
		},
	}
	root.Flags().StringVar(&configFile, "config", "", "optional YAML configuration file")
	config.RegisterFlags(root.Flags(), config.Defaults())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	root.SetContext(ctx)

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("nuclide-server exited with an error")
	}
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	registry := rpc.NewServiceRegistry()
	if err := services.RegisterVersion(registry, version); err != nil {
		return fmt.Errorf("registering Version: %w", err)
	}
	if err := services.RegisterFileSession(registry); err != nil {
		return fmt.Errorf("registering FileSession: %w", err)
	}
	if err := services.RegisterTailLines(registry); err != nil {
		return fmt.Errorf("registering TailLines: %w", err)
	}

	server := rpc.NewServer(registry, logrus.NewEntry(log))
	if cfg.TrackEventLoop {
		server.EnableEventLoopTracking(0)
	}
	listener := transport.NewListener(server, transport.ListenerOptions{
		Version:                     version,
		OutboundQueueCap:            cfg.OutboundQueueCap,
		ClientIdleTimeout:           cfg.ClientIdleTimeout,
		ClientRateLimit:             rate.Limit(200),
		ClientRateBurst:             400,
		RequireLoopbackForPlaintext: cfg.RequireLoopbackForPlaintext,
		Log:                         logrus.NewEntry(log),
	})

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		return fmt.Errorf("loading TLS configuration: %w", err)
	}

	httpServer := &http.Server{
		Addr:      fmt.Sprintf(":%d", cfg.Port),
		Handler:   listener,
		TLSConfig: tlsConfig,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Port).Info("nuclide-server listening")
		if tlsConfig != nil {
			errCh <- httpServer.ListenAndServeTLS("", "")
		} else {
			errCh <- httpServer.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return httpServer.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// loadTLSConfig builds a mutual-TLS server configuration from --cert/--key
// (required for the server's own certificate) and --ca (required to
// verify client certificates); it returns nil, nil only when none of the
// three flags are set, for local development over plain HTTP.
func loadTLSConfig(cfg config.Config) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" && cfg.CAFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	pool := x509.NewCertPool()
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", cfg.CAFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
