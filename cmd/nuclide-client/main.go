// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command nuclide-client is a demonstration client for nuclide-server: it
// dials the /rpc endpoint, performs the identifier handshake, and exposes
// one subcommand per reference service call.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sagarawasthi/nuclide/internal/config"
	"github.com/sagarawasthi/nuclide/rpc"
	"github.com/sagarawasthi/nuclide/services"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	var (
		addr       string
		clientID   string
		configFile string
	)

	root := &cobra.Command{
		Use:   "nuclide-client",
		Short: "Talk to a nuclide-server over the RPC transport",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "localhost:9090", "server host:port")
	root.PersistentFlags().StringVar(&clientID, "client-id", "", "client identifier for the reconnect handshake (random if empty)")
	root.PersistentFlags().StringVar(&configFile, "config", "", "optional YAML configuration file")
	config.RegisterFlags(root.PersistentFlags(), config.Defaults())

	root.AddCommand(versionCmd(log, &addr, &clientID, &configFile))
	root.AddCommand(readFileCmd(log, &addr, &clientID, &configFile))
	root.AddCommand(statCmd(log, &addr, &clientID, &configFile))
	root.AddCommand(tailCmd(log, &addr, &clientID, &configFile))

	if err := root.Execute(); err != nil {
		log.WithError(err).Fatal("nuclide-client exited with an error")
	}
}

func dial(ctx context.Context, log *logrus.Logger, flags *pflag.FlagSet, addr, clientID, configFile string) (*rpc.Client, error) {
	cfg, err := config.Load(flags, configFile)
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = fmt.Sprintf("nuclide-client-%d", time.Now().UnixNano())
	}

	tlsConfig, err := loadClientTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("loading TLS configuration: %w", err)
	}

	scheme := "ws"
	if tlsConfig != nil {
		scheme = "wss"
	}
	url := fmt.Sprintf("%s://%s/rpc", scheme, addr)

	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = tlsConfig
	conn, err := rpc.DialWebSocket(ctx, url, &dialer, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}

	handshake, err := json.Marshal(clientID)
	if err != nil {
		return nil, err
	}
	if err := conn.WriteFrame(ctx, handshake); err != nil {
		return nil, fmt.Errorf("sending handshake: %w", err)
	}

	session := rpc.NewSession(conn, logrus.NewEntry(log), cfg.OutboundQueueCap)
	registry := rpc.NewRegistry()
	if err := registerClientTypes(registry); err != nil {
		return nil, fmt.Errorf("registering Type Registry entries: %w", err)
	}
	return rpc.NewClient(session, registry, &rpc.ClientOptions{
		RPCTimeout: cfg.RPCTimeout,
		Log:        logrus.NewEntry(log),
	}), nil
}

// registerClientTypes declares this client's Type Registry entries: the
// set of application types its commands decode promise/stream results
// into instead of unmarshaling raw JSON by hand (§4.3, §4.4 "Result
// decoding"). FileSession itself is registered as an interface type so a
// FileStat (or any other declared type) arriving nested inside a future
// call's result could resolve straight to a cached *rpc.Proxy.
func registerClientTypes(registry *rpc.Registry) error {
	if err := registry.RegisterValue("FileStat",
		func(client *rpc.Client, v any) (json.RawMessage, error) { return json.Marshal(v) },
		func(client *rpc.Client, data json.RawMessage) (any, error) {
			var stat services.FileStat
			if err := json.Unmarshal(data, &stat); err != nil {
				return nil, err
			}
			return stat, nil
		}); err != nil {
		return err
	}
	return registry.RegisterInterface("FileSession")
}

func loadClientTLSConfig(cfg config.Config) (*tls.Config, error) {
	if cfg.CAFile == "" {
		return nil, nil
	}
	pool := x509.NewCertPool()
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle: %w", err)
	}
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", cfg.CAFile)
	}
	tlsConfig := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func versionCmd(log *logrus.Logger, addr, clientID, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Call the Version function",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd.Context(), log, cmd.Flags(), *addr, *clientID, *configFile)
			if err != nil {
				return err
			}
			defer client.Close()
			result, err := client.CallFunctionPromise(cmd.Context(), "Version", nil)
			if err != nil {
				return err
			}
			var v string
			if err := json.Unmarshal(result, &v); err != nil {
				return err
			}
			fmt.Println(v)
			return nil
		},
	}
}

func readFileCmd(log *logrus.Logger, addr, clientID, configFile *string) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "read-file <path>",
		Short: "Create a FileSession and read one file through it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd.Context(), log, cmd.Flags(), *addr, *clientID, *configFile)
			if err != nil {
				return err
			}
			defer client.Close()

			rootArg, err := json.Marshal(map[string]string{"root": root})
			if err != nil {
				return err
			}
			session, err := client.CreateObject(cmd.Context(), "FileSession", []json.RawMessage{rootArg})
			if err != nil {
				return fmt.Errorf("creating FileSession: %w", err)
			}
			defer session.Dispose(cmd.Context())

			pathArg, err := json.Marshal(args[0])
			if err != nil {
				return err
			}
			result, err := session.CallPromise(cmd.Context(), "ReadFile", []json.RawMessage{pathArg})
			if err != nil {
				return err
			}
			var content string
			if err := json.Unmarshal(result, &content); err != nil {
				return err
			}
			fmt.Print(content)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "FileSession root directory")
	return cmd
}

func statCmd(log *logrus.Logger, addr, clientID, configFile *string) *cobra.Command {
	var root string
	cmd := &cobra.Command{
		Use:   "stat <path>",
		Short: "Create a FileSession and stat one file through it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd.Context(), log, cmd.Flags(), *addr, *clientID, *configFile)
			if err != nil {
				return err
			}
			defer client.Close()

			rootArg, err := json.Marshal(map[string]string{"root": root})
			if err != nil {
				return err
			}
			session, err := client.CreateObject(cmd.Context(), "FileSession", []json.RawMessage{rootArg})
			if err != nil {
				return fmt.Errorf("creating FileSession: %w", err)
			}
			defer session.Dispose(cmd.Context())

			pathArg, err := json.Marshal(args[0])
			if err != nil {
				return err
			}
			result, err := session.CallPromise(cmd.Context(), "Stat", []json.RawMessage{pathArg})
			if err != nil {
				return err
			}
			decoded, err := client.DecodeResult("FileStat", result)
			if err != nil {
				return fmt.Errorf("decoding FileStat: %w", err)
			}
			stat := decoded.(services.FileStat)
			fmt.Printf("size=%d modTime=%s isDir=%t\n", stat.Size, stat.ModTime.Format(time.RFC3339), stat.IsDir)
			return nil
		},
	}
	cmd.Flags().StringVar(&root, "root", ".", "FileSession root directory")
	return cmd
}

func tailCmd(log *logrus.Logger, addr, clientID, configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <path>",
		Short: "Stream TailLines for a remote file until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := dial(cmd.Context(), log, cmd.Flags(), *addr, *clientID, *configFile)
			if err != nil {
				return err
			}
			defer client.Close()

			pathArg, err := json.Marshal(map[string]string{"path": args[0]})
			if err != nil {
				return err
			}
			sub, err := client.CallFunctionObservable(cmd.Context(), "TailLines", []json.RawMessage{pathArg})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe(cmd.Context())

			for {
				data, ok := sub.Next(cmd.Context())
				if !ok {
					return sub.Err()
				}
				var line string
				if err := json.Unmarshal(data, &line); err != nil {
					return err
				}
				fmt.Println(line)
			}
		},
	}
}
