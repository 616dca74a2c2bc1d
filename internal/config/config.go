// Copyright 2026 The Nuclide RPC Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config loads nuclide-server/nuclide-client settings with the
// precedence flags > environment variables (NUCLIDE_*) > an optional YAML
// file > compiled-in defaults (§6).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every setting a nuclide-server or nuclide-client process
// needs; cmd/nuclide-client loads the same defaults and ignores the
// server-only fields.
type Config struct {
	Port              int           `yaml:"port"`
	KeyFile           string        `yaml:"key"`
	CertFile          string        `yaml:"cert"`
	CAFile            string        `yaml:"ca"`
	RPCTimeout        time.Duration `yaml:"rpcTimeout"`
	TrackEventLoop    bool          `yaml:"trackEventLoop"`
	ClientIdleTimeout time.Duration `yaml:"clientIdleTimeout"`
	OutboundQueueCap  int           `yaml:"outboundQueueCap"`
	// RequireLoopbackForPlaintext rejects non-TLS /rpc connections from
	// non-loopback addresses; disable only for trusted private networks.
	RequireLoopbackForPlaintext bool `yaml:"requireLoopbackForPlaintext"`
}

// Defaults returns the compiled-in baseline every other source overrides.
func Defaults() Config {
	return Config{
		Port:              9090,
		RPCTimeout:        30 * time.Second,
		ClientIdleTimeout: 5 * time.Minute,
		OutboundQueueCap:  4096,

		RequireLoopbackForPlaintext: true,
	}
}

// Load resolves a Config from, in increasing priority: compiled-in
// defaults, an optional YAML file at filePath (skipped if empty or
// missing), NUCLIDE_* environment variables, and finally flags already
// parsed onto fs.
func Load(fs *pflag.FlagSet, filePath string) (Config, error) {
	cfg := Defaults()

	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file %s: %w", filePath, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", filePath, err)
		}
	}

	applyEnv(&cfg)

	if fs != nil {
		applyFlags(&cfg, fs)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("NUCLIDE_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v, ok := os.LookupEnv("NUCLIDE_KEY"); ok {
		cfg.KeyFile = v
	}
	if v, ok := os.LookupEnv("NUCLIDE_CERT"); ok {
		cfg.CertFile = v
	}
	if v, ok := os.LookupEnv("NUCLIDE_CA"); ok {
		cfg.CAFile = v
	}
	if v, ok := os.LookupEnv("NUCLIDE_RPC_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RPCTimeout = d
		}
	}
	if v, ok := os.LookupEnv("NUCLIDE_TRACK_EVENT_LOOP"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.TrackEventLoop = b
		}
	}
	if v, ok := os.LookupEnv("NUCLIDE_CLIENT_IDLE_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ClientIdleTimeout = d
		}
	}
	if v, ok := os.LookupEnv("NUCLIDE_OUTBOUND_QUEUE_CAP"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OutboundQueueCap = n
		}
	}
	if v, ok := os.LookupEnv("NUCLIDE_REQUIRE_LOOPBACK_FOR_PLAINTEXT"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RequireLoopbackForPlaintext = b
		}
	}
}

// applyFlags overrides cfg with any flag the caller explicitly set on the
// command line; flags left at their default are not applied, so that env
// and file values underneath them are not clobbered.
func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port, _ = fs.GetInt("port")
		case "key":
			cfg.KeyFile, _ = fs.GetString("key")
		case "cert":
			cfg.CertFile, _ = fs.GetString("cert")
		case "ca":
			cfg.CAFile, _ = fs.GetString("ca")
		case "rpc-timeout":
			cfg.RPCTimeout, _ = fs.GetDuration("rpc-timeout")
		case "track-event-loop":
			cfg.TrackEventLoop, _ = fs.GetBool("track-event-loop")
		case "client-idle-timeout":
			cfg.ClientIdleTimeout, _ = fs.GetDuration("client-idle-timeout")
		case "outbound-queue-cap":
			cfg.OutboundQueueCap, _ = fs.GetInt("outbound-queue-cap")
		case "require-loopback-for-plaintext":
			cfg.RequireLoopbackForPlaintext, _ = fs.GetBool("require-loopback-for-plaintext")
		}
	})
}

// RegisterFlags installs the standard flag set onto fs with cfg's current
// values (ordinarily Defaults()) as their displayed defaults.
func RegisterFlags(fs *pflag.FlagSet, cfg Config) {
	fs.Int("port", cfg.Port, "TCP port to listen on")
	fs.String("key", cfg.KeyFile, "TLS private key file")
	fs.String("cert", cfg.CertFile, "TLS certificate file")
	fs.String("ca", cfg.CAFile, "CA bundle for verifying client certificates")
	fs.Duration("rpc-timeout", cfg.RPCTimeout, "timeout for promise calls")
	fs.Bool("track-event-loop", cfg.TrackEventLoop, "log a warning when dispatch handling is slow")
	fs.Duration("client-idle-timeout", cfg.ClientIdleTimeout, "how long a detached client session is retained")
	fs.Int("outbound-queue-cap", cfg.OutboundQueueCap, "capacity of each session's outbound frame queue")
	fs.Bool("require-loopback-for-plaintext", cfg.RequireLoopbackForPlaintext, "reject non-TLS /rpc connections from non-loopback addresses")
}
