// Muxgate — browser-reachable remote-access gateway.
//
// It terminates WebSocket and WebRTC attachments from browsers, multiplexes
// logical TCP connections and UDP datagrams over each attachment, and
// enforces a destination policy before anything is dialed. Configuration
// comes from the environment; see internal/config for the variable names.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/muxgate/muxgate/internal/config"
	"github.com/muxgate/muxgate/internal/policy"
	"github.com/muxgate/muxgate/internal/server"
	"github.com/muxgate/muxgate/internal/util"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Flags override their env counterparts.
	listenFlag := flag.String("listen", "", "Listen address (overrides "+config.EnvListenAddr+")")
	logLevelFlag := flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFileFlag := flag.String("log-file", "", "Log to a rotating file instead of stderr")
	policyFileFlag := flag.String("policy-file", "", "YAML destination policy rule file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("configuration: %v", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.ListenAddr = *listenFlag
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	if *logFileFlag != "" {
		cfg.LogFile = *logFileFlag
	}
	if *policyFileFlag != "" {
		cfg.PolicyFile = *policyFileFlag
	}

	util.SetLogLevel(cfg.LogLevel)
	if cfg.LogFile != "" {
		util.SetLogFile(cfg.LogFile)
	} else {
		pterm.Info.Println(fmt.Sprintf("Muxgate — v%s", version))
	}

	store, err := buildPolicyStore(ctx, cfg)
	if err != nil {
		util.LogError("destination policy: %v", err)
		os.Exit(1)
	}

	util.StartStatsReporter(ctx)

	if err := server.New(cfg, store).ListenAndServe(ctx); err != nil {
		util.LogError("server: %v", err)
		os.Exit(1)
	}
	util.LogInfo("shutdown complete")
}

// buildPolicyStore assembles the destination policy. A rule file, when
// configured, overrides the environment rules and is hot-reloaded on
// change.
func buildPolicyStore(ctx context.Context, cfg config.Config) (*policy.Store, error) {
	pc := cfg.Policy
	if cfg.PolicyFile != "" {
		var err error
		if pc, err = policy.LoadFile(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	p, err := pc.Build()
	if err != nil {
		return nil, err
	}
	store := policy.NewStore(p)
	if cfg.PolicyFile != "" {
		if err := store.Watch(ctx, cfg.PolicyFile); err != nil {
			return nil, fmt.Errorf("watch %s: %w", cfg.PolicyFile, err)
		}
		util.LogInfo("watching policy file %s", cfg.PolicyFile)
	}
	return store, nil
}
