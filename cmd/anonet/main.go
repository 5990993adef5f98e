// Package main provides the anonet command-line client.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opd-ai/go-tor/pkg/config"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/node"
)

var (
	version   = "0.1.0-dev"
	buildTime = "unknown"
)

// cliOptions collects the global flags shared by every subcommand.
type cliOptions struct {
	configFile string
	dataDir    string
	logLevel   string
}

func main() {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:     "anonet",
		Short:   "Anonymous peer-to-peer file transfer over a Kademlia DHT",
		Version: fmt.Sprintf("%s (built %s)", version, buildTime),
	}
	root.PersistentFlags().StringVar(&opts.configFile, "config", "", "Path to configuration file (anonetrc format)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "Data directory for persistent state (default: auto-detect)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newAnnounceCmd(opts),
		newLookupCmd(opts),
		newSendCmd(opts),
		newRecvCmd(opts),
		newRelayNodeCmd(opts),
		newOnionCmd(opts),
	)

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error onto spec's process exit codes. cobra's own
// usage errors (wrong argument count, unknown flag) never go through
// pkg/errors, so any error that isn't an *errors.AnonetError is
// treated as a usage error.
func exitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	var aerr *anonetErrors.AnonetError
	if stderrors.As(err, &aerr) {
		return anonetErrors.ExitCode(err)
	}
	return 2
}

// loadConfig builds a Config from defaults, an optional config file,
// and the global flag overrides, then initializes a Logger from its
// resolved LogLevel, mirroring the teacher's tor-client flag/config
// precedence.
func loadConfig(opts *cliOptions) (*config.Config, *logger.Logger, error) {
	cfg := config.DefaultConfig()
	if opts.configFile != "" {
		if err := config.LoadFromFile(opts.configFile, cfg); err != nil {
			return nil, nil, anonetErrors.ConfigurationError("anonet: failed to load config file", err)
		}
	}
	if opts.dataDir != "" {
		cfg.DataDirectory = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, anonetErrors.ConfigurationError("anonet: invalid configuration", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, anonetErrors.ConfigurationError("anonet: invalid log level", err)
	}
	log := logger.New(level, os.Stdout)
	return cfg, log, nil
}

// newNode builds the node, wiring the Prometheus metrics endpoint when
// cfg.EnableMetrics is set.
func newNode(cfg *config.Config, log *logger.Logger) (*node.Node, func(), error) {
	n, err := node.New(cfg, log)
	if err != nil {
		return nil, nil, err
	}

	stopMetrics := func() {}
	if cfg.EnableMetrics && cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", n.Metrics().Handler())
		srv := &http.Server{Addr: "127.0.0.1:" + strconv.Itoa(cfg.MetricsPort), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("metrics server stopped unexpectedly", "error", err)
			}
		}()
		log.Info("metrics endpoint listening", "addr", srv.Addr)
		stopMetrics = func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	}

	return n, stopMetrics, nil
}

// signalContext returns a context canceled on SIGINT/SIGTERM, for the
// long-running subcommands (announce, recv, relay-node), mirroring the teacher's
// tor-client signal handling.
func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func newAnnounceCmd(opts *cliOptions) *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Publish this node's identity to the DHT and keep it republished",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, stopMetrics, err := newNode(cfg, log)
			if err != nil {
				return err
			}
			defer n.Close()
			defer stopMetrics()

			ctx, cancel := signalContext()
			defer cancel()

			if displayName == "" {
				displayName = n.Identity().Discriminator
			}
			stopAnnounce, err := n.Announce(ctx, displayName)
			if err != nil {
				return err
			}
			defer stopAnnounce()

			username := n.Identity().Username(displayName)
			fmt.Printf("announced as %s\n", username)
			log.Info("press Ctrl+C to stop announcing")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "name", "", "Display name to announce under (default: identity discriminator)")
	return cmd
}

func newLookupCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <username>",
		Short: "Resolve a username to its current peer announcement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, stopMetrics, err := newNode(cfg, log)
			if err != nil {
				return err
			}
			defer n.Close()
			defer stopMetrics()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			ann, addr, err := n.Lookup(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("username:    %s\n", args[0])
			fmt.Printf("fingerprint: %x\n", ann.Fingerprint)
			fmt.Printf("ports:       %v\n", ann.Ports)
			if addr != nil {
				fmt.Printf("observed at: %s\n", addr.String())
			}
			return nil
		},
	}
	return cmd
}

func newSendCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <username> <path>",
		Short: "Send a file directly to a peer, falling back to relay if unreachable",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, stopMetrics, err := newNode(cfg, log)
			if err != nil {
				return err
			}
			defer n.Close()
			defer stopMetrics()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			if err := n.Send(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("sent %s to %s\n", args[1], args[0])
			return nil
		},
	}
	return cmd
}

func newRecvCmd(opts *cliOptions) *cobra.Command {
	var destDir string
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Wait for one incoming file transfer and write it to a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, stopMetrics, err := newNode(cfg, log)
			if err != nil {
				return err
			}
			defer n.Close()
			defer stopMetrics()

			if destDir == "" {
				destDir = "."
			}
			ctx, cancel := signalContext()
			defer cancel()

			log.Info("waiting for an incoming transfer", "dest", destDir)
			path, err := n.Recv(ctx, destDir)
			if err != nil {
				return err
			}
			fmt.Printf("received %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&destDir, "dest", "", "Destination directory for received files (default: current directory)")
	return cmd
}

func newRelayNodeCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay-node",
		Short: "Run this node as a TCP relay for peers behind symmetric NATs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, stopMetrics, err := newNode(cfg, log)
			if err != nil {
				return err
			}
			defer n.Close()
			defer stopMetrics()

			ctx, cancel := signalContext()
			defer cancel()

			log.Info("press Ctrl+C to stop")
			return n.RelayNode(ctx)
		},
	}
	return cmd
}

func newOnionCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "onion <username> <path>",
		Short: "Send a file to a peer, routed through a local 3-hop onion circuit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(opts)
			if err != nil {
				return err
			}
			n, stopMetrics, err := newNode(cfg, log)
			if err != nil {
				return err
			}
			defer n.Close()
			defer stopMetrics()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			if err := n.SendFileOnion(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("sent %s to %s via onion circuit\n", args[1], args[0])
			return nil
		},
	}
	return cmd
}
