// Command dlmd is the distributed lock manager daemon: it joins one
// or more named lockspaces (spec §4.7), serves remote lock traffic
// over pkg/transport, and exposes pkg/api's status/metrics/debug-dump
// endpoint for operators.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/dlmd/pkg/api"
	"github.com/cuemby/dlmd/pkg/debugbuf"
	"github.com/cuemby/dlmd/pkg/lockspace"
	"github.com/cuemby/dlmd/pkg/log"
	"github.com/cuemby/dlmd/pkg/membership"
	"github.com/cuemby/dlmd/pkg/metrics"
	"github.com/cuemby/dlmd/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "dlmd",
	Short:   "dlmd - distributed lock manager daemon",
	Version: Version,
	RunE:    runDaemon,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("dlmd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("node-id", "", "this node's address/identity within its lockspaces (required)")
	rootCmd.Flags().String("bind-addr", "0.0.0.0:7272", "address the lock transport listens on")
	rootCmd.Flags().String("api-addr", "0.0.0.0:7275", "address the status/metrics/debug endpoint listens on")
	rootCmd.Flags().String("transport", "tcp", "lock transport: tcp or nats")
	rootCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS broker URL, when --transport=nats")
	rootCmd.Flags().StringArray("lockspace", nil, "name=peer1,peer2,... lockspace to join at startup; may repeat")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

func runDaemon(cmd *cobra.Command, args []string) error {
	selfAddr, _ := cmd.Flags().GetString("node-id")
	if selfAddr == "" {
		return fmt.Errorf("--node-id is required")
	}
	bindAddr, _ := cmd.Flags().GetString("bind-addr")
	apiAddr, _ := cmd.Flags().GetString("api-addr")
	transportKind, _ := cmd.Flags().GetString("transport")
	natsURL, _ := cmd.Flags().GetString("nats-url")
	lockspaceSpecs, _ := cmd.Flags().GetStringArray("lockspace")

	logger := log.WithComponent("dlmd")
	metrics.SetVersion(Version)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := lockspace.NewRegistry()

	tr, closeTransport, err := buildTransport(ctx, transportKind, bindAddr, selfAddr, natsURL, registry)
	if err != nil {
		return err
	}
	defer closeTransport()
	metrics.RegisterComponent("transport", true, "")

	collector := metrics.NewCollector(registry)
	collector.Start()
	defer collector.Stop()

	var stopSinks []func()
	defer func() {
		for _, stop := range stopSinks {
			stop()
		}
	}()

	for _, spec := range lockspaceSpecs {
		name, peers := parseLockspaceSpec(spec)
		ls, err := joinLockspace(ctx, registry, tr, selfAddr, name, peers)
		if err != nil {
			return fmt.Errorf("joining lockspace %q: %w", name, err)
		}
		stopSinks = append(stopSinks, metrics.SubscribeBroker(ls.Events))
		stopSinks = append(stopSinks, debugbuf.Default.SubscribeBroker(ls.Name, ls.Events))
		logger.Info().Str("lockspace", name).Msg("joined lockspace at startup")
	}
	metrics.RegisterComponent("membership", true, "")

	srv := api.NewServer(registry, debugbuf.Default, tr, selfAddr)
	metrics.RegisterComponent("api", true, "")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(apiAddr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildTransport(ctx context.Context, kind, bindAddr, selfAddr, natsURL string, registry *lockspace.Registry) (transport.Transport, func(), error) {
	switch kind {
	case "nats":
		tr, err := transport.NewNATS(natsURL, selfAddr, transport.DefaultRetryPolicy)
		if err != nil {
			return nil, nil, fmt.Errorf("nats transport: %w", err)
		}
		return tr, func() { _ = tr.Close() }, nil
	case "tcp":
		tr := transport.NewTCP(transport.DefaultRetryPolicy)
		if err := tr.Listen(ctx, bindAddr); err != nil {
			return nil, nil, fmt.Errorf("tcp transport: %w", err)
		}
		go acceptLoop(ctx, tr, registry)
		return tr, func() { _ = tr.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (want tcp or nats)", kind)
	}
}

// acceptLoop demultiplexes one shared TCP listener across every
// lockspace this node has joined: it reads the first wire message off
// each inbound connection, looks its LockspaceID up in registry, and
// hands the channel (plus that already-read message) to the matching
// dispatcher via AdoptWithFirst.
func acceptLoop(ctx context.Context, tr *transport.TCPTransport, registry *lockspace.Registry) {
	logger := log.WithComponent("dlmd.accept")
	for {
		ch, err := tr.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		go routeInbound(ctx, ch, registry, logger)
	}
}

func routeInbound(ctx context.Context, ch transport.Channel, registry *lockspace.Registry, logger zerolog.Logger) {
	first, err := ch.Receive(ctx)
	if err != nil {
		logger.Warn().Err(err).Str("peer", ch.Peer()).Msg("inbound connection closed before first message")
		_ = ch.Close()
		return
	}
	ls, ok := registry.FindByLocalID(first.LockspaceID)
	if !ok {
		logger.Warn().Uint32("lockspace_id", first.LockspaceID).Msg("inbound message for unknown lockspace")
		_ = ch.Close()
		return
	}
	ls.Dispatch.AdoptWithFirst(ch, first)
}

func joinLockspace(ctx context.Context, registry *lockspace.Registry, tr transport.Transport, selfAddr, name string, peers []string) (*lockspace.Lockspace, error) {
	candidates := make([]membership.CSB, len(peers))
	for i, addr := range peers {
		candidates[i] = membership.CSB{NodeID: uint32(i + 1), Addr: addr}
	}
	src := membership.NewPoll(membership.CSB{Addr: selfAddr}, candidates, 2*time.Second)

	return registry.Join(ctx, name, selfAddr, tr, src, lockspace.JoinOptions{})
}

func parseLockspaceSpec(spec string) (name string, peers []string) {
	parts := strings.SplitN(spec, "=", 2)
	name = parts[0]
	if len(parts) == 2 && parts[1] != "" {
		peers = strings.Split(parts[1], ",")
	}
	return name, peers
}
