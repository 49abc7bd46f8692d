package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lunamoth/lunamoth/internal/channels"
	"github.com/lunamoth/lunamoth/internal/config"
	"github.com/lunamoth/lunamoth/internal/container"
	"github.com/lunamoth/lunamoth/internal/cron"
)

var (
	gatewayPort        int
	gatewayVerbose     bool
	gatewayInteractive bool
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the lunamoth gateway server",
	RunE:  runGateway,
}

func init() {
	gatewayCmd.Flags().IntVarP(&gatewayPort, "port", "p", 0, "WebSocket console port (overrides config)")
	gatewayCmd.Flags().BoolVarP(&gatewayVerbose, "verbose", "v", false, "Verbose logging")
	gatewayCmd.Flags().BoolVarP(&gatewayInteractive, "interactive", "i", false, "Also serve a CLI prompt on this terminal")
}

func runGateway(_ *cobra.Command, _ []string) error {
	if gatewayVerbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if gatewayPort > 0 {
		cfg.Channels.WebSocket.Port = gatewayPort
	}

	c, err := container.New(cfg)
	if err != nil {
		return err
	}

	// A broken job store takes out the scheduler, not the runtime: chat,
	// heartbeat and reflection keep working while the user repairs the file.
	schedulerUp := loadScheduler(c.Scheduler())

	fmt.Printf("%s Starting lunamoth gateway...\n", logo)

	// Graceful shutdown context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	channelMgr := channels.NewManager(cfg, c.Bus(), gatewayInteractive)
	if enabled := channelMgr.EnabledChannels(); len(enabled) > 0 {
		fmt.Printf("✓ Channels enabled: %s\n", strings.Join(enabled, ", "))
	} else {
		fmt.Println("Warning: no channels enabled")
	}

	g.Go(func() error { return c.Bus().Run(gctx) })
	if schedulerUp {
		g.Go(func() error { return c.Scheduler().Run(gctx) })
	}
	g.Go(func() error { return c.Heartbeat().Start(gctx) })
	g.Go(func() error { return channelMgr.StartAll(gctx) })
	if se := c.SelfAgent(); se != nil {
		g.Go(func() error { return se.Start(gctx) })
	}

	fmt.Printf("%s Gateway running. Press Ctrl+C to stop.\n", logo)

	if err := g.Wait(); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "gateway error: %v\n", err)
		return err
	}
	fmt.Println("\nShutdown complete.")
	return nil
}

// loadScheduler loads the durable job store. A persistence failure disables
// scheduling for this run but must not stop the rest of the runtime.
func loadScheduler(s *cron.Scheduler) bool {
	if err := s.Load(); err != nil {
		slog.Error("gateway: cron store failed to load, scheduler disabled", "err", err)
		fmt.Fprintf(os.Stderr, "Warning: scheduler disabled: %v\n", err)
		return false
	}
	return true
}
