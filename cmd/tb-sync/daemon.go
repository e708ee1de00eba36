package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/trailbook/trailbook/internal/config"
	"github.com/trailbook/trailbook/internal/daemon"
	"github.com/trailbook/trailbook/internal/dashboard"
	"github.com/trailbook/trailbook/internal/netgate"
	"github.com/trailbook/trailbook/internal/ui"
	"gopkg.in/natefinch/lumberjack.v2"
)

var daemonForeground bool

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine in the background",
	Long: `Run the sync engine as a long-lived process.

The daemon watches the local database for mutations and syncs after a
short debounce, plus on a fixed interval so remote-only changes arrive.
Transfer-policy edits in the config file take effect without a restart.

With dashboard.enabled, a WebSocket server broadcasts live sync events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, err := buildEngine(nil, true)
		if err != nil {
			return err
		}
		defer eng.Close()

		return runDaemon(eng)
	},
}

func init() {
	daemonCmd.Flags().BoolVar(&daemonForeground, "foreground", false,
		"log to stderr instead of the rotating log file")
}

func runDaemon(eng *engine) error {
	// Unless --foreground is set, output goes to a size-rotated log file
	// so a long-running daemon never fills the disk.
	logOut := io.Writer(os.Stderr)
	if !daemonForeground && eng.cfg.Log.File != "" {
		logOut = &lumberjack.Logger{
			Filename:   eng.cfg.Log.File,
			MaxSize:    eng.cfg.Log.MaxSizeMB,
			MaxBackups: eng.cfg.Log.MaxBackups,
			MaxAge:     eng.cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}
	logger := log.New(logOut, "[tb-sync] ", log.LstdFlags)

	// Transfer-policy edits take effect on the next gate check.
	eng.loader.Watch(func(cfg *config.Config) {
		eng.gate.SetPolicy(netgate.Policy{
			WiFiOnly:     cfg.Network.WiFiOnly,
			AvoidMetered: cfg.Network.AvoidMetered,
		})
		logger.Printf("Config reloaded: wifi_only=%v avoid_metered=%v",
			cfg.Network.WiFiOnly, cfg.Network.AvoidMetered)
	}, func(err error) {
		logger.Printf("Config reload rejected: %v", err)
	})

	d, err := daemon.New(eng.orch, eng.cfg.Database, &daemon.Config{
		Interval: eng.cfg.Sync.Interval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	if eng.cfg.Dashboard.Enabled {
		srv := dashboard.NewServer(&dashboard.Config{
			Port:   eng.cfg.Dashboard.Port,
			Logger: logger,
		})
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			if err := srv.Stop(); err != nil {
				logger.Printf("Dashboard stop error: %v", err)
			}
		}()

		events, unsubscribe := eng.orch.Subscribe()
		defer unsubscribe()
		go srv.Watch(events)

		fmt.Printf("%s Dashboard at http://localhost:%d\n",
			ui.RenderAccent("▣"), eng.cfg.Dashboard.Port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("%s Daemon running (interval %v), Ctrl-C to stop\n",
		ui.RenderAccent("⇅"), eng.cfg.Sync.Interval)

	return d.Start(ctx)
}
