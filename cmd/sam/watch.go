package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sdxl-assets/sam/internal/config"
	"github.com/sdxl-assets/sam/internal/daemon"
	"github.com/sdxl-assets/sam/internal/dashboard"
	"github.com/sdxl-assets/sam/internal/sync"
	"github.com/sdxl-assets/sam/internal/ui"
)

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run sync passes on an interval",
	Long: `Run a sync pass now and then every --interval until interrupted.

Sync stays batch based: each pass compares full snapshots of both sides,
nothing reacts to individual edits. A pass that finds another pass running
(for example a manual 'sam sync run') is skipped.

Edits to sync.policy and sync.interval in the config file take effect from
the next pass without a restart.

With --dashboard (or dashboard.addr in the config) pass progress is
streamed to WebSocket clients:
  ws://<addr>/ws      phase, record and pass_finished messages
  http://<addr>/      minimal live view
  http://<addr>/health`,
	Run: func(cmd *cobra.Command, args []string) {
		policy, direction := passFlags(cmd)
		if policy == "" {
			policy = sync.Policy(cfg.Sync.Policy)
		}
		interval := cfg.Sync.Interval
		if cmd.Flags().Changed("interval") {
			interval, _ = cmd.Flags().GetDuration("interval")
		}
		addr := cfg.Dashboard.Addr
		if cmd.Flags().Changed("dashboard") {
			addr, _ = cmd.Flags().GetString("dashboard")
		}

		store := openDB()
		defer store.Close()

		var observer sync.Observer
		var server *dashboard.Server
		if addr != "" {
			server = dashboard.NewServer(&dashboard.Config{Addr: addr, Logger: logs.Logger("dashboard")})
			if err := server.Start(); err != nil {
				fail("starting dashboard", err)
			}
			defer server.Stop()
			observer = dashboard.NewHandler(server, logs.Logger("dashboard"))
			fmt.Printf("%s Dashboard on http://%s (WebSocket ws://%s/ws)\n",
				ui.RenderAccent("📡"), server.Addr(), server.Addr())
		}

		engine := newEngine(store, engineOptions{direction: direction, observer: observer})
		d, err := daemon.New(engine, &daemon.Config{
			Interval: interval,
			Policy:   policy,
			Logger:   logs.Logger("watch"),
		})
		if err != nil {
			fail("creating watcher", err)
		}

		// Flags win over the file, so only follow settings left to it.
		followPolicy := !cmd.Flags().Changed("policy")
		followInterval := !cmd.Flags().Changed("interval")
		if cfg.File != "" {
			config.Watch(v, func(c *config.Config, err error) {
				if err != nil {
					logs.Logger("watch").Printf("WARNING: ignoring config change: %v", err)
					return
				}
				if followPolicy {
					p, _ := sync.ParsePolicy(c.Sync.Policy)
					d.SetPolicy(p)
				}
				if followInterval && c.Sync.Interval > 0 {
					_ = d.SetInterval(c.Sync.Interval)
				}
			})
		}

		fmt.Printf("%s Watching every %s with policy %s (Ctrl+C to stop)\n",
			ui.RenderAccent("🔄"), interval, d.Policy())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Watcher stopped with error: %v\n", err)
			os.Exit(1)
		}
		st := d.Stats()
		fmt.Printf("%s Stopped after %d pass(es), %d failed, %d skipped\n",
			ui.RenderPass("✓"), st.Passes, st.Failed, st.Skipped)
	},
}

func init() {
	syncWatchCmd.Flags().StringP("policy", "p", "", "conflict policy (default from config, follows config edits)")
	syncWatchCmd.Flags().StringP("direction", "d", "", "which side may be written: both, pull, push")
	syncWatchCmd.Flags().Duration("interval", 0, "time between passes (default from config)")
	syncWatchCmd.Flags().String("dashboard", "", "serve the live dashboard on this address, e.g. 127.0.0.1:7777")

	syncCmd.AddCommand(syncWatchCmd)
}
