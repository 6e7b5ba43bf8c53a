package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clinsync/clinsync/internal/daemon"
	"github.com/clinsync/clinsync/internal/monitor"
	"github.com/clinsync/clinsync/internal/session"
	"github.com/clinsync/clinsync/internal/syncer"
	"github.com/clinsync/clinsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "sync",
	Short:   "Sign in and store credentials",
	Long: `Prompt for the practitioner ID and access token and save them to
the config file. Records already cached locally are kept.`,
	Run: func(cmd *cobra.Command, args []string) {
		owner := viper.GetString("owner")
		var token string

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Practitioner ID").
					Value(&owner).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("practitioner ID is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Access token").
					EchoMode(huh.EchoModePassword).
					Value(&token).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("access token is required")
						}
						return nil
					}),
			),
		)
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Login cancelled: %v\n", err)
			os.Exit(1)
		}

		viper.Set("owner", owner)
		viper.Set("token", token)
		if err := viper.WriteConfigAs(configPath()); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Logged in as %s\n", ui.RenderSuccess("✓"), owner)
	},
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "sync",
	Short:   "Sign out and purge cached records",
	Long: `Remove the stored credentials, purge all locally cached records and
reset the sync watermark. Every cleanup step is attempted even if an
earlier one fails; failures are reported, not swallowed.`,
	Run: func(cmd *cobra.Command, args []string) {
		owner := requireOwner()
		st := openStore()
		defer st.Close()

		sess := session.New(owner, viper.GetString("token"), st, nil)
		sess.AddCleanup("remove stored credentials", func(ctx context.Context) error {
			viper.Set("owner", "")
			viper.Set("token", "")
			return viper.WriteConfigAs(configPath())
		})

		if err := sess.Logout(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderError("✗"), err)
			os.Exit(1)
		}

		fmt.Printf("%s Logged out, local cache purged\n", ui.RenderSuccess("✓"))
	},
}

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one push-then-pull sync cycle",
	Run: func(cmd *cobra.Command, args []string) {
		requireOwner()
		st := openStore()
		defer st.Close()

		engine := newEngine(st, nil)

		fmt.Printf("%s Syncing...\n", ui.RenderAccent("🔄"))
		start := time.Now()

		result, err := engine.Sync(context.Background())
		if err != nil {
			switch {
			case errors.Is(err, syncer.ErrAuth):
				fmt.Fprintf(os.Stderr, "%s Authentication failed, run 'clinsync login'\n",
					ui.RenderError("✗"))
			case errors.Is(err, syncer.ErrNetwork):
				fmt.Fprintf(os.Stderr, "%s Server unreachable, changes stay queued: %v\n",
					ui.RenderWarn("⚠"), err)
			default:
				fmt.Fprintf(os.Stderr, "%s Sync failed: %v\n", ui.RenderError("✗"), err)
			}
			os.Exit(1)
		}

		fmt.Printf("%s Sync complete in %v\n", ui.RenderSuccess("✓"),
			time.Since(start).Round(time.Millisecond))
		fmt.Printf("   Pushed: %d\n", result.Pushed)
		fmt.Printf("   Pulled: %d\n", result.Pulled)
		if result.ConflictsDropped > 0 {
			fmt.Printf("   Remote changes deferred to local edits: %d\n", result.ConflictsDropped)
		}
		for _, r := range result.Rejected {
			fmt.Printf("   %s %v\n", ui.RenderWarn("⚠ rejected:"), r)
		}
	},
}

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run background auto-sync (foreground process)",
	Long: `Sync on a fixed interval until interrupted. With --monitor, a
WebSocket activity feed is served for dev tooling.

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		requireOwner()
		st := openStore()
		defer st.Close()

		engine := newEngine(st, nil)

		monitorPort, _ := cmd.Flags().GetInt("monitor")
		if monitorPort > 0 {
			mon := monitor.NewServer(&monitor.Config{Port: monitorPort})
			if err := mon.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting monitor: %v\n", err)
				os.Exit(1)
			}
			defer mon.Stop()
			engine.SetHooks(mon.Hooks())
			fmt.Printf("%s Monitor feed at ws://%s/ws\n", ui.RenderAccent("📡"), mon.Addr())
		}

		interval, _ := cmd.Flags().GetDuration("interval")
		logFile, _ := cmd.Flags().GetString("log-file")

		cfg := daemon.DefaultConfig()
		if interval > 0 {
			cfg.Interval = interval
		}
		cfg.LogFile = logFile

		d := daemon.New(engine, cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("%s Auto-sync every %s (Ctrl+C to stop)\n", ui.RenderAccent("🚀"), cfg.Interval)
		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	daemonCmd.Flags().Duration("interval", 0, "sync interval (default 30s)")
	daemonCmd.Flags().String("log-file", "", "rotating log file (default stderr)")
	daemonCmd.Flags().Int("monitor", 0, "serve the monitor WebSocket feed on this port (0 = off)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(daemonCmd)
}
