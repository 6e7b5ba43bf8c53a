package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clinsync/clinsync/internal/server"
	"github.com/clinsync/clinsync/internal/ui"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Run the sync server",
	Long: `Run the practice sync server. Devices push their queued changes and
pull everything newer than their watermark; the server assigns
canonical patient IDs and keeps tombstones so deletes propagate.`,
	Run: func(cmd *cobra.Command, args []string) {
		dbPath, _ := cmd.Flags().GetString("data")
		port, _ := cmd.Flags().GetInt("port")

		db, err := server.OpenDB(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening server database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		if err := db.InitSchema(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}

		srv := server.NewServer(db, &server.Config{Port: port})
		if err := srv.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync server listening on %s\n", ui.RenderAccent("🚀"), srv.Addr())
		fmt.Printf("   Data: %s\n", dbPath)
		fmt.Printf("\nPress Ctrl+C to stop\n")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		if err := srv.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
			os.Exit(1)
		}
	},
}

var serveTokenCmd = &cobra.Command{
	Use:   "token <token> <owner-id>",
	Short: "Register an access token for a practitioner",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		dbPath, _ := cmd.Flags().GetString("data")

		db, err := server.OpenDB(dbPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening server database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		ctx := context.Background()
		if err := db.InitSchema(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
			os.Exit(1)
		}
		if err := db.RegisterToken(ctx, args[0], args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "Error registering token: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Token registered for %s\n", ui.RenderSuccess("✓"), args[1])
	},
}

func init() {
	serveCmd.PersistentFlags().String("data", "clinsync-server.db", "server database path")
	serveCmd.Flags().Int("port", 8484, "listen port")

	serveCmd.AddCommand(serveTokenCmd)
	rootCmd.AddCommand(serveCmd)
}
