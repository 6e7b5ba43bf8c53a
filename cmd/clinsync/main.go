package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clinsync/clinsync/internal/queue"
	"github.com/clinsync/clinsync/internal/store"
	"github.com/clinsync/clinsync/internal/syncer"
	"github.com/clinsync/clinsync/internal/transport"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "clinsync",
	Short: "Offline-first patient record sync",
	Long: `clinsync keeps a practitioner's patient records on device and
reconciles them with the practice server whenever a connection is
available. All reads and writes hit the local database; sync runs
in the background or on demand.`,
	SilenceUsage: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.clinsync.yaml)")
	rootCmd.PersistentFlags().String("db", "", "local database path (default $HOME/.clinsync/clinsync.db)")
	rootCmd.PersistentFlags().String("server", "", "sync server base URL")
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("server_url", rootCmd.PersistentFlags().Lookup("server"))

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Record commands:"},
		&cobra.Group{ID: "sync", Title: "Sync commands:"},
		&cobra.Group{ID: "server", Title: "Server commands:"},
	)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".clinsync")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("CLINSYNC")
	viper.AutomaticEnv()

	viper.SetDefault("server_url", "http://localhost:8484")

	// Missing config file is fine; flags, env and defaults still apply.
	_ = viper.ReadInConfig()
}

func defaultDBPath() string {
	if p := viper.GetString("db"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "clinsync.db"
	}
	return filepath.Join(home, ".clinsync", "clinsync.db")
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".clinsync.yaml"
	}
	return filepath.Join(home, ".clinsync.yaml")
}

// openStore opens (and if needed initializes) the local database.
func openStore() *store.Store {
	path := defaultDBPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database: %v\n", err)
		os.Exit(1)
	}
	if err := st.InitSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing schema: %v\n", err)
		os.Exit(1)
	}
	return st
}

// requireOwner returns the signed-in practitioner ID or exits.
func requireOwner() string {
	owner := viper.GetString("owner")
	if owner == "" {
		fmt.Fprintf(os.Stderr, "Error: not logged in (run 'clinsync login')\n")
		os.Exit(1)
	}
	return owner
}

// newEngine wires a sync engine over the open store using the
// configured server URL and token.
func newEngine(st *store.Store, logger *log.Logger) *syncer.Engine {
	token := viper.GetString("token")
	if token == "" {
		fmt.Fprintf(os.Stderr, "Error: no access token configured (run 'clinsync login')\n")
		os.Exit(1)
	}

	client, err := transport.New(transport.Config{
		BaseURL: viper.GetString("server_url"),
		Tokens:  transport.StaticToken(token),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating transport: %v\n", err)
		os.Exit(1)
	}

	return syncer.New(st, queue.New(st.RawDB()), client, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
