package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"pidgeon-dvm/internal/bootstrap"
	"pidgeon-dvm/internal/config"
	"pidgeon-dvm/internal/logging"
	"pidgeon-dvm/internal/nostr"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pidgeon-dvm",
	Short: "Privacy-preserving scheduled publishing for Nostr",
	Long: `pidgeon-dvm holds pre-signed notes and pre-sealed DMs and publishes
them at their scheduled time, keeping an encrypted per-user mailbox
ledger on the DVM relays so clients can see queue and history without
the service ever reading their content.

Configuration comes from the environment (optionally a .env file);
flags override. See DVM_SECRET, DVM_RELAYS and friends.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.String("secret", "", "service private key, 64-char hex or nsec")
	f.String("name", "", "service display name")
	f.String("about", "", "service profile about text")
	f.String("picture", "", "service profile picture URL")
	f.StringArray("relay", nil, "DVM relay URL (repeatable)")
	f.StringArray("indexer-relay", nil, "indexer relay URL for lookups (repeatable)")
	f.StringArray("publish-relay", nil, "default publish relay URL (repeatable)")
	f.String("data-dir", "", "directory for jobs.db and app.db")
	f.String("log-level", "", "debug, info, warn or error")
	f.Bool("loadtest", false, "permit localhost relays and plain-http endpoints")
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:      logging.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()

	if v, _ := f.GetString("secret"); v != "" {
		raw, err := nostr.ParseSecretKey(v)
		if err != nil {
			return fmt.Errorf("--secret: %w", err)
		}
		cfg.Secret = raw
	}
	if v, _ := f.GetString("name"); v != "" {
		cfg.Name = v
	}
	if v, _ := f.GetString("about"); v != "" {
		cfg.About = v
	}
	if v, _ := f.GetString("picture"); v != "" {
		cfg.Picture = v
	}
	if v, _ := f.GetStringArray("relay"); len(v) > 0 {
		cfg.Relays = v
	}
	if v, _ := f.GetStringArray("indexer-relay"); len(v) > 0 {
		cfg.IndexerRelays = v
	}
	if v, _ := f.GetStringArray("publish-relay"); len(v) > 0 {
		cfg.PublishRelays = v
	}
	if v, _ := f.GetString("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v, _ := f.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := f.GetBool("loadtest"); v {
		cfg.Loadtest = true
	}
	return nil
}
