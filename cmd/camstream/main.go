package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	camstream "github.com/timelapser/camstream"
)

var version = camstream.Version

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by all commands.
type GlobalFlags struct {
	ConfigPath string
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}

	root := &cobra.Command{
		Use:   "camstream",
		Short: "RTSP camera to HLS browser-preview backend",
		Long: `Camstream connects to an RTSP camera, transcodes its feed into a
rolling HLS window and serves it over HTTP for in-browser preview.

Examples:
  camstream serve                       # Start with built-in defaults
  camstream serve --config=config.toml  # Start with a config file
  camstream serve config.toml           # Same, positional`,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createServeCommand(flags),
		createVersionCommand(),
	)
	return root
}

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the camstream server",
		Long: `Start the HTTP server and the streaming session core. Without a
config file, built-in defaults apply (listen :8000, base path /api).
Environment variables with the CAMSTREAM_ prefix override file values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := flags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			return runServe(configPath)
		},
	}
}

func createVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the camstream version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("camstream", version)
		},
	}
}

func runServe(configPath string) error {
	cfg, err := camstream.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := camstream.RegisterMetricsDefault(); err != nil {
		fmt.Printf("Warning: failed to register metrics: %v\n", err)
	}

	app, err := camstream.New(cfg)
	if err != nil {
		return err
	}
	app.Start()
	fmt.Printf("Starting camstream server on %s%s\n", cfg.Server.Listen, cfg.Server.BasePath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return app.Shutdown(ctx)
}
