package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	serverrun "github.com/scanq/scanq/internal/cmd/server"
	cfgpkg "github.com/scanq/scanq/internal/config"
	pebblestore "github.com/scanq/scanq/internal/storage/pebble"
	logpkg "github.com/scanq/scanq/pkg/log"
)

func main() {
	// Local overrides from .env, if present.
	_ = godotenv.Load()

	level := os.Getenv("SCANQ_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "scanq",
		Short: "scanq node CLI",
		Long:  "scanq is the scan admission and job pipeline node. This CLI manages the server and basic operations.",
	}

	// server start
	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the scanq server (HTTP API and workers)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			configPath, _ := cmd.Flags().GetString("config")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			fsyncIntervalMs, _ := cmd.Flags().GetInt("fsync-interval-ms")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			case "always":
				mode = pebblestore.FsyncModeAlways
			default:
				return fmt.Errorf("invalid --fsync; use always|interval|never")
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cfg := cfgpkg.Default()
			if configPath != "" {
				loaded, err := cfgpkg.Load(configPath)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = loaded
			}
			cfgpkg.FromEnv(&cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if logLevel != "" {
				_ = os.Setenv("SCANQ_LOG_LEVEL", logLevel)
			}
			if logFormat != "" {
				_ = os.Setenv("SCANQ_LOG_FORMAT", logFormat)
			}
			if err := serverrun.Run(ctx, serverrun.Options{
				DataDir:       dataDir,
				HTTPAddr:      httpAddr,
				Fsync:         mode,
				FsyncInterval: time.Duration(fsyncIntervalMs) * time.Millisecond,
				Config:        cfg,
			}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "Data directory (if not specified, uses OS-specific application data directory)")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (default from config, :8080)")
	serverStartCmd.Flags().String("config", "", "Path to JSON config file")
	serverStartCmd.Flags().String("fsync", "always", "Fsync mode: always|interval|never")
	serverStartCmd.Flags().Int("fsync-interval-ms", 5, "When --fsync=interval, group-commit window in ms (default 5)")
	serverStartCmd.Flags().String("log-level", os.Getenv("SCANQ_LOG_LEVEL"), "Log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", os.Getenv("SCANQ_LOG_FORMAT"), "Log format: text|json (default text)")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	// stats
	statsCmd := &cobra.Command{
		Use:   "stats [queue]",
		Short: "Show queue statistics from a running node",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := apiURL() + "/v1/jobs/stats"
			if len(args) == 1 {
				url += "/" + args[0]
			}
			return getJSON(url)
		},
	}
	rootCmd.AddCommand(statsCmd)

	// job status / cancel
	jobCmd := &cobra.Command{Use: "job", Short: "Job operations"}
	jobStatusCmd := &cobra.Command{
		Use:   "status <queue> <jobId>",
		Short: "Show a job's current state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(apiURL() + "/v1/jobs/" + args[0] + "/" + args[1])
		},
	}
	jobCancelCmd := &cobra.Command{
		Use:   "cancel <queue> <jobId>",
		Short: "Cancel a waiting job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, apiURL()+"/v1/jobs/"+args[0]+"/"+args[1], nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			fmt.Println(resp.Status, string(body))
			return nil
		},
	}
	jobCmd.AddCommand(jobStatusCmd, jobCancelCmd)
	rootCmd.AddCommand(jobCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getJSON(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}

func apiURL() string {
	if v := os.Getenv("SCANQ_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
