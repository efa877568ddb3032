package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"job-result-store/internal/config"
	"job-result-store/internal/monitor"
	"job-result-store/internal/storage"
)

var (
	serverURL  string
	configPath string
	webappPath string
	threshold  time.Duration
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "resultstore-cli",
		Short: "Admin client for the job result store",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Retrieve a stored result and print it to stdout",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	getCmd.Flags().StringVar(&webappPath, "webapp-path", "wps", "Webapp path prefix of the retrieve endpoint")
	root.AddCommand(getCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE:  runHealth,
	})

	reapCmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one reaping pass against the database",
		RunE:  runReap,
	}
	reapCmd.Flags().StringVar(&configPath, "config", "configs/config.yaml", "Config file path")
	reapCmd.Flags().DurationVar(&threshold, "threshold", 0, "Age threshold (defaults to wipe.threshold)")
	root.AddCommand(reapCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGet(cmd *cobra.Command, args []string) error {
	endpoint := fmt.Sprintf("%s/%s/RetrieveResultServlet?id=%s",
		serverURL, webappPath, url.QueryEscape(args[0]))

	resp, err := http.Get(endpoint) // #nosec G107 -- URL comes from CLI flags
	if err != nil {
		return fmt.Errorf("requesting result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %s: %s", resp.Status, body)
	}

	if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
		return fmt.Errorf("reading result: %w", err)
	}
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/health") // #nosec G107 -- URL comes from CLI flags
	if err != nil {
		return fmt.Errorf("requesting health: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading health response: %w", err)
	}
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

// runReap connects to the database directly and performs a single reaping
// pass, independent of the server's background reaper.
func runReap(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if threshold == 0 {
		threshold = cfg.Wipe.Threshold
	}

	ctx := context.Background()
	store, err := storage.New(ctx, cfg, storage.NewProvider(cfg.Database), monitor.NewMetrics(), monitor.NewTracer())
	if err != nil {
		return err
	}
	defer store.Shutdown(ctx)

	count, err := store.ReapOnce(ctx, threshold)
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d records older than %s\n", count, threshold)
	return nil
}
