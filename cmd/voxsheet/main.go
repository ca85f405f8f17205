package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lamim/voxsheet/internal/checkpoint"
	"github.com/lamim/voxsheet/internal/config"
	"github.com/lamim/voxsheet/internal/drive"
	"github.com/lamim/voxsheet/internal/gauth"
	"github.com/lamim/voxsheet/internal/logging"
	"github.com/lamim/voxsheet/internal/pipeline"
	"github.com/lamim/voxsheet/internal/sheets"
	"github.com/lamim/voxsheet/internal/tts"
	"github.com/lamim/voxsheet/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath     string
	envFile        string
	fresh          bool
	verbose        bool
	checkpointPath string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "voxsheet",
		Short: "voxsheet - Spreadsheet text-to-audio batch pipeline",
		Long: `voxsheet converts every text row of a Google Sheet to audio,
uploads the audio to Google Drive, and writes the shareable link back
into the sheet. Progress is checkpointed so an interrupted run can be
resumed without redoing completed rows.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the conversion pipeline",
		Long: `Run the complete pipeline:
1. Read all rows from the configured sheet
2. Convert each pending row's text to audio
3. Upload audio files to Google Drive
4. Write shareable links back to the sheet in batches`,
		RunE: runPipeline,
	}

	runCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	runCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	runCmd.Flags().BoolVar(&fresh, "fresh", false, "Discard any existing checkpoint and start over")
	runCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage the run checkpoint",
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show checkpoint progress",
		RunE:  inspectCheckpoint,
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete the checkpoint",
		RunE:  clearCheckpoint,
	}

	for _, c := range []*cobra.Command{inspectCmd, clearCmd} {
		c.Flags().StringVar(&checkpointPath, "path", checkpoint.DefaultFilename, "Checkpoint file path")
	}

	checkpointCmd.AddCommand(inspectCmd)
	checkpointCmd.AddCommand(clearCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkpointCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runPipeline(cmd *cobra.Command, args []string) error {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger, logFile, err := logging.Setup("voxsheet.log", logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("voxsheet starting",
		"version", Version,
		"config", configPath,
		"spreadsheet", cfg.Job.SpreadsheetID,
		"sheet", cfg.Job.SheetName)

	// Setup-time failures abort before any row is touched.
	if secrets.ElevenLabsAPIKey == "" {
		return fmt.Errorf("ELEVENLABS_API_KEY environment variable must be set")
	}
	tokens := gauth.Static(secrets.GoogleToken)
	if _, err := tokens.Token(cmd.Context()); err != nil {
		return err
	}

	store := checkpoint.NewStore(cfg.Job.CheckpointPath, logger)
	if fresh {
		if err := store.Clear(); err != nil {
			return fmt.Errorf("failed to clear checkpoint: %w", err)
		}
		logger.Info("Checkpoint cleared, starting fresh")
	} else if n := store.Load(); n > 0 {
		logger.Info("Resuming from checkpoint", "completed_rows", n, "highest_row", store.Highest())
	}

	sheetClient := sheets.NewClient(tokens, cfg.Job.SpreadsheetID, cfg.Job.SheetName, logger)
	ttsClient := tts.NewClient(cfg.TTS, secrets.ElevenLabsAPIKey, logger)
	uploader := drive.NewUploader(tokens, time.Duration(cfg.Drive.TimeoutSeconds)*time.Second, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rawRows, err := sheetClient.ReadAllRows(ctx)
	if err != nil {
		return fmt.Errorf("failed to read spreadsheet: %w", err)
	}
	rows := buildWorkItems(rawRows, cfg.Job.TextColumn)
	logger.Info("Loaded rows", "count", len(rows))

	orch := pipeline.New(cfg, ttsClient, uploader, sheetClient, store, logger)
	stats, err := orch.Run(ctx, rows)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("Run interrupted - re-run to resume from checkpoint",
				"highest_completed_row", store.Highest())
			return fmt.Errorf("run interrupted (re-run to resume from checkpoint)")
		}
		return fmt.Errorf("pipeline failed: %w", err)
	}

	logger.Info("Run complete",
		"total_rows", stats.TotalRows,
		"succeeded", stats.SuccessCount,
		"failed", stats.FailureCount,
		"skipped", stats.SkippedCount,
		"duration", stats.Duration)

	// A fully successful run leaves nothing to resume.
	if stats.FailureCount == 0 {
		if err := store.Clear(); err != nil {
			logger.Warn("Failed to remove checkpoint after successful run", "error", err)
		}
	} else {
		logger.Warn("Some rows failed and will be retried on the next run",
			"failed", stats.FailureCount)
	}

	return nil
}

// buildWorkItems snapshots the sheet into work items, one per row.
// Rows too short to contain the text column get empty text and are
// checkpointed as trivially done by the orchestrator.
func buildWorkItems(rows [][]string, textColumn string) []models.WorkItem {
	colIdx := int(textColumn[0] - 'A')
	items := make([]models.WorkItem, 0, len(rows))
	for i, row := range rows {
		text := ""
		if colIdx < len(row) {
			text = row[colIdx]
		}
		items = append(items, models.WorkItem{Index: i + 1, Text: text})
	}
	return items
}

func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := checkpoint.NewStore(checkpointPath, logger)
	n := store.Load()
	if n == 0 {
		fmt.Println("No checkpoint found.")
		return nil
	}
	fmt.Printf("Checkpoint: %d completed rows, highest row %d\n", n, store.Highest())
	return nil
}

func clearCheckpoint(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store := checkpoint.NewStore(checkpointPath, logger)
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Println("Checkpoint cleared.")
	return nil
}

// loadEnvFile loads KEY=VALUE pairs from a file into the environment.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if err := os.Setenv(key, value); err != nil {
			return err
		}
	}
	return nil
}
