package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/peerless/internal/config"
	"github.com/rewired-gh/peerless/internal/logger"
	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/observability"
	"github.com/rewired-gh/peerless/internal/telegram"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "peerless",
	Short: "Search light curves for long-duration transit dips",
	Long: `peerless trains a three-fold classifier ensemble on synthetic transits
injected into the stored light-curve segments, scores every held-out window
and reports the events that at least two folds agree on.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Path to configuration file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds what every command needs once the configuration is loaded.
type app struct {
	cfg      *config.Config
	metrics  *observability.Metrics
	notifier *telegram.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", configPath)

	a := &app{cfg: cfg}
	if cfg.Metrics.TextfilePath != "" {
		a.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
	}

	if cfg.Telegram.Enabled {
		a.notifier, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.TopK, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelay)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}
	return a, nil
}

// finish records the outcome of command and reports failures.
func (a *app) finish(command string, err error) {
	a.metrics.RecordRun(command, err)
	if werr := a.metrics.WriteTextfile(a.cfg.Metrics.TextfilePath); werr != nil {
		logger.Error("Failed to write metrics: %v", werr)
	}
	if err == nil {
		return
	}
	logger.Error("%s failed: %v", command, err)
	if a.notifier != nil {
		if nerr := a.notifier.SendError(command, err); nerr != nil {
			logger.Error("Failed to send error notification: %v", nerr)
		}
	}
}

// notify sends the candidate list when Telegram is enabled. Delivery
// failures are logged, not returned.
func (a *app) notify(runID string, cands []models.Candidate) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Send(runID, cands); err != nil {
		logger.Error("Failed to send notification: %v", err)
		return
	}
	logger.Info("Notification sent for run %s", runID)
}
