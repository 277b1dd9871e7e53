package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/peerless/internal/classifier"
	"github.com/rewired-gh/peerless/internal/ensemble"
	"github.com/rewired-gh/peerless/internal/logger"
	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/storage"
)

var (
	candidatesRun    string
	candidatesWindow float64
	candidatesStored bool
)

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "Re-run candidate search on a stored ensemble",
	Long: `Reload a persisted ensemble, regenerate its synthetic datasets from the
stored seed and aggregate the fold predictions again without retraining.`,
	RunE: runCandidates,
}

func init() {
	rootCmd.AddCommand(candidatesCmd)

	candidatesCmd.Flags().StringVar(&candidatesRun, "run", "", "Run ID (default: latest run)")
	candidatesCmd.Flags().Float64Var(&candidatesWindow, "window", 0, "Deduplication window in days (0 = configured value)")
	candidatesCmd.Flags().BoolVar(&candidatesStored, "stored", false, "Print the stored candidates instead of recomputing them")
}

func runCandidates(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { a.finish("candidates", err) }()

	window := a.cfg.Candidates.Window
	if candidatesWindow > 0 {
		window = candidatesWindow
	}

	return storage.Use(a.cfg.Storage.DBPath, func(store *storage.Storage) error {
		run, err := resolveRun(store, candidatesRun)
		if err != nil {
			return err
		}

		if candidatesStored {
			cands, err := store.GetCandidates(run.ID)
			if err != nil {
				return err
			}
			logCandidates(cands)
			return nil
		}

		model, err := restoreModel(store, run, a)
		if err != nil {
			return err
		}
		cands, err := model.FindCandidates(window)
		if err != nil {
			return err
		}
		if err := store.SaveCandidates(run.ID, cands); err != nil {
			return err
		}
		logCandidates(cands)
		a.notify(run.ID, cands)
		return nil
	})
}

func resolveRun(store *storage.Storage, id string) (*storage.Run, error) {
	if id == "" {
		return store.LatestRun()
	}
	return store.GetRun(id)
}

// restoreModel rebuilds the pipeline of run over the stored segments and
// installs its persisted fold models.
func restoreModel(store *storage.Storage, run *storage.Run, a *app) (*ensemble.Model, error) {
	var cfg ensemble.Config
	if err := json.Unmarshal(run.Config, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config of run %s: %w", run.ID, err)
	}
	if cfg.HalfWidth != run.HalfWidth || cfg.Seed != run.Seed || cfg.Normalization != run.Normalization {
		return nil, fmt.Errorf("run %s: stored config disagrees with run attributes: %w", run.ID, models.ErrConfiguration)
	}
	cfg.Parallel = a.cfg.Pipeline.Parallel

	segments, err := store.LoadSegments()
	if err != nil {
		return nil, err
	}
	model, err := ensemble.New(segments, cfg, ensemble.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}

	_, fms, err := store.LoadEnsemble(run.ID, classifier.ForestFactory(cfg.Forest))
	if err != nil {
		return nil, err
	}
	if err := model.Restore(run.Segments, fms); err != nil {
		return nil, fmt.Errorf("failed to restore run %s: %w", run.ID, err)
	}
	if !model.Ready() {
		return nil, fmt.Errorf("run %s has %d of %d folds: %w", run.ID, len(fms), models.NumFolds, models.ErrModelNotReady)
	}
	logger.Info("Restored run %s from %s", run.ID, run.CreatedAt.Format("2006-01-02 15:04:05"))
	return model, nil
}
