package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/peerless/internal/ensemble"
	"github.com/rewired-gh/peerless/internal/logger"
	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/storage"
)

var (
	trainNTrain    int
	trainPrecision float64
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the fold ensemble and search for candidates",
	Long: `Train one classifier per fold on synthetic injections, validate and score
it against the two other folds, persist the ensemble and store the
deduplicated candidates of the run.`,
	RunE: runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)

	trainCmd.Flags().IntVar(&trainNTrain, "ntrain", 0, "Cap on training rows per fold (0 = configured value)")
	trainCmd.Flags().Float64Var(&trainPrecision, "precision", 0, "Required validation precision (0 = configured value)")
}

func runTrain(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { a.finish("train", err) }()

	start := time.Now()
	return storage.Use(a.cfg.Storage.DBPath, func(store *storage.Storage) error {
		segments, err := store.LoadSegments()
		if err != nil {
			return err
		}
		if len(segments) == 0 {
			return errors.New("no segments stored; run ingest first")
		}
		logger.Info("Loaded %d segments", len(segments))

		model, err := ensemble.New(segments, a.cfg.Pipeline, ensemble.WithMetrics(a.metrics))
		if err != nil {
			return err
		}

		fms, err := model.FitAll(ensemble.FitOptions{
			NTrain:            trainNTrain,
			PrecisionRequired: trainPrecision,
		})
		if err != nil {
			return fmt.Errorf("failed to train ensemble: %w", err)
		}

		run, err := newRun(model.Config(), model.Fingerprint())
		if err != nil {
			return err
		}
		if err := store.SaveEnsemble(run, fms[:]); err != nil {
			return err
		}
		logger.Info("Saved run %s (trained in %v)", run.ID, time.Since(start).Round(time.Second))

		cands, err := model.FindCandidates(a.cfg.Candidates.Window)
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

// newRun describes a trained ensemble for storage. segments is the
// fingerprint of the segments it was trained on.
func newRun(cfg ensemble.Config, segments string) (*storage.Run, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline config: %w", err)
	}
	return &storage.Run{
		HalfWidth:     cfg.HalfWidth,
		Seed:          cfg.Seed,
		Normalization: cfg.Normalization,
		Segments:      segments,
		Config:        raw,
	}, nil
}

func logCandidates(cands []models.Candidate) {
	for _, c := range cands {
		logger.Info("Candidate t=%.4f segment=%d mean_factor=%.3f points=%d", c.Time, c.SectID, c.MeanFactor, c.NumPoints)
	}
}
