package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/peerless/internal/logger"
	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/storage"
)

var ingestFile string

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Store prepared light-curve segments",
	Long: `Read a JSON array of detrended, unit-median light-curve segments and store
them for training. Missing flux samples are given as null.`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&ingestFile, "file", "f", "", "Path to the segments JSON file (- for stdin)")
	_ = ingestCmd.MarkFlagRequired("file")
}

func runIngest(cmd *cobra.Command, args []string) (err error) {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() { a.finish("ingest", err) }()

	var r io.Reader = os.Stdin
	if ingestFile != "-" {
		f, err := os.Open(ingestFile)
		if err != nil {
			return fmt.Errorf("failed to open segments file: %w", err)
		}
		defer f.Close()
		r = f
	}

	segments, err := decodeSegments(r)
	if err != nil {
		return err
	}
	return storage.Use(a.cfg.Storage.DBPath, func(store *storage.Storage) error {
		if err := store.SaveSegments(segments); err != nil {
			return err
		}
		logger.Info("Stored %d segments", len(segments))
		return nil
	})
}

// segmentJSON is the interchange form of a segment; JSON has no NaN.
type segmentJSON struct {
	ID      int         `json:"id"`
	Time    []float64   `json:"time"`
	Flux    []*float64  `json:"flux"`
	FluxErr float64     `json:"flux_err"`
	Meta    models.Meta `json:"meta"`
	Texp    float64     `json:"texp"`
}

func decodeSegments(r io.Reader) ([]*models.Segment, error) {
	var raw []segmentJSON
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode segments: %w", err)
	}

	segments := make([]*models.Segment, 0, len(raw))
	for _, s := range raw {
		flux := make([]float64, len(s.Flux))
		for i, v := range s.Flux {
			if v == nil {
				flux[i] = math.NaN()
			} else {
				flux[i] = *v
			}
		}
		seg := &models.Segment{
			ID:      s.ID,
			Time:    s.Time,
			Flux:    flux,
			FluxErr: s.FluxErr,
			Meta:    s.Meta,
			Texp:    s.Texp,
		}
		if err := seg.Validate(); err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}
