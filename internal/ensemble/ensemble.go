// Package ensemble trains one classifier per fold on synthetic data,
// validates it against the two other folds, scores their real windows and
// turns cross-fold agreement into candidates.
package ensemble

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/creasty/defaults"
	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/peerless/internal/candidate"
	"github.com/rewired-gh/peerless/internal/classifier"
	"github.com/rewired-gh/peerless/internal/injector"
	"github.com/rewired-gh/peerless/internal/logger"
	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/normalize"
	"github.com/rewired-gh/peerless/internal/observability"
	"github.com/rewired-gh/peerless/internal/partition"
	"github.com/rewired-gh/peerless/internal/validation"
)

// Random stream ids derived from Config.Seed.
const (
	partitionStream = 0
	datasetStream   = 1 // plus the fold id
)

// classifierSeedStride separates the classifier seeds of the folds.
const classifierSeedStride = 0x9e3779b97f4a7c15

// Config configures a pipeline instance.
type Config struct {
	HalfWidth         int                     `mapstructure:"half_width" json:"half_width" default:"100" validate:"gte=1"`
	Seed              uint64                  `mapstructure:"seed" json:"seed"`
	Normalization     string                  `mapstructure:"normalization" json:"normalization" default:"log-median"`
	Injection         injector.Config         `mapstructure:"injection" json:"injection"`
	Forest            classifier.ForestConfig `mapstructure:"forest" json:"forest"`
	PrecisionRequired float64                 `mapstructure:"precision_required" json:"prec_req" default:"1.0" validate:"gt=0,lte=1"`
	// NTrain caps the training rows of each fold; 0 uses all of them.
	NTrain   int  `mapstructure:"ntrain" json:"ntrain" validate:"gte=0"`
	Parallel bool `mapstructure:"parallel" json:"parallel"`
}

// FitOptions overrides Config for a single FitSplit call. Zero values keep
// the configured behaviour.
type FitOptions struct {
	Refit             bool
	PrecisionRequired float64
	NTrain            int
}

// Model is one pipeline run over a fixed set of segments.
type Model struct {
	cfg      Config
	segments []*models.Segment
	folds    [models.NumFolds]models.Fold
	norm     *normalize.Normalizer
	inj      *injector.Injector
	factory  classifier.Factory
	metrics  *observability.Metrics

	dsMu     sync.Mutex
	datasets [models.NumFolds]*models.Dataset

	mu    sync.Mutex
	cache [models.NumFolds]*models.FoldModel
}

// Option customises a Model.
type Option func(*Model)

// WithClassifier replaces the default random-forest factory.
func WithClassifier(f classifier.Factory) Option {
	return func(m *Model) { m.factory = f }
}

// WithMetrics records training and candidate metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Model) { m.metrics = metrics }
}

// New filters out segments too short for a single window, then partitions
// the remaining ones into folds.
func New(segments []*models.Segment, cfg Config, opts ...Option) (*Model, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply ensemble defaults: %w", err)
	}
	norm, err := normalize.New(cfg.Normalization, cfg.HalfWidth)
	if err != nil {
		return nil, err
	}
	inj, err := injector.New(cfg.Injection, norm)
	if err != nil {
		return nil, err
	}

	m := &Model{
		cfg:     cfg,
		norm:    norm,
		inj:     inj,
		factory: classifier.ForestFactory(cfg.Forest),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, s := range segments {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if s.Len() <= 2*cfg.HalfWidth {
			logger.Warn("Skipping segment %d with %d samples: %v", s.ID, s.Len(), models.ErrInsufficientData)
			continue
		}
		m.segments = append(m.segments, s)
	}
	if len(m.segments) == 0 {
		return nil, fmt.Errorf("no segment is longer than %d samples: %w", 2*cfg.HalfWidth, models.ErrInsufficientData)
	}

	m.folds = partition.Split(m.segments, rand.New(rand.NewPCG(cfg.Seed, partitionStream)))
	for _, f := range m.folds {
		logger.Info("Fold %d: %d segments, footprint %.2f days", f.ID, len(f.Indices), f.Footprint)
	}
	return m, nil
}

// Config returns the effective configuration.
func (m *Model) Config() Config { return m.cfg }

// Segments returns the eligible segments the folds index into.
func (m *Model) Segments() []*models.Segment { return m.segments }

// Folds returns the partition.
func (m *Model) Folds() [models.NumFolds]models.Fold { return m.folds }

// Normalizer returns the transform shared by training and scoring.
func (m *Model) Normalizer() *normalize.Normalizer { return m.norm }

// Weights returns the footprint fraction of every eligible segment.
func (m *Model) Weights() []float64 {
	w := make([]float64, len(m.segments))
	total := 0.0
	for i, s := range m.segments {
		w[i] = s.Footprint()
		total += w[i]
	}
	if total > 0 {
		for i := range w {
			w[i] /= total
		}
	}
	return w
}

// FormatDataset generates and shuffles the synthetic dataset of every fold.
// Each fold draws from its own stream so the result only depends on the
// seed. Later calls return the same datasets.
func (m *Model) FormatDataset() ([models.NumFolds]*models.Dataset, error) {
	m.dsMu.Lock()
	defer m.dsMu.Unlock()
	if m.datasets[0] != nil {
		return m.datasets, nil
	}

	logger.Info("Generating training and validation sets")
	var out [models.NumFolds]*models.Dataset
	var g errgroup.Group
	if !m.cfg.Parallel {
		g.SetLimit(1)
	}
	for i := range out {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(m.cfg.Seed, uint64(datasetStream+i)))
			ds, err := m.inj.Generate(m.segments, m.folds[i], rng)
			if err != nil {
				return err
			}
			ds.Shuffle(rng)
			out[i] = ds
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, fmt.Errorf("failed to format datasets: %w", err)
	}
	m.datasets = out
	return out, nil
}

// FitSplit trains and evaluates the model of fold split. A model that has
// already been trained is returned unchanged unless opts.Refit is set. The
// cache is only updated when every step succeeds.
func (m *Model) FitSplit(split int, opts FitOptions) (*models.FoldModel, error) {
	if split < 0 || split >= models.NumFolds {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidSplit, split)
	}
	m.mu.Lock()
	cached := m.cache[split]
	m.mu.Unlock()
	if cached != nil && !opts.Refit {
		return cached, nil
	}

	prec := opts.PrecisionRequired
	if prec == 0 {
		prec = m.cfg.PrecisionRequired
	}
	ntrain := opts.NTrain
	if ntrain == 0 {
		ntrain = m.cfg.NTrain
	}

	datasets, err := m.FormatDataset()
	if err != nil {
		return nil, err
	}
	train := datasets[split]
	if ntrain > 0 {
		train = train.Head(ntrain)
		if train.Len() != ntrain {
			logger.Warn("Not enough training examples for split %d (%d < %d): %v",
				split, train.Len(), ntrain, models.ErrInsufficientData)
		}
	}

	clf, err := m.factory(m.classifierSeed(split))
	if err != nil {
		return nil, fmt.Errorf("split %d: failed to build classifier: %w", split, err)
	}

	start := time.Now()
	logger.Info("Training the %d-split model on %d training examples", split, train.Len())
	if err := clf.Fit(train.Features, train.Labels); err != nil {
		return nil, fmt.Errorf("split %d: failed to train classifier: %w", split, err)
	}

	fm := &models.FoldModel{Split: split, Classifier: clf}
	for _, c := range models.Complements(split) {
		v, err := m.validate(clf, split, datasets[c], prec)
		if err != nil {
			return nil, err
		}
		fm.Validation = append(fm.Validation, v)

		test, err := m.score(clf, split, c)
		if err != nil {
			return nil, err
		}
		fm.Test = append(fm.Test, test)
	}
	if err := fm.Validate(); err != nil {
		return nil, err
	}
	m.metrics.RecordTraining(split, train.Len(), time.Since(start))

	m.mu.Lock()
	m.cache[split] = fm
	m.mu.Unlock()
	return fm, nil
}

func (m *Model) validate(clf classifier.Classifier, split int, ds *models.Dataset, prec float64) (models.ValidationResult, error) {
	logger.Info("Validating %d-split model on %d examples", split, ds.Len())
	scores, err := clf.PredictProba(ds.Features)
	if err != nil {
		return models.ValidationResult{}, fmt.Errorf("split %d: failed to score fold %d: %w", split, ds.Fold, err)
	}
	v, err := validation.Evaluate(ds.Fold, slices.Clone(ds.Labels), scores, prec)
	if err != nil {
		return models.ValidationResult{}, fmt.Errorf("split %d: %w", split, err)
	}
	logger.Info("AUC for %d-split model on fold %d: %.4f (threshold %.4f)", split, ds.Fold, v.AUC, v.Threshold)
	m.metrics.RecordValidation(split, ds.Fold, v.AUC, v.Threshold)
	return v, nil
}

// score predicts every valid real window of the segments in fold c.
func (m *Model) score(clf classifier.Classifier, split, c int) (models.TestResult, error) {
	logger.Info("Computing prediction for test set %d with the %d-split model", c, split)
	res := models.TestResult{Fold: c, Predictions: []models.Prediction{}}
	for _, j := range m.folds[c].Indices {
		times, windows := normalize.Unwrap(m.segments[j], m.cfg.HalfWidth)
		if len(windows) == 0 {
			continue
		}
		if err := m.norm.Normalize(windows); err != nil {
			return res, err
		}
		probs, err := clf.PredictProba(windows)
		if err != nil {
			return res, fmt.Errorf("split %d: failed to score segment %d: %w", split, m.segments[j].ID, err)
		}
		for k, p := range probs {
			res.Predictions = append(res.Predictions, models.Prediction{SectID: j, Time: times[k], Prob: p})
		}
	}
	m.metrics.RecordScored(split, c, len(res.Predictions))
	return res, nil
}

func (m *Model) classifierSeed(split int) uint64 {
	return m.cfg.Seed + uint64(split+1)*classifierSeedStride
}

// FitAll trains every fold, concurrently when Config.Parallel is set.
// Results do not depend on the order in which folds finish.
func (m *Model) FitAll(opts FitOptions) ([models.NumFolds]*models.FoldModel, error) {
	var out [models.NumFolds]*models.FoldModel
	if _, err := m.FormatDataset(); err != nil {
		return out, err
	}
	var g errgroup.Group
	if !m.cfg.Parallel {
		g.SetLimit(1)
	}
	for i := range out {
		g.Go(func() error {
			fm, err := m.FitSplit(i, opts)
			out[i] = fm
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Models returns the cached fold models; untrained folds are nil.
func (m *Model) Models() [models.NumFolds]*models.FoldModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache
}

// Ready reports whether every fold has a trained model.
func (m *Model) Ready() bool {
	for _, fm := range m.Models() {
		if fm == nil {
			return false
		}
	}
	return true
}

// Fingerprint identifies the eligible segments in order: their ids,
// lengths, times and fluxes. Prediction segment indices and regenerated
// datasets are only meaningful for a model with the same fingerprint.
func (m *Model) Fingerprint() string {
	h := sha256.New()
	var buf [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	for _, s := range m.segments {
		put(uint64(int64(s.ID)))
		put(uint64(s.Len()))
		for i := range s.Time {
			put(math.Float64bits(s.Time[i]))
			put(math.Float64bits(s.Flux[i]))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Restore installs previously trained fold models, e.g. loaded from
// storage. fingerprint must match the segments of m, and each model must
// validate and carry a distinct split.
func (m *Model) Restore(fingerprint string, fms []*models.FoldModel) error {
	if want := m.Fingerprint(); fingerprint != want {
		return fmt.Errorf("%w: fold models were trained on segments %q, model has %q",
			models.ErrConfiguration, fingerprint, want)
	}
	var next [models.NumFolds]*models.FoldModel
	for _, fm := range fms {
		if fm == nil {
			return fmt.Errorf("cannot restore a nil fold model")
		}
		if err := fm.Validate(); err != nil {
			return err
		}
		if next[fm.Split] != nil {
			return fmt.Errorf("fold model for split %d given twice", fm.Split)
		}
		for _, t := range fm.Test {
			for _, p := range t.Predictions {
				if p.SectID < 0 || p.SectID >= len(m.segments) {
					return fmt.Errorf("split %d: prediction references unknown segment %d", fm.Split, p.SectID)
				}
			}
		}
		next[fm.Split] = fm
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, fm := range next {
		if fm != nil {
			m.cache[i] = fm
		}
	}
	return nil
}

// FindCandidates aggregates corroborated detections across the fold models
// and deduplicates them within window days.
func (m *Model) FindCandidates(window float64) ([]models.Candidate, error) {
	if !m.Ready() {
		return nil, models.ErrModelNotReady
	}
	datasets, err := m.FormatDataset()
	if err != nil {
		return nil, err
	}
	raw, err := candidate.Aggregate(candidate.Input{
		Models:     m.Models(),
		Datasets:   datasets,
		Segments:   m.segments,
		Normalizer: m.norm,
	})
	if err != nil {
		return nil, err
	}
	final, err := candidate.Deduplicate(raw, window)
	if err != nil {
		return nil, err
	}
	logger.Info("Found %d corroborated detections, %d after deduplication", len(raw), len(final))
	m.metrics.RecordCandidates(len(raw), len(final))
	return final, nil
}
