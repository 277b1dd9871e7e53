package classifier

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"

	"github.com/creasty/defaults"
	"golang.org/x/sync/errgroup"
)

// ForestConfig configures a RandomForest.
type ForestConfig struct {
	NEstimators    int `mapstructure:"n_estimators" json:"n_estimators" default:"1000" validate:"gte=1"`
	MinSamplesLeaf int `mapstructure:"min_samples_leaf" json:"min_samples_leaf" default:"2" validate:"gte=1"`
	// MaxDepth of 0 grows trees until leaves are pure or too small.
	MaxDepth int `mapstructure:"max_depth" json:"max_depth" validate:"gte=0"`
	// MaxFeatures of 0 uses sqrt(n_features) candidates per split.
	MaxFeatures int `mapstructure:"max_features" json:"max_features" validate:"gte=0"`
	// Workers bounds concurrent tree construction; 0 uses GOMAXPROCS.
	Workers int    `mapstructure:"workers" json:"-" validate:"gte=0"`
	Seed    uint64 `mapstructure:"-" json:"seed"`
}

// RandomForest is a bagged ensemble of CART trees. Predicted probabilities
// are the mean of per-tree positive fractions.
type RandomForest struct {
	cfg       ForestConfig
	nFeatures int
	trees     []*tree
}

type forestState struct {
	Config    ForestConfig `json:"config"`
	NFeatures int          `json:"n_features"`
	Trees     []*tree      `json:"trees"`
}

// NewRandomForest returns an untrained forest; zero config fields take defaults.
func NewRandomForest(cfg ForestConfig) (*RandomForest, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply forest defaults: %w", err)
	}
	return &RandomForest{cfg: cfg}, nil
}

// ForestFactory returns a Factory building forests from cfg with the given seed.
func ForestFactory(cfg ForestConfig) Factory {
	return func(seed uint64) (Classifier, error) {
		c := cfg
		c.Seed = seed
		return NewRandomForest(c)
	}
}

// Config returns the effective configuration.
func (f *RandomForest) Config() ForestConfig {
	return f.cfg
}

func (f *RandomForest) Fit(x [][]float64, y []int) error {
	if len(x) == 0 || len(x) != len(y) {
		return fmt.Errorf("%w: %d rows and %d labels", ErrInvalidInput, len(x), len(y))
	}
	d := len(x[0])
	if d == 0 {
		return fmt.Errorf("%w: rows must have at least one feature", ErrInvalidInput)
	}
	for i, row := range x {
		if len(row) != d {
			return fmt.Errorf("%w: row %d has %d features, want %d", ErrInvalidInput, i, len(row), d)
		}
		if y[i] != 0 && y[i] != 1 {
			return fmt.Errorf("%w: label %d at row %d is not binary", ErrInvalidInput, y[i], i)
		}
	}

	mtry := f.cfg.MaxFeatures
	if mtry <= 0 || mtry > d {
		mtry = int(math.Max(1, math.Floor(math.Sqrt(float64(d)))))
	}
	workers := f.cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	trees := make([]*tree, f.cfg.NEstimators)
	var g errgroup.Group
	g.SetLimit(workers)
	for i := range trees {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(f.cfg.Seed, uint64(i)))
			trees[i] = buildTree(x, y, f.cfg.MinSamplesLeaf, f.cfg.MaxDepth, mtry, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	f.nFeatures = d
	f.trees = trees
	return nil
}

func (f *RandomForest) PredictProba(x [][]float64) ([]float64, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}
	out := make([]float64, len(x))
	for i, row := range x {
		if len(row) != f.nFeatures {
			return nil, fmt.Errorf("%w: row %d has %d features, want %d", ErrFeatureLength, i, len(row), f.nFeatures)
		}
		var sum float64
		for _, t := range f.trees {
			sum += t.predict(row)
		}
		out[i] = sum / float64(len(f.trees))
	}
	return out, nil
}

func (f *RandomForest) Export() ([]byte, error) {
	if len(f.trees) == 0 {
		return nil, ErrNotFitted
	}
	return json.Marshal(forestState{Config: f.cfg, NFeatures: f.nFeatures, Trees: f.trees})
}

func (f *RandomForest) Import(state []byte) error {
	var s forestState
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to decode forest state: %w", err)
	}
	if len(s.Trees) == 0 || s.NFeatures <= 0 {
		return fmt.Errorf("%w: forest state has no trees", ErrInvalidInput)
	}
	f.cfg = s.Config
	f.nFeatures = s.NFeatures
	f.trees = s.Trees
	return nil
}
