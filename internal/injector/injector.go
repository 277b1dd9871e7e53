// Package injector builds per-fold synthetic training sets by injecting
// simulated transits into windows of real light curves.
package injector

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/creasty/defaults"

	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/normalize"
	"github.com/rewired-gh/peerless/internal/transit"
)

// Config holds the injection ranges. Periods and DT are in days, radii in
// solar radii, SMass in solar masses.
type Config struct {
	NPos int `mapstructure:"npos" json:"npos" default:"20000" validate:"gte=1"`
	// NNeg of 0 generates as many negatives as positives.
	NNeg            int     `mapstructure:"nneg" json:"nneg" validate:"gte=0"`
	MinPeriod       float64 `mapstructure:"min_period" json:"min_period" default:"1000" validate:"gt=0"`
	MaxPeriod       float64 `mapstructure:"max_period" json:"max_period" default:"5000" validate:"gtefield=MinPeriod"`
	MinRad          float64 `mapstructure:"min_rad" json:"min_rad" default:"0.05" validate:"gt=0"`
	MaxRad          float64 `mapstructure:"max_rad" json:"max_rad" default:"0.2" validate:"gtefield=MinRad"`
	DT              float64 `mapstructure:"dt" json:"dt" default:"0.15" validate:"gte=0"`
	SMass           float64 `mapstructure:"smass" json:"smass" default:"1.0" validate:"gt=0"`
	SRad            float64 `mapstructure:"srad" json:"srad" default:"1.0" validate:"gt=0"`
	Eccentricity    float64 `mapstructure:"eccentricity" json:"e" validate:"gte=0,lt=1"`
	Pomega          float64 `mapstructure:"pomega" json:"pomega"`
	DisableReversal bool    `mapstructure:"disable_reversal" json:"disable_reversal"`
}

// Negatives returns the effective number of negative windows.
func (c Config) Negatives() int {
	if c.NNeg == 0 {
		return c.NPos
	}
	return c.NNeg
}

// Injector generates labeled windows for one fold at a time.
type Injector struct {
	cfg  Config
	norm *normalize.Normalizer
}

// New returns an Injector; zero config fields take defaults.
func New(cfg Config, norm *normalize.Normalizer) (*Injector, error) {
	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply injection defaults: %w", err)
	}
	if norm == nil {
		return nil, fmt.Errorf("%w: normalizer must not be nil", models.ErrConfiguration)
	}
	if cfg.MaxPeriod < cfg.MinPeriod || cfg.MaxRad < cfg.MinRad {
		return nil, fmt.Errorf("%w: injection ranges must satisfy min <= max", models.ErrConfiguration)
	}
	if cfg.MaxRad >= cfg.SRad {
		return nil, fmt.Errorf("%w: max radius %v must be below the stellar radius %v",
			models.ErrConfiguration, cfg.MaxRad, cfg.SRad)
	}
	return &Injector{cfg: cfg, norm: norm}, nil
}

// Config returns the effective configuration.
func (inj *Injector) Config() Config {
	return inj.cfg
}

// Generate draws the synthetic dataset of fold from segments, which must be
// the eligible segment list the fold indexes into. Rows are positives
// followed by negatives; use Dataset.Shuffle to mix them.
func (inj *Injector) Generate(segments []*models.Segment, fold models.Fold, rng *rand.Rand) (*models.Dataset, error) {
	if len(fold.Indices) == 0 {
		return nil, fmt.Errorf("fold %d has no segments: %w", fold.ID, models.ErrInsufficientData)
	}
	hw := inj.norm.HalfWidth()
	cdf := make([]float64, len(fold.Indices))
	total := 0.0
	for k, idx := range fold.Indices {
		seg := segments[idx]
		if seg.Len() <= 2*hw {
			return nil, fmt.Errorf("segment %d is too short for half width %d: %w", seg.ID, hw, models.ErrInsufficientData)
		}
		total += seg.Footprint()
		cdf[k] = total
	}

	pick := func() int {
		if total <= 0 {
			return fold.Indices[rng.IntN(len(fold.Indices))]
		}
		k := sort.SearchFloat64s(cdf, rng.Float64()*total)
		return fold.Indices[min(k, len(cdf)-1)]
	}

	npos, nneg := inj.cfg.NPos, inj.cfg.Negatives()
	ds := &models.Dataset{
		Fold:     fold.ID,
		Features: make([][]float64, 0, npos+nneg),
		Labels:   make([]int, 0, npos+nneg),
		Records:  make([]models.InjectionRecord, 0, npos+nneg),
	}

	for j := 0; j < npos; j++ {
		idx := pick()
		w, err := inj.positive(idx, segments[idx], rng)
		if err != nil {
			return nil, fmt.Errorf("fold %d: %w", fold.ID, err)
		}
		ds.Append(w)
	}
	for j := 0; j < nneg; j++ {
		idx := pick()
		ds.Append(inj.negative(idx, segments[idx], rng))
	}

	if err := inj.norm.Normalize(ds.Features); err != nil {
		return nil, fmt.Errorf("fold %d: %w", fold.ID, err)
	}
	return ds, nil
}

func (inj *Injector) positive(idx int, seg *models.Segment, rng *rand.Rand) (models.TrainingWindow, error) {
	hw := inj.norm.HalfWidth()
	ntt := hw + rng.IntN(seg.Len()-2*hw)
	rp := logUniform(rng, inj.cfg.MinRad, inj.cfg.MaxRad)

	rec := models.InjectionRecord{
		SectID:      idx,
		NTT:         ntt,
		TransitTime: seg.Time[ntt],
		Q1:          rng.Float64(),
		Q2:          rng.Float64(),
		Period:      logUniform(rng, inj.cfg.MinPeriod, inj.cfg.MaxPeriod),
		T0:          uniform(rng, -inj.cfg.DT, inj.cfg.DT),
		Rp:          rp,
		B:           uniform(rng, 0, 1-rp/inj.cfg.SRad),
		E:           inj.cfg.Eccentricity,
		Pomega:      inj.cfg.Pomega,
		Meta:        seg.Meta,
	}

	sys, err := transit.NewSystem(
		transit.Central{Mass: inj.cfg.SMass, Radius: inj.cfg.SRad, Q1: rec.Q1, Q2: rec.Q2},
		transit.Body{Period: rec.Period, T0: rec.T0, R: rec.Rp, B: rec.B, E: rec.E, Pomega: rec.Pomega},
	)
	if err != nil {
		return models.TrainingWindow{}, fmt.Errorf("segment %d sample %d: %w", seg.ID, ntt, err)
	}

	t := slices.Clone(seg.Time[ntt-hw : ntt+hw+1])
	mean := 0.0
	for _, ti := range t {
		mean += ti
	}
	mean /= float64(len(t))
	for i := range t {
		t[i] -= mean
	}

	flux := inj.window(seg, ntt, rng)
	model := sys.LightCurve(t, seg.Texp)
	for i := range flux {
		flux[i] *= model[i]
	}
	return models.TrainingWindow{Features: flux, Label: 1, Record: rec}, nil
}

func (inj *Injector) negative(idx int, seg *models.Segment, rng *rand.Rand) models.TrainingWindow {
	hw := inj.norm.HalfWidth()
	ntt := hw + rng.IntN(seg.Len()-2*hw)
	return models.TrainingWindow{
		Features: inj.window(seg, ntt, rng),
		Label:    0,
		Record:   models.NegativeRecord(idx, ntt, seg.Time[ntt], seg.Meta),
	}
}

// window copies the raw flux around ntt, reversed with probability 1/2
// unless reversal is disabled.
func (inj *Injector) window(seg *models.Segment, ntt int, rng *rand.Rand) []float64 {
	w := normalize.Window(seg, ntt, inj.norm.HalfWidth())
	if !inj.cfg.DisableReversal && rng.IntN(2) == 1 {
		slices.Reverse(w)
	}
	return w
}

func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + (hi-lo)*rng.Float64()
}

func logUniform(rng *rand.Rand, lo, hi float64) float64 {
	return math.Exp(uniform(rng, math.Log(lo), math.Log(hi)))
}
