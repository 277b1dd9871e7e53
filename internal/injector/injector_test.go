package injector

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/normalize"
)

const cadence = 0.0204

func flatSegment(id, n int, start float64) *models.Segment {
	s := &models.Segment{ID: id, Texp: cadence, Meta: models.Meta{Quarter: 1, Channel: 7}}
	for i := 0; i < n; i++ {
		s.Time = append(s.Time, start+float64(i)*cadence)
		s.Flux = append(s.Flux, 1)
	}
	return s
}

func newInjector(t *testing.T, cfg Config, hw int) *Injector {
	t.Helper()
	norm, err := normalize.New(normalize.ModeLogMedian, hw)
	require.NoError(t, err)
	inj, err := New(cfg, norm)
	require.NoError(t, err)
	return inj
}

func TestNew_Defaults(t *testing.T) {
	inj := newInjector(t, Config{}, 5)
	cfg := inj.Config()
	assert.Equal(t, 20000, cfg.NPos)
	assert.Equal(t, 20000, cfg.Negatives())
	assert.Equal(t, 1000.0, cfg.MinPeriod)
	assert.Equal(t, 5000.0, cfg.MaxPeriod)
	assert.Equal(t, 0.05, cfg.MinRad)
	assert.Equal(t, 0.2, cfg.MaxRad)
	assert.Equal(t, 0.15, cfg.DT)
	assert.Equal(t, 1.0, cfg.SMass)
	assert.Equal(t, 1.0, cfg.SRad)
	assert.Zero(t, cfg.Eccentricity)
}

func TestNew_Invalid(t *testing.T) {
	norm, err := normalize.New("", 5)
	require.NoError(t, err)

	_, err = New(Config{MinPeriod: 10, MaxPeriod: 5}, norm)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = New(Config{MinRad: 0.5, MaxRad: 1.5}, norm)
	assert.ErrorIs(t, err, models.ErrConfiguration)

	_, err = New(Config{}, nil)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}

func TestGenerate_Shape(t *testing.T) {
	inj := newInjector(t, Config{NPos: 100, NNeg: 100}, 5)
	segs := []*models.Segment{flatSegment(0, 300, 0), flatSegment(1, 300, 100)}
	fold := models.Fold{ID: 2, Indices: []int{0, 1}}

	ds, err := inj.Generate(segs, fold, rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	assert.Equal(t, 2, ds.Fold)
	require.Equal(t, 200, ds.Len())
	require.Len(t, ds.Features, 200)
	require.Len(t, ds.Records, 200)
	for i, row := range ds.Features {
		assert.Len(t, row, 11)
		want := 1
		if i >= 100 {
			want = 0
		}
		assert.Equal(t, want, ds.Labels[i], "row %d", i)
		assert.Equal(t, want == 1, ds.Records[i].Injected(), "row %d", i)
	}
}

func TestGenerate_RecordsWithinRanges(t *testing.T) {
	cfg := Config{NPos: 200, NNeg: 50, MinPeriod: 1200, MaxPeriod: 3000, MinRad: 0.06, MaxRad: 0.1, DT: 0.1}
	inj := newInjector(t, cfg, 10)
	segs := []*models.Segment{flatSegment(0, 200, 0)}

	ds, err := inj.Generate(segs, models.Fold{Indices: []int{0}}, rand.New(rand.NewPCG(3, 3)))
	require.NoError(t, err)
	require.Equal(t, 250, ds.Len())

	for i, rec := range ds.Records {
		assert.GreaterOrEqual(t, rec.NTT, 10)
		assert.Less(t, rec.NTT, 190)
		assert.Equal(t, segs[0].Time[rec.NTT], rec.TransitTime)
		assert.Equal(t, 7, rec.Meta.Channel)
		if i >= 200 {
			assert.True(t, math.IsNaN(rec.Period))
			continue
		}
		assert.GreaterOrEqual(t, rec.Period, 1200.0)
		assert.LessOrEqual(t, rec.Period, 3000.0)
		assert.GreaterOrEqual(t, rec.Rp, 0.06)
		assert.LessOrEqual(t, rec.Rp, 0.1)
		assert.GreaterOrEqual(t, rec.T0, -0.1)
		assert.LessOrEqual(t, rec.T0, 0.1)
		assert.GreaterOrEqual(t, rec.B, 0.0)
		assert.Less(t, rec.B, 1-rec.Rp)
		assert.GreaterOrEqual(t, rec.Q1, 0.0)
		assert.LessOrEqual(t, rec.Q2, 1.0)
		assert.Zero(t, rec.E)
	}
}

func TestGenerate_InjectsDips(t *testing.T) {
	cfg := Config{NPos: 50, NNeg: 50, MinPeriod: 1000, MaxPeriod: 1000, MinRad: 0.1, MaxRad: 0.1, DT: 1e-9}
	inj := newInjector(t, cfg, 50)
	segs := []*models.Segment{flatSegment(0, 400, 0)}

	ds, err := inj.Generate(segs, models.Fold{Indices: []int{0}}, rand.New(rand.NewPCG(5, 8)))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		row := ds.Features[i]
		assert.Zero(t, row[0], "window edges lie outside the transit")
		assert.Less(t, row[50], -1e-4, "positive %d should dip at the centre", i)
	}
	for i := 50; i < 100; i++ {
		for _, x := range ds.Features[i] {
			assert.Zero(t, x, "negative windows of a flat light curve stay flat")
		}
	}
}

func TestGenerate_FootprintWeighting(t *testing.T) {
	inj := newInjector(t, Config{NPos: 2000, NNeg: 1}, 5)
	segs := []*models.Segment{flatSegment(0, 100, 0), flatSegment(1, 300, 50)}

	ds, err := inj.Generate(segs, models.Fold{Indices: []int{0, 1}}, rand.New(rand.NewPCG(11, 0)))
	require.NoError(t, err)

	counts := map[int]int{}
	for _, rec := range ds.Records[:2000] {
		counts[rec.SectID]++
	}
	frac := float64(counts[1]) / 2000
	wantFrac := segs[1].Footprint() / (segs[0].Footprint() + segs[1].Footprint())
	assert.InDelta(t, wantFrac, frac, 0.05)
}

func TestGenerate_Deterministic(t *testing.T) {
	inj := newInjector(t, Config{NPos: 30, NNeg: 30}, 5)
	segs := []*models.Segment{flatSegment(0, 100, 0)}
	for i := range segs[0].Flux {
		segs[0].Flux[i] = 1 + 0.001*math.Sin(float64(i))
	}
	fold := models.Fold{Indices: []int{0}}

	a, err := inj.Generate(segs, fold, rand.New(rand.NewPCG(21, 1)))
	require.NoError(t, err)
	b, err := inj.Generate(segs, fold, rand.New(rand.NewPCG(21, 1)))
	require.NoError(t, err)
	assert.Equal(t, a.Features, b.Features)
	assert.Equal(t, a.Labels, b.Labels)
}

func TestGenerate_Errors(t *testing.T) {
	inj := newInjector(t, Config{NPos: 1}, 5)

	_, err := inj.Generate(nil, models.Fold{ID: 1}, rand.New(rand.NewPCG(1, 1)))
	assert.ErrorIs(t, err, models.ErrInsufficientData)

	short := []*models.Segment{flatSegment(0, 10, 0)}
	_, err = inj.Generate(short, models.Fold{Indices: []int{0}}, rand.New(rand.NewPCG(1, 1)))
	assert.ErrorIs(t, err, models.ErrInsufficientData)
}
