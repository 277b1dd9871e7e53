package candidate

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/peerless/internal/models"
	"github.com/rewired-gh/peerless/internal/normalize"
)

func segment(id int, start float64, flux []float64) *models.Segment {
	s := &models.Segment{ID: id, Flux: flux, Texp: 0.02, Meta: models.Meta{Quarter: id + 1}}
	for i := range flux {
		s.Time = append(s.Time, start+0.01*float64(i))
	}
	return s
}

func dataset(fold int, features ...[]float64) *models.Dataset {
	ds := &models.Dataset{Fold: fold}
	for i, f := range features {
		ds.Append(models.TrainingWindow{
			Features: f,
			Label:    1,
			Record:   models.InjectionRecord{SectID: fold, NTT: 100*fold + i, Rp: 0.1},
		})
	}
	return ds
}

// foldModel builds a model for split whose validation results are listed in
// descending fold order.
func foldModel(split int, thresholds map[int]float64, preds map[int][]models.Prediction) *models.FoldModel {
	comps := models.Complements(split)
	m := &models.FoldModel{Split: split}
	for i := len(comps) - 1; i >= 0; i-- {
		m.Validation = append(m.Validation, models.ValidationResult{Fold: comps[i], Threshold: thresholds[comps[i]]})
	}
	for _, c := range comps {
		m.Test = append(m.Test, models.TestResult{Fold: c, Predictions: preds[c]})
	}
	return m
}

func fixture(t *testing.T) Input {
	t.Helper()
	norm, err := normalize.New(normalize.ModeLogMedian, 1)
	require.NoError(t, err)

	segs := []*models.Segment{
		segment(0, 99.98, []float64{1, 1, 0.9, 1, 1}),
		segment(1, 199.98, []float64{1, 1, 1, 1, 1}),
		segment(2, 299.98, []float64{1, 1, 1, 1, 1}),
	}
	return Input{
		Segments:   segs,
		Normalizer: norm,
		Datasets: [models.NumFolds]*models.Dataset{
			dataset(0, []float64{0, math.Log(0.9), 0}),
			dataset(1, []float64{0, -0.1, 0}, []float64{0, 0, 0}),
			dataset(2, []float64{0, -1, 0}),
		},
	}
}

func TestAggregate_CorroboratedAcrossTwoPairs(t *testing.T) {
	in := fixture(t)
	at100 := func(p float64) []models.Prediction {
		return []models.Prediction{{SectID: 0, Time: 100.0, Prob: p}}
	}
	in.Models = [models.NumFolds]*models.FoldModel{
		foldModel(0, map[int]float64{1: 0.5, 2: 0.5}, nil),
		foldModel(1, map[int]float64{0: 0.5, 2: 0.9}, map[int][]models.Prediction{0: at100(0.6)}),
		foldModel(2, map[int]float64{0: 0.4, 1: 0.9}, map[int][]models.Prediction{0: at100(0.8)}),
	}

	cands, err := Aggregate(in)
	require.NoError(t, err)
	require.Len(t, cands, 1)

	c := cands[0]
	assert.Equal(t, 100.0, c.Time)
	assert.Equal(t, 0, c.SectID)
	require.Len(t, c.Factors, 2)
	assert.InDelta(t, 1.2, c.Factors[0], 1e-12)
	assert.InDelta(t, 2.0, c.Factors[1], 1e-12)
	assert.InDelta(t, 1.6, c.MeanFactor, 1e-12)
	assert.Equal(t, 1, c.Meta.Quarter)
	assert.Zero(t, c.NumPoints)

	// The exact copy of the window lives in fold 0, whose segment was
	// scored, so the neighbour must come from another fold.
	assert.Equal(t, 100, c.Neighbor.NTT)
	assert.Equal(t, 1, c.Neighbor.SectID)
}

func TestAggregate_SinglePairIsDiscarded(t *testing.T) {
	in := fixture(t)
	in.Models = [models.NumFolds]*models.FoldModel{
		foldModel(0, map[int]float64{1: 0.5, 2: 0.5}, map[int][]models.Prediction{
			1: {{SectID: 1, Time: 200.0, Prob: 0.99}},
		}),
		foldModel(1, map[int]float64{0: 0.5, 2: 0.5}, nil),
		foldModel(2, map[int]float64{0: 0.5, 1: 0.5}, map[int][]models.Prediction{
			1: {{SectID: 1, Time: 200.01, Prob: 0.99}},
		}),
	}

	cands, err := Aggregate(in)
	require.NoError(t, err)
	assert.Empty(t, cands, "different samples must not merge and single pairs are uncorroborated")
}

func TestAggregate_ThresholdIsStrict(t *testing.T) {
	in := fixture(t)
	pred := map[int][]models.Prediction{2: {{SectID: 2, Time: 300.0, Prob: 0.5}}}
	in.Models = [models.NumFolds]*models.FoldModel{
		foldModel(0, map[int]float64{1: 0.5, 2: 0.5}, pred),
		foldModel(1, map[int]float64{0: 0.5, 2: 0.5}, pred),
		foldModel(2, map[int]float64{0: 0.5, 1: 0.5}, nil),
	}

	cands, err := Aggregate(in)
	require.NoError(t, err)
	assert.Empty(t, cands)

	in.Models[1] = foldModel(1, map[int]float64{0: 0.5, 2: 0.25}, pred)
	in.Models[0] = foldModel(0, map[int]float64{1: 0.5, 2: 0.4}, pred)
	cands, err = Aggregate(in)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.InDelta(t, (1.25+2.0)/2, cands[0].MeanFactor, 1e-12)
	assert.Equal(t, 3, cands[0].Meta.Quarter)
}

func TestAggregate_SortedByTime(t *testing.T) {
	in := fixture(t)
	preds := map[int][]models.Prediction{
		0: {{SectID: 0, Time: 100.01, Prob: 0.9}, {SectID: 0, Time: 99.99, Prob: 0.9}},
	}
	in.Models = [models.NumFolds]*models.FoldModel{
		foldModel(0, map[int]float64{1: 0.5, 2: 0.5}, nil),
		foldModel(1, map[int]float64{0: 0.5, 2: 0.5}, preds),
		foldModel(2, map[int]float64{0: 0.5, 1: 0.5}, preds),
	}

	cands, err := Aggregate(in)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Less(t, cands[0].Time, cands[1].Time)
}

func TestAggregate_ModelNotReady(t *testing.T) {
	in := fixture(t)
	in.Models[0] = foldModel(0, nil, nil)
	in.Models[1] = foldModel(1, nil, nil)

	_, err := Aggregate(in)
	assert.ErrorIs(t, err, models.ErrModelNotReady)
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key(131.512345), Key(131.5123451))
	assert.NotEqual(t, Key(131.512345), Key(131.512346))
	assert.Equal(t, int64(100000000), Key(100.0))
}

func TestDeduplicate_KeepsStrongest(t *testing.T) {
	cands := []models.Candidate{
		{Time: 100.0, MeanFactor: 2.0},
		{Time: 100.5, MeanFactor: 1.5},
	}
	out, err := Deduplicate(cands, 4.0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 100.0, out[0].Time)
	assert.Equal(t, 2, out[0].NumPoints)
}

func TestDeduplicate_Invariants(t *testing.T) {
	r := rand.New(rand.NewPCG(8, 9))
	const window = 4.0
	for trial := 0; trial < 20; trial++ {
		cands := make([]models.Candidate, 60)
		for i := range cands {
			cands[i] = models.Candidate{Time: 200 * r.Float64(), MeanFactor: 1 + r.Float64()}
		}
		out, err := Deduplicate(cands, window)
		require.NoError(t, err)
		require.NotEmpty(t, out)

		for i := range out {
			if i > 0 {
				assert.GreaterOrEqual(t, out[i].Time, out[i-1].Time)
			}
			for j := i + 1; j < len(out); j++ {
				assert.GreaterOrEqual(t, math.Abs(out[i].Time-out[j].Time), window)
			}
			within := 0
			for _, c := range cands {
				if math.Abs(c.Time-out[i].Time) < window {
					within++
				}
			}
			assert.Equal(t, within, out[i].NumPoints)
		}
	}
}

func TestDeduplicate_Edges(t *testing.T) {
	out, err := Deduplicate(nil, 4)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = Deduplicate([]models.Candidate{{Time: 1}}, 0)
	assert.ErrorIs(t, err, models.ErrConfiguration)
}
