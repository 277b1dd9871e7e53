package storage

import (
	"database/sql"
	"errors"
	"math"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/rewired-gh/peerless/internal/classifier"
	"github.com/rewired-gh/peerless/internal/models"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSegment(id int) *models.Segment {
	seg := &models.Segment{
		ID:      id,
		FluxErr: 1e-4,
		Texp:    0.0204,
		Meta:    models.Meta{Channel: 3, SkyGroup: 40, Module: 2, Output: 1, Quarter: 5, Season: 2},
	}
	for i := 0; i < 50; i++ {
		seg.Time = append(seg.Time, 100+float64(i)*0.0204)
		seg.Flux = append(seg.Flux, 1+1e-3*float64(i%7))
	}
	seg.Flux[10] = math.NaN()
	return seg
}

func trainedForest(t *testing.T) classifier.Classifier {
	t.Helper()
	f, err := classifier.NewRandomForest(classifier.ForestConfig{NEstimators: 3, Seed: 1})
	if err != nil {
		t.Fatalf("NewRandomForest: %v", err)
	}
	x := [][]float64{{0, 0}, {0, 1}, {1, 0}, {1, 1}, {0.1, 0.2}, {0.9, 0.8}}
	y := []int{0, 0, 1, 1, 0, 1}
	if err := f.Fit(x, y); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	return f
}

func testFoldModels(t *testing.T) []*models.FoldModel {
	t.Helper()
	var fms []*models.FoldModel
	for split := 0; split < models.NumFolds; split++ {
		fm := &models.FoldModel{Split: split, Classifier: trainedForest(t)}
		for _, c := range models.Complements(split) {
			fm.Validation = append(fm.Validation, models.ValidationResult{
				Fold:              c,
				Threshold:         0.25 + 0.1*float64(c),
				PrecisionRequired: 1,
				Curve: []models.PRPoint{
					{Precision: 0.5, Recall: 1, Threshold: 0.1},
					{Precision: 1, Recall: 0.5, Threshold: 0.6},
					{Precision: 1, Recall: 0, Threshold: 1},
				},
				AUC:         0.875,
				Predictions: []float64{0.1, 0.6, 0.3, 0.9},
				Labels:      []int{0, 1, 0, 1},
			})
			fm.Test = append(fm.Test, models.TestResult{
				Fold: c,
				Predictions: []models.Prediction{
					{SectID: c, Time: 131.5, Prob: 0.7},
					{SectID: c, Time: 131.52, Prob: 0.2},
				},
			})
		}
		fms = append(fms, fm)
	}
	return fms
}

func TestStorage_SegmentsRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	segs := []*models.Segment{testSegment(2), testSegment(1)}
	if err := s.SaveSegments(segs); err != nil {
		t.Fatalf("SaveSegments: %v", err)
	}

	got, err := s.LoadSegments()
	if err != nil {
		t.Fatalf("LoadSegments: %v", err)
	}
	if len(got) != 2 || got[0].ID != 1 || got[1].ID != 2 {
		t.Fatalf("unexpected segments order: %+v", got)
	}
	want := segs[1]
	if got[0].Meta != want.Meta || got[0].Texp != want.Texp || got[0].FluxErr != want.FluxErr {
		t.Errorf("segment attributes differ: got %+v", got[0])
	}
	if !reflect.DeepEqual(got[0].Time, want.Time) {
		t.Error("segment time differs after round trip")
	}
	for i := range want.Flux {
		a, b := got[0].Flux[i], want.Flux[i]
		if a != b && !(math.IsNaN(a) && math.IsNaN(b)) {
			t.Fatalf("flux[%d] = %v, want %v", i, a, b)
		}
	}
}

func TestStorage_SaveSegmentsRejectsInvalid(t *testing.T) {
	s := newTestStorage(t)
	bad := &models.Segment{ID: 1, Time: []float64{1, 2}, Flux: []float64{1}, Texp: 0.02}
	if err := s.SaveSegments([]*models.Segment{testSegment(0), bad}); err == nil {
		t.Fatal("expected error for invalid segment")
	}
	got, _ := s.LoadSegments()
	if len(got) != 0 {
		t.Errorf("expected rollback, found %d segments", len(got))
	}
}

func TestStorage_EnsembleRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	fms := testFoldModels(t)
	run := &Run{
		HalfWidth:     100,
		Seed:          math.MaxUint64 - 5,
		Normalization: "log-median",
		Segments:      "3f9a0c",
		Config:        []byte(`{"half_width":100}`),
	}

	if err := s.SaveEnsemble(run, fms); err != nil {
		t.Fatalf("SaveEnsemble: %v", err)
	}
	if run.ID == "" || run.CreatedAt.IsZero() {
		t.Fatal("SaveEnsemble should assign an id and creation time")
	}

	gotRun, got, err := s.LoadEnsemble(run.ID, classifier.ForestFactory(classifier.ForestConfig{}))
	if err != nil {
		t.Fatalf("LoadEnsemble: %v", err)
	}
	if gotRun.Seed != run.Seed || gotRun.HalfWidth != 100 || gotRun.Normalization != "log-median" {
		t.Errorf("run attributes differ: %+v", gotRun)
	}
	if gotRun.Segments != "3f9a0c" {
		t.Errorf("segments fingerprint = %q, want %q", gotRun.Segments, "3f9a0c")
	}
	if string(gotRun.Config) != `{"half_width":100}` {
		t.Errorf("config = %s", gotRun.Config)
	}
	if len(got) != len(fms) {
		t.Fatalf("got %d fold models, want %d", len(got), len(fms))
	}

	rows := [][]float64{{0.2, 0.1}, {0.8, 0.9}}
	for i, fm := range got {
		if fm.Split != fms[i].Split {
			t.Fatalf("split %d loaded as %d", fms[i].Split, fm.Split)
		}
		if !reflect.DeepEqual(fm.Validation, fms[i].Validation) {
			t.Errorf("split %d: validation differs\ngot  %+v\nwant %+v", fm.Split, fm.Validation, fms[i].Validation)
		}
		if !reflect.DeepEqual(fm.Test, fms[i].Test) {
			t.Errorf("split %d: test results differ", fm.Split)
		}
		want, _ := fms[i].Classifier.PredictProba(rows)
		have, err := fm.Classifier.PredictProba(rows)
		if err != nil || !reflect.DeepEqual(want, have) {
			t.Errorf("split %d: restored classifier predicts %v, want %v (err %v)", fm.Split, have, want, err)
		}
	}
}

func TestStorage_SaveEnsembleRollsBack(t *testing.T) {
	s := newTestStorage(t)
	fms := testFoldModels(t)
	fms[2].Test = nil

	run := &Run{HalfWidth: 5, Normalization: "log-median"}
	if err := s.SaveEnsemble(run, fms); err == nil {
		t.Fatal("expected error for inconsistent fold model")
	}
	if _, err := s.GetRun(run.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun after rollback: err = %v, want ErrNotFound", err)
	}
}

func TestStorage_LatestRun(t *testing.T) {
	s := newTestStorage(t)
	if _, err := s.LatestRun(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestRun on empty db: err = %v", err)
	}

	old := &Run{ID: "old", CreatedAt: time.Now().Add(-time.Hour), HalfWidth: 5}
	recent := &Run{ID: "recent", CreatedAt: time.Now(), HalfWidth: 5}
	for _, r := range []*Run{recent, old} {
		if err := s.SaveEnsemble(r, nil); err != nil {
			t.Fatalf("SaveEnsemble: %v", err)
		}
	}
	if err := s.SaveEnsemble(&Run{ID: "old"}, nil); err == nil {
		t.Error("expected error for duplicate run id")
	}

	got, err := s.LatestRun()
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if got.ID != "recent" {
		t.Errorf("LatestRun = %s, want recent", got.ID)
	}
}

func TestStorage_CandidatesRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	run := &Run{ID: "run-1", HalfWidth: 5}
	if err := s.SaveEnsemble(run, nil); err != nil {
		t.Fatalf("SaveEnsemble: %v", err)
	}

	cands := []models.Candidate{
		{
			Time: 250.5, NumPoints: 3, SectID: 1, MeanFactor: 1.6, Factors: []float64{1.2, 2.0},
			Meta:     models.Meta{Quarter: 4, Channel: 9},
			Neighbor: models.NegativeRecord(7, 120, 90.1, models.Meta{Quarter: 2}),
		},
		{
			Time: 120.25, NumPoints: 1, SectID: 0, MeanFactor: 3, Factors: []float64{3, 3},
			Neighbor: models.InjectionRecord{SectID: 2, NTT: 40, TransitTime: 10, Q1: 0.3, Q2: 0.4,
				Period: 1500, T0: 0.05, Rp: 0.1, B: 0.2, Meta: models.Meta{Season: 1}},
		},
	}
	if err := s.SaveCandidates(run.ID, cands); err != nil {
		t.Fatalf("SaveCandidates: %v", err)
	}
	if cands[0].ID == "" || cands[0].ID == cands[1].ID {
		t.Fatalf("candidates should get distinct ids, got %q and %q", cands[0].ID, cands[1].ID)
	}

	got, err := s.GetCandidates(run.ID)
	if err != nil {
		t.Fatalf("GetCandidates: %v", err)
	}
	if len(got) != 2 || got[0].Time != 120.25 || got[1].Time != 250.5 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
	if !reflect.DeepEqual(got[0], cands[1]) {
		t.Errorf("injected neighbour differs:\ngot  %+v\nwant %+v", got[0], cands[1])
	}
	neg := got[1]
	if neg.Neighbor.Injected() || !math.IsNaN(neg.Neighbor.Period) || neg.Neighbor.TransitTime != 90.1 {
		t.Errorf("negative neighbour not restored: %+v", neg.Neighbor)
	}
	if !reflect.DeepEqual(neg.Factors, []float64{1.2, 2.0}) || neg.Meta.Channel != 9 {
		t.Errorf("candidate fields differ: %+v", neg)
	}

	if err := s.SaveCandidates(run.ID, cands[:1]); err != nil {
		t.Fatalf("SaveCandidates: %v", err)
	}
	got, _ = s.GetCandidates(run.ID)
	if len(got) != 1 {
		t.Errorf("saving again should replace the run's candidates, got %d", len(got))
	}

	if err := s.SaveCandidates("missing", cands); err == nil {
		t.Error("expected foreign key error for unknown run")
	}
}

func TestUse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "peerless.db")
	err := Use(path, func(s *Storage) error {
		return s.SaveSegments([]*models.Segment{testSegment(4)})
	})
	if err != nil {
		t.Fatalf("Use: %v", err)
	}

	sentinel := errors.New("stop")
	err = Use(path, func(s *Storage) error {
		segs, err := s.LoadSegments()
		if err != nil {
			return err
		}
		if len(segs) != 1 || segs[0].ID != 4 {
			t.Errorf("segments not persisted: %+v", segs)
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Use should return the callback error, got %v", err)
	}
}

func TestStorage_MigratesLegacyRuns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("failed to open legacy db: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE runs (
		id            TEXT PRIMARY KEY,
		created_at    INTEGER NOT NULL,
		half_width    INTEGER NOT NULL,
		seed          INTEGER NOT NULL,
		normalization TEXT NOT NULL,
		config        TEXT NOT NULL
	)`)
	if err == nil {
		_, err = db.Exec(`INSERT INTO runs VALUES ('old', 1700000000, 50, 1, 'log-median', '{}')`)
	}
	db.Close()
	if err != nil {
		t.Fatalf("failed to seed legacy db: %v", err)
	}

	s, err := New(path)
	if err != nil {
		t.Fatalf("New on legacy db: %v", err)
	}
	defer s.Close()

	run, err := s.GetRun("old")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Segments != "" {
		t.Errorf("legacy run segments = %q, want empty", run.Segments)
	}

	// Reopening must not add the column twice.
	s2, err := New(path)
	if err != nil {
		t.Fatalf("second New on migrated db: %v", err)
	}
	s2.Close()
}
