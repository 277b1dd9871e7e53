package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rewired-gh/peerless/internal/classifier"
	"github.com/rewired-gh/peerless/internal/models"
)

// SaveEnsemble writes run and its fold models in one transaction. An empty
// run.ID is replaced with a new UUID and a zero CreatedAt with the current
// time.
func (s *Storage) SaveEnsemble(run *Run, fms []*models.FoldModel) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	config := string(run.Config)
	if config == "" {
		config = "{}"
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO runs (id, created_at, half_width, seed, normalization, segments, config)
		VALUES (?,?,?,?,?,?,?)`,
		run.ID, run.CreatedAt.UnixNano(), run.HalfWidth, int64(run.Seed), run.Normalization, run.Segments, config,
	); err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, fm := range fms {
		if err := fm.Validate(); err != nil {
			return fmt.Errorf("invalid fold model: %w", err)
		}
		state, err := fm.Classifier.Export()
		if err != nil {
			return fmt.Errorf("failed to export classifier for split %d: %w", fm.Split, err)
		}
		if _, err := tx.Exec(`INSERT INTO folds (run_id, split, classifier) VALUES (?,?,?)`,
			run.ID, fm.Split, s.compress(state)); err != nil {
			return fmt.Errorf("failed to insert fold %d: %w", fm.Split, err)
		}

		for _, v := range fm.Validation {
			if _, err := tx.Exec(`
				INSERT INTO validations
					(run_id, split, fold, threshold, prec_req, auc, curve, predictions, labels)
				VALUES (?,?,?,?,?,?,?,?,?)`,
				run.ID, fm.Split, v.Fold, v.Threshold, v.PrecisionRequired, v.AUC,
				s.encodeCurve(v.Curve), s.encodeFloats(v.Predictions), s.encodeInts(v.Labels),
			); err != nil {
				return fmt.Errorf("failed to insert validation %d/%d: %w", fm.Split, v.Fold, err)
			}
		}

		for _, t := range fm.Test {
			ids := make([]int, len(t.Predictions))
			times := make([]float64, len(t.Predictions))
			probs := make([]float64, len(t.Predictions))
			for i, p := range t.Predictions {
				ids[i], times[i], probs[i] = p.SectID, p.Time, p.Prob
			}
			if _, err := tx.Exec(`
				INSERT INTO tests (run_id, split, fold, sect_ids, times, probs)
				VALUES (?,?,?,?,?,?)`,
				run.ID, fm.Split, t.Fold, s.encodeInts(ids), s.encodeFloats(times), s.encodeFloats(probs),
			); err != nil {
				return fmt.Errorf("failed to insert test %d/%d: %w", fm.Split, t.Fold, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the attributes of one run.
func (s *Storage) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runCols+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// LatestRun returns the most recently created run.
func (s *Storage) LatestRun() (*Run, error) {
	row := s.db.QueryRow(`SELECT ` + runCols + ` FROM runs ORDER BY created_at DESC LIMIT 1`)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no run stored: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return run, nil
}

// LoadEnsemble returns a run and its fold models. Classifiers are created
// with factory and restored from their exported state.
func (s *Storage) LoadEnsemble(runID string, factory classifier.Factory) (*Run, []*models.FoldModel, error) {
	run, err := s.GetRun(runID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.Query(`SELECT split, classifier FROM folds WHERE run_id = ? ORDER BY split`, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query folds: %w", err)
	}
	type foldRow struct {
		split int
		state []byte
	}
	var folds []foldRow
	for rows.Next() {
		var f foldRow
		if err := rows.Scan(&f.split, &f.state); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to scan fold: %w", err)
		}
		folds = append(folds, f)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read folds: %w", err)
	}

	fms := make([]*models.FoldModel, 0, len(folds))
	for _, f := range folds {
		state, err := s.decompress(f.state)
		if err != nil {
			return nil, nil, err
		}
		clf, err := factory(run.Seed)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build classifier for split %d: %w", f.split, err)
		}
		if err := clf.Import(state); err != nil {
			return nil, nil, fmt.Errorf("failed to import classifier for split %d: %w", f.split, err)
		}

		fm := &models.FoldModel{Split: f.split, Classifier: clf}
		if fm.Validation, err = s.loadValidations(runID, f.split); err != nil {
			return nil, nil, err
		}
		if fm.Test, err = s.loadTests(runID, f.split); err != nil {
			return nil, nil, err
		}
		if err := fm.Validate(); err != nil {
			return nil, nil, fmt.Errorf("stored fold model is inconsistent: %w", err)
		}
		fms = append(fms, fm)
	}
	return run, fms, nil
}

func (s *Storage) loadValidations(runID string, split int) ([]models.ValidationResult, error) {
	rows, err := s.db.Query(`
		SELECT fold, threshold, prec_req, auc, curve, predictions, labels
		FROM validations WHERE run_id = ? AND split = ? ORDER BY fold`, runID, split)
	if err != nil {
		return nil, fmt.Errorf("failed to query validations: %w", err)
	}
	defer rows.Close()

	var out []models.ValidationResult
	for rows.Next() {
		var v models.ValidationResult
		var curve, preds, labels []byte
		if err := rows.Scan(&v.Fold, &v.Threshold, &v.PrecisionRequired, &v.AUC, &curve, &preds, &labels); err != nil {
			return nil, fmt.Errorf("failed to scan validation: %w", err)
		}
		if v.Curve, err = s.decodeCurve(curve); err != nil {
			return nil, err
		}
		if v.Predictions, err = s.decodeFloats(preds); err != nil {
			return nil, err
		}
		if v.Labels, err = s.decodeInts(labels); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Storage) loadTests(runID string, split int) ([]models.TestResult, error) {
	rows, err := s.db.Query(`
		SELECT fold, sect_ids, times, probs
		FROM tests WHERE run_id = ? AND split = ? ORDER BY fold`, runID, split)
	if err != nil {
		return nil, fmt.Errorf("failed to query tests: %w", err)
	}
	defer rows.Close()

	var out []models.TestResult
	for rows.Next() {
		var fold int
		var idBlob, timeBlob, probBlob []byte
		if err := rows.Scan(&fold, &idBlob, &timeBlob, &probBlob); err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		ids, err := s.decodeInts(idBlob)
		if err != nil {
			return nil, err
		}
		times, err := s.decodeFloats(timeBlob)
		if err != nil {
			return nil, err
		}
		probs, err := s.decodeFloats(probBlob)
		if err != nil {
			return nil, err
		}
		if len(ids) != len(times) || len(ids) != len(probs) {
			return nil, fmt.Errorf("test %d/%d: array lengths differ", split, fold)
		}
		t := models.TestResult{Fold: fold, Predictions: make([]models.Prediction, len(ids))}
		for i := range ids {
			t.Predictions[i] = models.Prediction{SectID: ids[i], Time: times[i], Prob: probs[i]}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const runCols = `id, created_at, half_width, seed, normalization, segments, config`

func scanRun(scan func(...any) error) (*Run, error) {
	var r Run
	var createdAtNano, seed int64
	var config string
	if err := scan(&r.ID, &createdAtNano, &r.HalfWidth, &seed, &r.Normalization, &r.Segments, &config); err != nil {
		return nil, err
	}
	r.CreatedAt = time.Unix(0, createdAtNano)
	r.Seed = uint64(seed)
	r.Config = []byte(config)
	return &r, nil
}
