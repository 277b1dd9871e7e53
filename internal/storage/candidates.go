package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/rewired-gh/peerless/internal/models"
)

// SaveCandidates replaces the candidates stored for runID. Candidates
// without an ID are given a new UUID in place.
func (s *Storage) SaveCandidates(runID string, cands []models.Candidate) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`DELETE FROM candidates WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("failed to clear candidates: %w", err)
	}

	for i := range cands {
		c := &cands[i]
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		meta, err := json.Marshal(c.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal candidate meta: %w", err)
		}
		nn := c.Neighbor
		nnMeta, err := json.Marshal(nn.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal neighbour meta: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO candidates
				(id, run_id, time, num_points, sect_id, mean_factor, factors, meta,
				 nn_sect_id, nn_ntt, nn_transit_time, nn_q1, nn_q2, nn_period, nn_t0,
				 nn_rp, nn_b, nn_e, nn_pomega, nn_meta)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			c.ID, runID, c.Time, c.NumPoints, c.SectID, c.MeanFactor, s.encodeFloats(c.Factors), string(meta),
			nn.SectID, nn.NTT, nullable(nn.TransitTime), nullable(nn.Q1), nullable(nn.Q2),
			nullable(nn.Period), nullable(nn.T0), nullable(nn.Rp), nullable(nn.B),
			nullable(nn.E), nullable(nn.Pomega), string(nnMeta),
		)
		if err != nil {
			return fmt.Errorf("failed to insert candidate: %w", err)
		}
	}
	return tx.Commit()
}

// GetCandidates returns the candidates of runID ordered by time.
func (s *Storage) GetCandidates(runID string) ([]models.Candidate, error) {
	rows, err := s.db.Query(`
		SELECT id, time, num_points, sect_id, mean_factor, factors, meta,
		       nn_sect_id, nn_ntt, nn_transit_time, nn_q1, nn_q2, nn_period, nn_t0,
		       nn_rp, nn_b, nn_e, nn_pomega, nn_meta
		FROM candidates WHERE run_id = ? ORDER BY time`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer rows.Close()

	cands := []models.Candidate{}
	for rows.Next() {
		var c models.Candidate
		var factors []byte
		var meta, nnMeta string
		var nnVals [9]sql.NullFloat64
		err := rows.Scan(
			&c.ID, &c.Time, &c.NumPoints, &c.SectID, &c.MeanFactor, &factors, &meta,
			&c.Neighbor.SectID, &c.Neighbor.NTT,
			&nnVals[0], &nnVals[1], &nnVals[2], &nnVals[3], &nnVals[4],
			&nnVals[5], &nnVals[6], &nnVals[7], &nnVals[8], &nnMeta,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		if c.Factors, err = s.decodeFloats(factors); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &c.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidate meta: %w", err)
		}
		if err := json.Unmarshal([]byte(nnMeta), &c.Neighbor.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal neighbour meta: %w", err)
		}
		nn := &c.Neighbor
		for i, dst := range []*float64{&nn.TransitTime, &nn.Q1, &nn.Q2, &nn.Period, &nn.T0, &nn.Rp, &nn.B, &nn.E, &nn.Pomega} {
			*dst = math.NaN()
			if nnVals[i].Valid {
				*dst = nnVals[i].Float64
			}
		}
		cands = append(cands, c)
	}
	return cands, rows.Err()
}

// nullable stores NaN as NULL.
func nullable(x float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: x, Valid: !math.IsNaN(x)}
}
