package storage

import (
	"fmt"

	"github.com/rewired-gh/peerless/internal/models"
)

// SaveSegments inserts or replaces segments by id.
func (s *Storage) SaveSegments(segments []*models.Segment) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, seg := range segments {
		if err := seg.Validate(); err != nil {
			return fmt.Errorf("invalid segment: %w", err)
		}
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO segments
				(id, channel, skygroup, module, output, quarter, season, flux_err, texp, time, flux)
			VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
			seg.ID, seg.Meta.Channel, seg.Meta.SkyGroup, seg.Meta.Module, seg.Meta.Output,
			seg.Meta.Quarter, seg.Meta.Season, seg.FluxErr, seg.Texp,
			s.encodeFloats(seg.Time), s.encodeFloats(seg.Flux),
		)
		if err != nil {
			return fmt.Errorf("failed to insert segment %d: %w", seg.ID, err)
		}
	}
	return tx.Commit()
}

// LoadSegments returns every stored segment ordered by id.
func (s *Storage) LoadSegments() ([]*models.Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, channel, skygroup, module, output, quarter, season, flux_err, texp, time, flux
		FROM segments ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query segments: %w", err)
	}
	defer rows.Close()

	segments := []*models.Segment{}
	for rows.Next() {
		var seg models.Segment
		var timeBlob, fluxBlob []byte
		err := rows.Scan(
			&seg.ID, &seg.Meta.Channel, &seg.Meta.SkyGroup, &seg.Meta.Module, &seg.Meta.Output,
			&seg.Meta.Quarter, &seg.Meta.Season, &seg.FluxErr, &seg.Texp, &timeBlob, &fluxBlob,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan segment: %w", err)
		}
		if seg.Time, err = s.decodeFloats(timeBlob); err != nil {
			return nil, fmt.Errorf("segment %d: %w", seg.ID, err)
		}
		if seg.Flux, err = s.decodeFloats(fluxBlob); err != nil {
			return nil, fmt.Errorf("segment %d: %w", seg.ID, err)
		}
		segments = append(segments, &seg)
	}
	return segments, rows.Err()
}
