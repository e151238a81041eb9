package assignment

import (
	"context"
	"fmt"

	"github.com/nerrad567/plugsync-core/internal/infrastructure/database"
)

// Repository provides read access to persisted device assignments. The
// mirror is written by the clinic application; this core only reads it.
type Repository interface {
	// ListAll returns every assignment in the mirror.
	ListAll(ctx context.Context) ([]Record, error)
}

// SQLiteRepository is the SQLite-backed assignment mirror.
type SQLiteRepository struct {
	db *database.DB
}

// NewSQLiteRepository creates a repository backed by the given database.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ListAll returns every assignment, ordered by device ID for stable diffs.
func (r *SQLiteRepository) ListAll(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT device_id, equipment_id, clinic_id, account_id
		FROM device_assignments
		ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("querying assignments: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.DeviceID, &rec.EquipmentID, &rec.ClinicID, &rec.AccountID); err != nil {
			return nil, fmt.Errorf("scanning assignment row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating assignments: %w", err)
	}
	return records, nil
}
