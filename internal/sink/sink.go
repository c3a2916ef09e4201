// Package sink persists canonical anomalies to SQLite and serves the
// queries the review workflow and API need.
package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/medwatch/pkg/plugin"
	"github.com/HerbHall/medwatch/pkg/supply"
)

// List limits.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

var (
	ErrNotFound      = errors.New("anomaly not found")
	ErrInvalidStatus = errors.New("invalid anomaly status")
)

const columns = `id, detection_type, type, severity, message, description,
	confidence, details, medicine_data_id, disease, assigned_to, status,
	timestamp, reviewed_at`

// Filter narrows ListAnomalies. Zero fields do not filter.
type Filter struct {
	Status        string
	Severity      string
	DetectionType string
	MedicineID    string
	Since         time.Time
	Limit         int
}

// Store reads and writes the anomalies table.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// New migrates the anomalies table and returns a Store.
func New(ctx context.Context, db plugin.Store, logger *zap.Logger) (*Store, error) {
	if err := db.Migrate(ctx, "sink", migrations()); err != nil {
		return nil, fmt.Errorf("migrate sink: %w", err)
	}
	return &Store{db: db.DB(), logger: logger}, nil
}

// SaveAnomaly inserts a new anomaly. Anomalies are written once; saving an
// existing ID fails.
func (s *Store) SaveAnomaly(ctx context.Context, a *supply.Anomaly) error {
	details, err := a.DetailsJSON()
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}

	var reviewedAt sql.NullTime
	if a.ReviewedAt != nil {
		reviewedAt = sql.NullTime{Time: a.ReviewedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO anomalies (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.DetectionType, a.Type, a.Severity, a.Message, a.Description,
		a.Confidence, details, nullString(a.MedicineDataID), nullString(a.Disease),
		a.AssignedTo, a.Status, a.Timestamp.UTC(), reviewedAt,
	)
	if err != nil {
		return fmt.Errorf("insert anomaly %s: %w", a.ID, err)
	}
	return nil
}

// GetAnomaly returns one anomaly by ID.
func (s *Store) GetAnomaly(ctx context.Context, id string) (*supply.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+columns+` FROM anomalies WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query anomaly: %w", err)
	}
	list, err := scanAnomalies(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// ListAnomalies returns anomalies matching f, newest first.
func (s *Store) ListAnomalies(ctx context.Context, f Filter) ([]supply.Anomaly, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		where = append(where, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.DetectionType != "" {
		where = append(where, "detection_type = ?")
		args = append(args, f.DetectionType)
	}
	if f.MedicineID != "" {
		where = append(where, "medicine_data_id = ?")
		args = append(args, f.MedicineID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UTC())
	}

	limit := f.Limit
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	query := `SELECT ` + columns + ` FROM anomalies`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return scanAnomalies(rows)
}

// ReviewAnomaly moves an anomaly to status and stamps its review time. An
// empty assignedTo keeps the current owner.
func (s *Store) ReviewAnomaly(ctx context.Context, id, status, assignedTo string, at time.Time) (*supply.Anomaly, error) {
	if !supply.ValidStatus(status) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE anomalies
		SET status = ?, assigned_to = COALESCE(NULLIF(?, ''), assigned_to), reviewed_at = ?
		WHERE id = ?`,
		status, assignedTo, at.UTC(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("review anomaly %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	s.logger.Info("anomaly reviewed",
		zap.String("anomaly_id", id),
		zap.String("status", status),
	)
	return s.GetAnomaly(ctx, id)
}

// DeleteOlderThan removes anomalies created before cutoff and returns how
// many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM anomalies WHERE timestamp < ?", cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old anomalies: %w", err)
	}
	return res.RowsAffected()
}

// CountBySeverity returns the number of active anomalies per severity.
func (s *Store) CountBySeverity(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT severity, COUNT(*) FROM anomalies WHERE status = ? GROUP BY severity",
		supply.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("count anomalies: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			sev string
			n   int
		)
		if err := rows.Scan(&sev, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[sev] = n
	}
	return out, rows.Err()
}

func scanAnomalies(rows *sql.Rows) ([]supply.Anomaly, error) {
	defer rows.Close()

	var out []supply.Anomaly
	for rows.Next() {
		var (
			a          supply.Anomaly
			details    string
			medicineID sql.NullString
			disease    sql.NullString
			reviewedAt sql.NullTime
		)
		if err := rows.Scan(
			&a.ID, &a.DetectionType, &a.Type, &a.Severity, &a.Message, &a.Description,
			&a.Confidence, &details, &medicineID, &disease, &a.AssignedTo, &a.Status,
			&a.Timestamp, &reviewedAt,
		); err != nil {
			return nil, fmt.Errorf("scan anomaly: %w", err)
		}
		if err := json.Unmarshal([]byte(details), &a.Details); err != nil {
			return nil, fmt.Errorf("anomaly %s details: %w", a.ID, err)
		}
		if a.Details == nil {
			a.Details = supply.Details{}
		}
		if medicineID.Valid {
			a.MedicineDataID = &medicineID.String
		}
		if disease.Valid {
			a.Disease = &disease.String
		}
		if reviewedAt.Valid {
			t := reviewedAt.Time
			a.ReviewedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
