// Package source is the SQLite-backed supply data source. Ingested data
// points wait in medicine_data until a batch claims them. A claim is a
// lease: the engine acknowledges the points once detection has run over
// them, or releases them when the batch fails. Points whose lease expires
// unacknowledged, for example after a crash, are claimed again.
package source

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

// Defaults applied by New to zero Config fields.
const (
	DefaultBatchSize = 500
	DefaultLease     = 10 * time.Minute
)

// Config is the "source" configuration section.
type Config struct {
	BatchSize int           `mapstructure:"batch_size"` // Points claimed per FetchPending
	Lease     time.Duration `mapstructure:"lease"`      // How long a claim holds before the points are pending again
}

// DefaultConfig returns the source defaults.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize, Lease: DefaultLease}
}

// ErrNotFound is returned when a medicine has no data point.
var ErrNotFound = errors.New("data point not found")

const columns = `medicine_id, medicine_name, generic_name, company, disease,
	current_stock, current_price, location, supplier, critical_threshold,
	average_market_price, daily_consumption, stock_history, price_history,
	supplier_delay, last_updated_at, description, causes_of_shortage`

// Store reads and writes medicine_data.
type Store struct {
	db        plugin.Store
	batchSize int
	lease     time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New migrates the medicine_data table and returns a Store. Non-positive
// Config fields select the defaults.
func New(ctx context.Context, db plugin.Store, cfg Config, logger *zap.Logger) (*Store, error) {
	if err := db.Migrate(ctx, "source", migrations()); err != nil {
		return nil, fmt.Errorf("migrate source: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	return &Store{db: db, batchSize: cfg.BatchSize, lease: cfg.Lease, logger: logger, now: time.Now}, nil
}

// FetchPending claims up to the batch size of unprocessed, unleased points,
// oldest update first. The claim lasts for the lease period; Acknowledge
// or Release settles it.
func (s *Store) FetchPending(ctx context.Context) ([]supply.DataPoint, error) {
	now := s.now()
	var points []supply.DataPoint
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+columns+` FROM medicine_data
			WHERE processed_at IS NULL AND (claimed_at IS NULL OR claimed_at <= ?)
			ORDER BY last_updated_at, medicine_id
			LIMIT ?`, now.Add(-s.lease).UnixNano(), s.batchSize)
		if err != nil {
			return fmt.Errorf("query pending: %w", err)
		}
		points, err = scanPoints(rows)
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return nil
		}

		stmt, err := tx.PrepareContext(ctx, "UPDATE medicine_data SET claimed_at = ? WHERE medicine_id = ?")
		if err != nil {
			return fmt.Errorf("prepare claim: %w", err)
		}
		defer stmt.Close()

		for _, p := range points {
			if _, err := stmt.ExecContext(ctx, now.UnixNano(), p.MedicineID); err != nil {
				return fmt.Errorf("claim %s: %w", p.MedicineID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(points) > 0 {
		s.logger.Debug("claimed pending data points", zap.Int("count", len(points)))
	}
	return points, nil
}

// Acknowledge marks claimed points processed. A point re-ingested since it
// was claimed is no longer claimed and stays pending.
func (s *Store) Acknowledge(ctx context.Context, medicineIDs []string) error {
	processed := s.now().UTC()
	n, err := s.settle(ctx, medicineIDs,
		"UPDATE medicine_data SET processed_at = ?, claimed_at = NULL WHERE medicine_id = ? AND claimed_at IS NOT NULL AND processed_at IS NULL",
		processed)
	if err != nil {
		return fmt.Errorf("acknowledge: %w", err)
	}
	s.logger.Debug("acknowledged data points", zap.Int64("count", n))
	return nil
}

// Release drops the claim on points so the next FetchPending returns them.
func (s *Store) Release(ctx context.Context, medicineIDs []string) error {
	n, err := s.settle(ctx, medicineIDs,
		"UPDATE medicine_data SET claimed_at = NULL WHERE medicine_id = ? AND processed_at IS NULL")
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	s.logger.Info("released data points for retry", zap.Int64("count", n))
	return nil
}

// settle runs query once per medicine ID in one transaction. args precede
// the ID in the statement's parameters.
func (s *Store) settle(ctx context.Context, medicineIDs []string, query string, args ...any) (int64, error) {
	if len(medicineIDs) == 0 {
		return 0, nil
	}
	var total int64
	err := s.db.Tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, id := range medicineIDs {
			res, err := stmt.ExecContext(ctx, append(args, id)...)
			if err != nil {
				return fmt.Errorf("%s: %w", id, err)
			}
			n, _ := res.RowsAffected()
			total += n
		}
		return nil
	})
	return total, err
}

// Upsert ingests points, replacing any existing record for the same
// medicine and making it pending again.
func (s *Store) Upsert(ctx context.Context, points ...supply.DataPoint) error {
	if len(points) == 0 {
		return nil
	}
	return s.db.Tx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO medicine_data (`+columns+`, ingested_at, claimed_at, processed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)
			ON CONFLICT(medicine_id) DO UPDATE SET
				medicine_name = excluded.medicine_name,
				generic_name = excluded.generic_name,
				company = excluded.company,
				disease = excluded.disease,
				current_stock = excluded.current_stock,
				current_price = excluded.current_price,
				location = excluded.location,
				supplier = excluded.supplier,
				critical_threshold = excluded.critical_threshold,
				average_market_price = excluded.average_market_price,
				daily_consumption = excluded.daily_consumption,
				stock_history = excluded.stock_history,
				price_history = excluded.price_history,
				supplier_delay = excluded.supplier_delay,
				last_updated_at = excluded.last_updated_at,
				description = excluded.description,
				causes_of_shortage = excluded.causes_of_shortage,
				ingested_at = excluded.ingested_at,
				claimed_at = NULL,
				processed_at = NULL`)
		if err != nil {
			return fmt.Errorf("prepare upsert: %w", err)
		}
		defer stmt.Close()

		ingested := s.now().UTC()
		for i := range points {
			p := &points[i]
			if strings.TrimSpace(p.MedicineID) == "" {
				return fmt.Errorf("upsert point %d: medicine id is required", i)
			}
			stock, err := encodeHistory(p.StockHistory)
			if err != nil {
				return err
			}
			price, err := encodeHistory(p.PriceHistory)
			if err != nil {
				return err
			}
			updated := p.LastUpdatedAt
			if updated.IsZero() {
				updated = ingested
			}
			if _, err := stmt.ExecContext(ctx,
				p.MedicineID, p.MedicineName, p.GenericName, p.Company, p.Disease,
				p.CurrentStock, p.CurrentPrice, p.Location, p.Supplier, p.CriticalThreshold,
				p.AverageMarketPrice, p.DailyConsumption, stock, price,
				p.SupplierDelay, updated.UTC(), p.Description, p.CausesOfShortage,
				ingested,
			); err != nil {
				return fmt.Errorf("upsert %s: %w", p.MedicineID, err)
			}
		}
		return nil
	})
}

// Get returns the stored point for a medicine.
func (s *Store) Get(ctx context.Context, medicineID string) (*supply.DataPoint, error) {
	rows, err := s.db.DB().QueryContext(ctx,
		`SELECT `+columns+` FROM medicine_data WHERE medicine_id = ?`, medicineID)
	if err != nil {
		return nil, fmt.Errorf("query data point: %w", err)
	}
	points, err := scanPoints(rows)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, ErrNotFound
	}
	return &points[0], nil
}

// PendingCount returns how many points await processing, claimed or not.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM medicine_data WHERE processed_at IS NULL").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func scanPoints(rows *sql.Rows) ([]supply.DataPoint, error) {
	defer rows.Close()

	var out []supply.DataPoint
	for rows.Next() {
		var (
			p            supply.DataPoint
			stock, price string
		)
		if err := rows.Scan(
			&p.MedicineID, &p.MedicineName, &p.GenericName, &p.Company, &p.Disease,
			&p.CurrentStock, &p.CurrentPrice, &p.Location, &p.Supplier, &p.CriticalThreshold,
			&p.AverageMarketPrice, &p.DailyConsumption, &stock, &price,
			&p.SupplierDelay, &p.LastUpdatedAt, &p.Description, &p.CausesOfShortage,
		); err != nil {
			return nil, fmt.Errorf("scan data point: %w", err)
		}
		var err error
		if p.StockHistory, err = decodeHistory(stock); err != nil {
			return nil, fmt.Errorf("data point %s stock history: %w", p.MedicineID, err)
		}
		if p.PriceHistory, err = decodeHistory(price); err != nil {
			return nil, fmt.Errorf("data point %s price history: %w", p.MedicineID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func encodeHistory(h []float64) (string, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(b), nil
}

func decodeHistory(s string) ([]float64, error) {
	var h []float64
	if err := json.Unmarshal([]byte(s), &h); err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}
