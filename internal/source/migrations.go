package source

import (
	"database/sql"

	"github.com/HerbHall/medwatch/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create medicine data table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS medicine_data (
						medicine_id TEXT PRIMARY KEY,
						medicine_name TEXT NOT NULL DEFAULT '',
						generic_name TEXT NOT NULL DEFAULT '',
						company TEXT NOT NULL DEFAULT '',
						disease TEXT NOT NULL DEFAULT '',
						current_stock REAL NOT NULL DEFAULT 0,
						current_price REAL NOT NULL DEFAULT 0,
						location TEXT NOT NULL DEFAULT '',
						supplier TEXT NOT NULL DEFAULT '',
						critical_threshold REAL NOT NULL DEFAULT 0,
						average_market_price REAL NOT NULL DEFAULT 0,
						daily_consumption REAL NOT NULL DEFAULT 0,
						stock_history TEXT NOT NULL DEFAULT '[]',
						price_history TEXT NOT NULL DEFAULT '[]',
						supplier_delay REAL NOT NULL DEFAULT 0,
						last_updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						description TEXT NOT NULL DEFAULT '',
						causes_of_shortage TEXT NOT NULL DEFAULT '',
						ingested_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
						processed_at DATETIME
					)`,
					`CREATE INDEX IF NOT EXISTS idx_medicine_data_pending ON medicine_data(processed_at, last_updated_at)`,
				}
				for _, s := range stmts {
					if _, err := tx.Exec(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "add claim lease to medicine data",
			Up: func(tx *sql.Tx) error {
				// Unix nanoseconds; NULL when unclaimed.
				_, err := tx.Exec(`ALTER TABLE medicine_data ADD COLUMN claimed_at INTEGER`)
				return err
			},
		},
	}
}
