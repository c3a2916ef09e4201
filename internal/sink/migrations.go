package sink

import (
	"database/sql"

	"github.com/HerbHall/medwatch/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create anomalies table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS anomalies (
						id TEXT PRIMARY KEY,
						detection_type TEXT NOT NULL,
						type TEXT NOT NULL,
						severity TEXT NOT NULL,
						message TEXT NOT NULL,
						description TEXT NOT NULL,
						confidence REAL NOT NULL,
						details TEXT NOT NULL DEFAULT '{}',
						medicine_data_id TEXT,
						disease TEXT,
						assigned_to TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL DEFAULT 'active',
						timestamp DATETIME NOT NULL,
						reviewed_at DATETIME
					)`,
					`CREATE INDEX IF NOT EXISTS idx_anomalies_timestamp ON anomalies(timestamp)`,
					`CREATE INDEX IF NOT EXISTS idx_anomalies_medicine ON anomalies(medicine_data_id, timestamp)`,
					`CREATE INDEX IF NOT EXISTS idx_anomalies_status ON anomalies(status, severity)`,
				}
				for _, s := range stmts {
					if _, err := tx.Exec(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
