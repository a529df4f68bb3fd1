package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS lot_occupancy (
		lot_id          TEXT PRIMARY KEY,
		available_slots INT NOT NULL CHECK (available_slots >= 0),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS parking_sessions (
		plate           TEXT PRIMARY KEY,
		entry_epoch     BIGINT NOT NULL,
		entry_timestamp TEXT NOT NULL,
		action          TEXT NOT NULL,
		image_url       TEXT,
		detections      JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS gate_events (
		id               BIGSERIAL PRIMARY KEY,
		action           TEXT NOT NULL,
		plate            TEXT NOT NULL,
		normalized_plate TEXT NOT NULL,
		decision         TEXT NOT NULL,
		slots_after      INT NOT NULL,
		duration_mins    INT NOT NULL DEFAULT 0,
		image_url        TEXT,
		event_time       TIMESTAMPTZ NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_events_normalized_plate ON gate_events(normalized_plate);`,
	`CREATE INDEX IF NOT EXISTS idx_gate_events_event_time ON gate_events(event_time);`,
}

// Connect opens the Postgres database and applies the schema. The occupancy
// row itself is initialized lazily on first use, not seeded here.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := runMigrations(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
