package database

// SQL schemas for the alert record and animal tables

const (
	// AlertRecordsClickHouseSQL creates the alert_records table. Every update
	// inserts a new row with a higher version; FINAL reads the latest one.
	AlertRecordsClickHouseSQL = `
		CREATE TABLE IF NOT EXISTS alert_records (
			id String,
			sensor_id String,
			event_ts DateTime64(3, 'UTC'),
			created_at DateTime64(3, 'UTC'),
			alert_type LowCardinality(String),
			viewed Bool,
			document String,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY (sensor_id, id)
		PARTITION BY toYYYYMM(event_ts)
	`

	// AlertRecordsSQLiteSQL creates the alert_records table for SQLite
	AlertRecordsSQLiteSQL = `
		CREATE TABLE IF NOT EXISTS alert_records (
			id TEXT PRIMARY KEY,
			sensor_id TEXT NOT NULL,
			event_ms INTEGER NOT NULL,
			created_ms INTEGER NOT NULL,
			alert_type TEXT NOT NULL,
			viewed INTEGER NOT NULL DEFAULT 0,
			document TEXT NOT NULL
		)
	`

	// AlertRecordsPostgresSQL creates the alert_records table for Postgres
	AlertRecordsPostgresSQL = `
		CREATE TABLE IF NOT EXISTS alert_records (
			id TEXT PRIMARY KEY,
			sensor_id TEXT NOT NULL,
			event_ms BIGINT NOT NULL,
			created_ms BIGINT NOT NULL,
			alert_type TEXT NOT NULL,
			viewed BOOLEAN NOT NULL DEFAULT FALSE,
			document TEXT NOT NULL
		)
	`

	// AlertRecordsSensorIndexSQL backs correlation lookups by sensor and event time
	AlertRecordsSensorIndexSQL = `
		CREATE INDEX IF NOT EXISTS idx_alert_records_sensor_event
		ON alert_records (sensor_id, event_ms)
	`

	// AnimalsClickHouseSQL keeps one row per fix; FINAL reads the latest
	AnimalsClickHouseSQL = `
		CREATE TABLE IF NOT EXISTS animals (
			id String,
			updated_at DateTime64(3, 'UTC'),
			document String,
			version UInt64
		) ENGINE = ReplacingMergeTree(version)
		ORDER BY id
	`

	// AnimalsSQL creates the animals table for SQLite and Postgres
	AnimalsSQL = `
		CREATE TABLE IF NOT EXISTS animals (
			id TEXT PRIMARY KEY,
			updated_ms BIGINT NOT NULL,
			document TEXT NOT NULL
		)
	`
)

// ClickHouseTables returns the ClickHouse DDL in creation order
func ClickHouseTables() []string {
	return []string{AlertRecordsClickHouseSQL, AnimalsClickHouseSQL}
}

// SQLiteTables returns the SQLite DDL in creation order
func SQLiteTables() []string {
	return []string{AlertRecordsSQLiteSQL, AlertRecordsSensorIndexSQL, AnimalsSQL}
}

// PostgresTables returns the Postgres DDL in creation order
func PostgresTables() []string {
	return []string{AlertRecordsPostgresSQL, AlertRecordsSensorIndexSQL, AnimalsSQL}
}
