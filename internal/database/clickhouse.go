package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"wildlife-backend/internal/models"
)

// ClickHouseDB stores alert records in a ReplacingMergeTree keyed by record id
type ClickHouseDB struct {
	conn   driver.Conn
	logger *zap.Logger
	// updateMu serializes read-modify-insert so versions stay monotonic per process
	updateMu sync.Mutex
}

// NewClickHouseDB creates a new ClickHouse database connection
func NewClickHouseDB(addr, database, username, password string, logger *zap.Logger) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	logger.Info("connected to ClickHouse", zap.String("addr", addr), zap.String("database", database))
	return &ClickHouseDB{conn: conn, logger: logger.Named("clickhouse")}, nil
}

// Init pings the server and creates the necessary tables if they don't exist
func (db *ClickHouseDB) Init(ctx context.Context) error {
	if err := db.conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	for _, tableSQL := range ClickHouseTables() {
		if err := db.conn.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	db.logger.Info("database schema initialized")
	return nil
}

// InsertAlert writes the first version of a record
func (db *ClickHouseDB) InsertAlert(ctx context.Context, rec *models.AlertRecord) error {
	prepareInsert(rec)
	return db.write(ctx, rec, 1)
}

func (db *ClickHouseDB) write(ctx context.Context, rec *models.AlertRecord, version uint64) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal alert record: %w", err)
	}

	query := `
		INSERT INTO alert_records (id, sensor_id, event_ts, created_at, alert_type, viewed, document, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = db.conn.Exec(ctx, query,
		rec.ID,
		rec.SensorID,
		rec.Timestamp.UTC(),
		rec.CreatedAt.UTC(),
		string(rec.AlertType),
		rec.Viewed,
		string(doc),
		version,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert record: %w", err)
	}
	return nil
}

func (db *ClickHouseDB) GetAlert(ctx context.Context, id string) (*models.AlertRecord, error) {
	rec, _, err := db.load(ctx, id)
	return rec, err
}

func (db *ClickHouseDB) load(ctx context.Context, id string) (*models.AlertRecord, uint64, error) {
	query := `
		SELECT document, version
		FROM alert_records FINAL
		WHERE id = ?
		LIMIT 1
	`

	var (
		doc     string
		version uint64
	)
	if err := db.conn.QueryRow(ctx, query, id).Scan(&doc, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to query alert record: %w", err)
	}

	rec, err := decodeRecord(doc)
	if err != nil {
		return nil, 0, err
	}
	return rec, version, nil
}

func (db *ClickHouseDB) FindAlerts(ctx context.Context, filter AlertFilter) ([]models.AlertRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.SensorID != "" {
		where = append(where, "sensor_id = ?")
		args = append(args, filter.SensorID)
	}
	if !filter.From.IsZero() {
		where = append(where, "event_ts >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "event_ts <= ?")
		args = append(args, filter.To.UTC())
	}

	query := "SELECT document FROM alert_records FINAL"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := db.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert records: %w", err)
	}
	defer rows.Close()

	var out []models.AlertRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan alert record: %w", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (db *ClickHouseDB) AttachAudio(ctx context.Context, id string, audio models.AudioSubRecord) error {
	return db.update(ctx, id, applyAudio(audio))
}

func (db *ClickHouseDB) AppendImage(ctx context.Context, id string, img models.Image) error {
	return db.update(ctx, id, applyImage(img))
}

// update re-inserts the mutated document with the next version
func (db *ClickHouseDB) update(ctx context.Context, id string, mutate func(*models.AlertRecord) error) error {
	db.updateMu.Lock()
	defer db.updateMu.Unlock()

	rec, version, err := db.load(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()
	return db.write(ctx, rec, version+1)
}

// UpsertAnimal inserts the next version of the animal document
func (db *ClickHouseDB) UpsertAnimal(ctx context.Context, id string, loc models.AnimalLocation, at time.Time) (*models.Animal, *models.Animal, error) {
	db.updateMu.Lock()
	defer db.updateMu.Unlock()

	before, version, err := db.loadAnimal(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, nil, err
	}
	after := applyLocation(id, before, loc, at)
	doc, err := json.Marshal(after)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal animal: %w", err)
	}
	err = db.conn.Exec(ctx, `INSERT INTO animals (id, updated_at, document, version) VALUES (?, ?, ?, ?)`,
		id, after.LastUpdate, string(doc), version+1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to insert animal: %w", err)
	}
	return before, after, nil
}

func (db *ClickHouseDB) GetAnimal(ctx context.Context, id string) (*models.Animal, error) {
	a, _, err := db.loadAnimal(ctx, id)
	return a, err
}

func (db *ClickHouseDB) loadAnimal(ctx context.Context, id string) (*models.Animal, uint64, error) {
	var (
		doc     string
		version uint64
	)
	err := db.conn.QueryRow(ctx, `SELECT document, version FROM animals FINAL WHERE id = ? LIMIT 1`, id).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to query animal: %w", err)
	}
	a, err := decodeAnimal(doc)
	if err != nil {
		return nil, 0, err
	}
	return a, version, nil
}

// Close closes the ClickHouse connection
func (db *ClickHouseDB) Close() error {
	if db.conn != nil {
		if err := db.conn.Close(); err != nil {
			return fmt.Errorf("failed to close ClickHouse connection: %w", err)
		}
		db.logger.Info("ClickHouse connection closed")
	}
	return nil
}
