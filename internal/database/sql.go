package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"wildlife-backend/internal/models"
)

// sqlDialect captures what differs between the database/sql engines
type sqlDialect struct {
	name      string
	tables    []string
	dollar    bool   // $n placeholders instead of ?
	forUpdate string // row lock clause for read-modify-write
}

var (
	sqliteDialect   = sqlDialect{name: "sqlite", tables: SQLiteTables()}
	postgresDialect = sqlDialect{name: "postgres", tables: PostgresTables(), dollar: true, forUpdate: " FOR UPDATE"}
)

// SQLStore keeps each alert record as a JSON document with indexed lookup columns
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
	// writeMu serializes read-modify-write on engines without row locks
	writeMu sync.Mutex
}

// NewSQLite opens a SQLite store, defaulting to a local file
func NewSQLite(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:wildlife.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLStore{db: db, dialect: sqliteDialect}, nil
}

// NewPostgres opens a Postgres store through the pgx stdlib driver
func NewPostgres(dsn string) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/wildlife?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return &SQLStore{db: db, dialect: postgresDialect}, nil
}

func (s *SQLStore) Init(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping %s: %w", s.dialect.name, err)
	}
	for _, stmt := range s.dialect.tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for engines that number them
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) InsertAlert(ctx context.Context, rec *models.AlertRecord) error {
	prepareInsert(rec)
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal alert record: %w", err)
	}

	query := s.rebind(`
		INSERT INTO alert_records (id, sensor_id, event_ms, created_ms, alert_type, viewed, document)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID,
		rec.SensorID,
		rec.Timestamp.UnixMilli(),
		rec.CreatedAt.UnixMilli(),
		string(rec.AlertType),
		rec.Viewed,
		string(doc),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert record: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAlert(ctx context.Context, id string) (*models.AlertRecord, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM alert_records WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query alert record: %w", err)
	}
	return decodeRecord(doc)
}

func (s *SQLStore) FindAlerts(ctx context.Context, filter AlertFilter) ([]models.AlertRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.SensorID != "" {
		where = append(where, "sensor_id = ?")
		args = append(args, filter.SensorID)
	}
	if !filter.From.IsZero() {
		where = append(where, "event_ms >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		where = append(where, "event_ms <= ?")
		args = append(args, filter.To.UnixMilli())
	}

	query := "SELECT document FROM alert_records"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_ms, id"

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
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

func (s *SQLStore) AttachAudio(ctx context.Context, id string, audio models.AudioSubRecord) error {
	return s.update(ctx, id, applyAudio(audio))
}

func (s *SQLStore) AppendImage(ctx context.Context, id string, img models.Image) error {
	return s.update(ctx, id, applyImage(img))
}

// update applies mutate to the stored document inside one transaction
func (s *SQLStore) update(ctx context.Context, id string, mutate func(*models.AlertRecord) error) error {
	if s.dialect.forUpdate == "" {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var doc string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT document FROM alert_records WHERE id = ?`+s.dialect.forUpdate), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load alert record: %w", err)
	}

	rec, err := decodeRecord(doc)
	if err != nil {
		return err
	}
	if err := mutate(rec); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	next, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal alert record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE alert_records SET document = ?, viewed = ? WHERE id = ?`), string(next), rec.Viewed, id); err != nil {
		return fmt.Errorf("failed to update alert record: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) UpsertAnimal(ctx context.Context, id string, loc models.AnimalLocation, at time.Time) (*models.Animal, *models.Animal, error) {
	if s.dialect.forUpdate == "" {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var before *models.Animal
	var doc string
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT document FROM animals WHERE id = ?`+s.dialect.forUpdate), id).Scan(&doc)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, nil, fmt.Errorf("failed to load animal: %w", err)
	default:
		if before, err = decodeAnimal(doc); err != nil {
			return nil, nil, err
		}
	}

	after := applyLocation(id, before, loc, at)
	next, err := json.Marshal(after)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal animal: %w", err)
	}
	query := s.rebind(`
		INSERT INTO animals (id, updated_ms, document) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET updated_ms = excluded.updated_ms, document = excluded.document
	`)
	if _, err := tx.ExecContext(ctx, query, id, after.LastUpdate.UnixMilli(), string(next)); err != nil {
		return nil, nil, fmt.Errorf("failed to upsert animal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit animal: %w", err)
	}
	return before, after, nil
}

func (s *SQLStore) GetAnimal(ctx context.Context, id string) (*models.Animal, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT document FROM animals WHERE id = ?`), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query animal: %w", err)
	}
	return decodeAnimal(doc)
}

func decodeAnimal(doc string) (*models.Animal, error) {
	var a models.Animal
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, fmt.Errorf("failed to decode animal: %w", err)
	}
	return &a, nil
}

func decodeRecord(doc string) (*models.AlertRecord, error) {
	var rec models.AlertRecord
	if err := json.Unmarshal([]byte(doc), &rec); err != nil {
		return nil, fmt.Errorf("failed to decode alert record: %w", err)
	}
	return &rec, nil
}
