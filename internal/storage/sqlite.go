package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/raphi011/relay/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var fs embed.FS

type Sqlite struct {
	db  *sqlx.DB
	log *slog.Logger
}

func NewSqlite(dbFilename string, log *slog.Logger) (*Sqlite, error) {
	db, err := sqlx.Connect("sqlite", connectionString(dbFilename))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	row := db.QueryRow("select sqlite_version()")

	var version string
	err = row.Scan(&version)
	if err != nil {
		return nil, fmt.Errorf("unable to retrieve sqlite version: %w", err)
	}

	log.Debug("Using sqlite version: " + version)

	s := &Sqlite{
		db:  db,
		log: log,
	}

	if err = s.migrateDB(db); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Sqlite) Close() error {
	return s.db.Close()
}

func connectionString(filename string) string {
	var cs string
	var options = []string{"_pragma=busy_timeout(5000)", "_pragma=journal_mode(WAL)", "_pragma=synchronous(normal)"}

	if filename != "" && filename != ":memory:" {
		cs = filename
	} else {
		cs = "file:" + randomAlphanumeric(16)
		options = append(options, "mode=memory", "cache=shared")
	}

	for i, o := range options {
		if i == 0 {
			cs += "?"
		} else {
			cs += "&"
		}
		cs += o
	}

	return cs
}

const alphaNumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomAlphanumeric(length int) string {
	b := make([]byte, length)
	for i := range b {
		b[i] = alphaNumericChars[rand.Intn(len(alphaNumericChars))]
	}
	return string(b)
}

func (s *Sqlite) migrateDB(db *sqlx.DB) error {
	d, err := iofs.New(fs, "migrations")
	if err != nil {
		return fmt.Errorf("load db migrations: %w", err)
	}

	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("load migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", d, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("migrate with instance: %w", err)
	}

	err = m.Up()

	if err == migrate.ErrNoChange {
		s.log.Debug("No migrations have been applied. The DB is at the latest state.")
	} else if err != nil {
		return fmt.Errorf("applying db migrations: %w", err)
	}

	return nil
}

func (s *Sqlite) SaveRecord(ctx context.Context, rec model.UploadRecord) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO UploadRecord
	(idempotencyKey, owner, kind, seq, state, attempts, remoteId, lastError, createdTime, updatedTime) VALUES
	(:key, :owner, :kind, :seq, :state, :attempts, :remoteId, :lastError, :createdTime, :updatedTime)
	ON CONFLICT (idempotencyKey) DO UPDATE SET
	state=excluded.state, attempts=excluded.attempts, remoteId=excluded.remoteId,
	lastError=excluded.lastError, updatedTime=excluded.updatedTime`,
		map[string]any{
			"key":         rec.Key,
			"owner":       rec.Owner,
			"kind":        rec.Kind,
			"seq":         int64(rec.Seq),
			"state":       string(rec.State),
			"attempts":    rec.Attempts,
			"remoteId":    rec.RemoteID,
			"lastError":   rec.LastError,
			"createdTime": timeFormat(rec.Created),
			"updatedTime": timeFormat(rec.Updated),
		})
	if err != nil {
		return fmt.Errorf("saving upload record %s: %w", rec.Key, err)
	}

	return nil
}

const selectRecord = `SELECT
	idempotencyKey, owner, kind, seq, state, attempts, remoteId, lastError, createdTime, updatedTime
	FROM UploadRecord`

func (s *Sqlite) LoadRecord(ctx context.Context, key string) (model.UploadRecord, error) {
	r, err := s.db.QueryxContext(ctx, selectRecord+` WHERE idempotencyKey = ?`, key)
	if err != nil {
		return model.UploadRecord{}, err
	}
	defer r.Close()

	if !r.Next() {
		return model.UploadRecord{}, model.NotFoundError{}
	}

	return scanRecord(r)
}

func (s *Sqlite) ListRecords(ctx context.Context, states ...model.UploadState) ([]model.UploadRecord, error) {
	query := selectRecord
	args := []any{}

	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, st := range states {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}

	query += ` ORDER BY createdTime, idempotencyKey`

	records := []model.UploadRecord{}

	r, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return records, err
	}
	defer r.Close()

	for r.Next() {
		rec, err := scanRecord(r)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, r.Err()
}

func timeFormat(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func parseDate(t string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, t)
}

func scanRecord(r *sqlx.Rows) (model.UploadRecord, error) {
	rec := model.UploadRecord{}

	var created, updated, state string
	var seq int64

	err := r.Scan(
		&rec.Key,
		&rec.Owner,
		&rec.Kind,
		&seq,
		&state,
		&rec.Attempts,
		&rec.RemoteID,
		&rec.LastError,
		&created,
		&updated,
	)
	if err != nil {
		return model.UploadRecord{}, fmt.Errorf("scanning upload record: %w", err)
	}

	rec.Seq = uint64(seq)
	rec.State = model.UploadState(state)

	if rec.Created, err = parseDate(created); err != nil {
		return model.UploadRecord{}, fmt.Errorf("parsing created time: %w", err)
	}
	if rec.Updated, err = parseDate(updated); err != nil {
		return model.UploadRecord{}, fmt.Errorf("parsing updated time: %w", err)
	}

	return rec, nil
}
