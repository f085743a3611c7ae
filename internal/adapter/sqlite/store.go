package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/couchcryptid/lightning-detector/internal/domain"
)

const gatewayName = "history"

//go:embed migrations/*.sql
var migrations embed.FS

// PeriodRecord is one stored past snapshot.
type PeriodRecord struct {
	ID           int64           `json:"id"`
	PublishedAt  time.Time       `json:"published_at"`
	PeriodFirst  time.Time       `json:"period_first,omitzero"`
	PeriodLast   time.Time       `json:"period_last,omitzero"`
	StormFirst   time.Time       `json:"storm_first,omitzero"`
	StormLast    time.Time       `json:"storm_last,omitzero"`
	TotalStrikes int             `json:"total_strikes"`
	OutOfRange   int             `json:"out_of_range"`
	Snapshot     json.RawMessage `json:"snapshot"`
}

// Store records past snapshots and detections in a SQLite database.
// It implements pipeline.Gateway; current snapshots are not stored.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	// The dispatcher writes while HTTP handlers read; serialize them on one connection.
	db.SetMaxOpenConns(1)

	logger.Info("history store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load history migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	// Not closed: closing m would close db.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate history db: %w", err)
	}
	return nil
}

func (s *Store) Name() string { return gatewayName }

// PublishSnapshot stores past snapshots. Current snapshots are ignored.
func (s *Store) PublishSnapshot(ctx context.Context, snap domain.RingSnapshot) error {
	if snap.Kind != domain.KindPast {
		return nil
	}
	payload, err := domain.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO periods (published_at, period_first, period_last, storm_first, storm_last, total_strikes, out_of_range, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		formatTime(snap.Timestamp),
		formatTime(snap.PeriodFirst),
		formatTime(snap.PeriodLast),
		formatTime(snap.StormFirst),
		formatTime(snap.StormLast),
		snap.TotalStrikes(),
		snap.OutOfRange,
		string(payload),
	)
	if err != nil {
		return &domain.PublishError{Gateway: gatewayName, Topic: "periods", Err: err}
	}
	return nil
}

// PublishDetection stores d.
func (s *Store) PublishDetection(ctx context.Context, d domain.Detection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (detected_at, energy, distance, strike_count)
		VALUES (?, ?, ?, ?)`,
		formatTime(d.Timestamp), d.Energy, int(d.Distance), d.StrikeCount,
	)
	if err != nil {
		return &domain.PublishError{Gateway: gatewayName, Topic: "detections", Err: err}
	}
	return nil
}

// RecentPeriods returns up to limit stored past snapshots, newest first.
func (s *Store) RecentPeriods(ctx context.Context, limit int) ([]PeriodRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, published_at, period_first, period_last, storm_first, storm_last, total_strikes, out_of_range, payload
		FROM periods
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent periods: %w", err)
	}
	defer rows.Close()

	var records []PeriodRecord
	for rows.Next() {
		var (
			r                                       PeriodRecord
			published, pFirst, pLast, sFirst, sLast string
			payload                                 string
		)
		if err := rows.Scan(&r.ID, &published, &pFirst, &pLast, &sFirst, &sLast, &r.TotalStrikes, &r.OutOfRange, &payload); err != nil {
			return nil, fmt.Errorf("scan period: %w", err)
		}
		r.PublishedAt = parseTime(published)
		r.PeriodFirst = parseTime(pFirst)
		r.PeriodLast = parseTime(pLast)
		r.StormFirst = parseTime(sFirst)
		r.StormLast = parseTime(sLast)
		r.Snapshot = json.RawMessage(payload)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate periods: %w", err)
	}
	return records, nil
}

// DetectionCount returns how many detections are stored at or after since.
func (s *Store) DetectionCount(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM detections WHERE detected_at >= ?`, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count detections: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// formatTime stores UTC RFC 3339 with fixed-width nanoseconds so stored
// values sort lexically in time order.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00")
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
