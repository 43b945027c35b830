// Package dbconn owns pooled connections to the source and target
// databases. The target is always PostgreSQL; sources may also be SQLite
// or MySQL, opened through database/sql with driver-specific options.
package dbconn

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL source driver
	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite" // pure-Go SQLite source driver
)

// Connect opens a pgx pool with a hard cap on concurrent connections.
// The cap matters most on the source side, where the engine must not
// starve a production database.
func Connect(ctx context.Context, connURL string, maxConns int) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	poolCfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// OpenSQL opens a database/sql handle for a non-Postgres source.
// kind must be "sqlite" or "mysql".
func OpenSQL(kind, dsn string, maxConns int) (*sql.DB, error) {
	var driver string
	switch kind {
	case "sqlite":
		driver = "sqlite"
		dsn = sqliteReadOnlyDSN(dsn)
		// SQLite tolerates a single connection best; the analyzer only reads.
		maxConns = 1
	case "mysql":
		driver = "mysql"
	default:
		return nil, fmt.Errorf("unsupported source kind %q (must be sqlite or mysql)", kind)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s source: %w", kind, err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s source: %w", kind, err)
	}
	return db, nil
}

// Manager holds the connection pools for one migration. Source is nil for
// non-Postgres sources; SourceSQL is nil for Postgres sources.
type Manager struct {
	Source    *pgxpool.Pool
	SourceSQL *sql.DB
	Target    *pgxpool.Pool

	logger *slog.Logger
}

// NewManager connects to the source and target databases.
func NewManager(ctx context.Context, sourceKind, sourceURL string, sourceMax int, targetURL string, targetMax int, logger *slog.Logger) (*Manager, error) {
	m := &Manager{logger: logger}

	switch sourceKind {
	case "postgres":
		pool, err := Connect(ctx, sourceURL, sourceMax)
		if err != nil {
			return nil, fmt.Errorf("connecting to source: %w", err)
		}
		m.Source = pool
	case "sqlite", "mysql":
		db, err := OpenSQL(sourceKind, sourceURL, sourceMax)
		if err != nil {
			return nil, err
		}
		m.SourceSQL = db
	default:
		return nil, fmt.Errorf("unsupported source kind %q", sourceKind)
	}

	target, err := Connect(ctx, targetURL, targetMax)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("connecting to target: %w", err)
	}
	m.Target = target

	logger.Info("database connections established",
		"source_kind", sourceKind,
		"source_max_conns", sourceMax,
		"target_max_conns", targetMax,
	)
	return m, nil
}

// Health pings every open connection.
func (m *Manager) Health(ctx context.Context) error {
	if m.Source != nil {
		if err := m.Source.Ping(ctx); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}
	if m.SourceSQL != nil {
		if err := m.SourceSQL.PingContext(ctx); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}
	if m.Target != nil {
		if err := m.Target.Ping(ctx); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	return nil
}

// Close releases all connections. Safe to call on a partially constructed Manager.
func (m *Manager) Close() {
	if m.Source != nil {
		m.Source.Close()
	}
	if m.SourceSQL != nil {
		_ = m.SourceSQL.Close()
	}
	if m.Target != nil {
		m.Target.Close()
	}
}

// RedactURL strips credentials from a connection URL for safe display and
// logging. Connection strings never appear in plan or run documents.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	return u.String()
}

// sqliteReadOnlyDSN ensures a SQLite DSN opens in read-only mode so the
// analyzer can never mutate a source database file.
func sqliteReadOnlyDSN(dsn string) string {
	if len(dsn) >= 5 && dsn[:5] == "file:" {
		if u, err := url.Parse(dsn); err == nil {
			q := u.Query()
			q.Set("mode", "ro")
			u.RawQuery = q.Encode()
			return u.String()
		}
		return dsn
	}
	return "file:" + dsn + "?mode=ro"
}
