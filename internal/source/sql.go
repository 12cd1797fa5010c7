package source

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"regexp"
	"strings"
	"time"

	"github.com/opensource-finance/pacifier/internal/domain"
)

// schemaAccessLog is compatible with both SQLite and PostgreSQL.
// ts is the request time in epoch milliseconds.
const schemaAccessLog = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id BIGINT,
    ts BIGINT NOT NULL,
    remote_addr TEXT NOT NULL,
    remote_user TEXT,
    method TEXT NOT NULL,
    path TEXT NOT NULL,
    status INTEGER NOT NULL,
    http_host TEXT,
    user_agent TEXT,
    referer TEXT,
    body_bytes_sent BIGINT,
    country TEXT
);

CREATE INDEX IF NOT EXISTS idx_%[1]s_ts ON %[1]s(ts);
`

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLSource reads events from an access_log table.
// Works with both SQLite and PostgreSQL drivers.
type SQLSource struct {
	db     *sql.DB
	driver string
	table  string
}

// NewSQL opens the configured database and ensures the table exists.
func NewSQL(cfg domain.SourceConfig) (*SQLSource, error) {
	table := cfg.Table
	if table == "" {
		table = "access_log"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name: %q", table)
	}

	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &SQLSource{db: db, driver: cfg.Driver, table: table}

	// Run migrations
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *SQLSource) migrate() error {
	for _, stmt := range strings.Split(fmt.Sprintf(schemaAccessLog, s.table), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Events streams the rows of the window in timestamp order.
func (s *SQLSource) Events(ctx context.Context, q domain.EventQuery) iter.Seq2[domain.RawEvent, error] {
	return func(yield func(domain.RawEvent, error) bool) {
		query, args := s.selectQuery(q)

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(domain.RawEvent{}, fmt.Errorf("query %s: %w", s.table, err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				ev                   domain.RawEvent
				ts                   int64
				host, ua, ref, cntry sql.NullString
				size                 sql.NullInt64
			)
			if err := rows.Scan(&ts, &ev.RemoteAddr, &ev.Path, &host, &ua, &ref, &size, &cntry); err != nil {
				yield(domain.RawEvent{}, fmt.Errorf("scan %s: %w", s.table, err))
				return
			}
			ev.Timestamp = time.UnixMilli(ts).UTC().Format(time.RFC3339Nano)
			ev.Host = host.String
			ev.UserAgent = ua.String
			ev.Referer = ref.String
			ev.Country = cntry.String
			if size.Valid {
				n := size.Int64
				ev.Size = &n
			}
			if !yield(ev, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.RawEvent{}, fmt.Errorf("read %s: %w", s.table, err))
		}
	}
}

// selectQuery mirrors the text filter: login paths, one method, some
// statuses excluded and authenticated requests skipped.
func (s *SQLSource) selectQuery(q domain.EventQuery) (string, []any) {
	var b strings.Builder
	args := []any{q.From.UnixMilli(), q.To.UnixMilli()}

	fmt.Fprintf(&b, `SELECT ts, remote_addr, path, http_host, user_agent, referer, body_bytes_sent, country
		FROM %s
		WHERE ts >= ? AND ts <= ?
		AND (remote_user IS NULL OR remote_user = '' OR remote_user = '-')`, s.table)

	if q.Method != "" {
		b.WriteString(" AND method = ?")
		args = append(args, q.Method)
	}
	if len(q.Paths) > 0 {
		b.WriteString(" AND path IN (" + placeholders(len(q.Paths)) + ")")
		for _, p := range q.Paths {
			args = append(args, p)
		}
	}
	if len(q.ExcludeStatus) > 0 {
		b.WriteString(" AND status NOT IN (" + placeholders(len(q.ExcludeStatus)) + ")")
		for _, st := range q.ExcludeStatus {
			args = append(args, st)
		}
	}
	b.WriteString(" ORDER BY ts")

	return s.rebind(b.String()), args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// Ping checks database connectivity.
func (s *SQLSource) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLSource) Close() error {
	return s.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (s *SQLSource) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
