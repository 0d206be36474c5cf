package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Dialect captures the differences between supported SQL backends.
type Dialect struct {
	Driver      string
	Schema      string
	placeholder func(n int) string
}

var (
	SQLite = Dialect{
		Driver:      "sqlite3",
		Schema:      sqliteSchema,
		placeholder: func(int) string { return "?" },
	}
	Postgres = Dialect{
		Driver:      "postgres",
		Schema:      postgresSchema,
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// DialectFor returns the dialect registered under driver.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3", "":
		return SQLite, nil
	case "postgres", "postgresql":
		return Postgres, nil
	default:
		return Dialect{}, fmt.Errorf("eventlog: unsupported driver %q", driver)
	}
}

// SQLStore persists events in a relational database.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// OpenSQL opens dsn with the dialect's driver and ensures the schema exists.
func OpenSQL(dialect Dialect, dsn string) (*SQLStore, error) {
	db, err := sql.Open(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", dialect.Driver, err)
	}
	if dialect.Driver == SQLite.Driver {
		// sqlite allows a single writer; serialize at the pool.
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(db, dialect)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing handle and applies the schema.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	if _, err := db.Exec(dialect.Schema); err != nil {
		return nil, fmt.Errorf("eventlog: apply schema: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

func (s *SQLStore) Append(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("eventlog: encode details: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}

	p := s.dialect.placeholder
	query := fmt.Sprintf(
		`INSERT INTO events (id, ts_unix_ns, type, source, symbol, details) VALUES (%s, %s, %s, %s, %s, %s) RETURNING seq`,
		p(1), p(2), p(3), p(4), p(5), p(6),
	)
	row := s.db.QueryRowContext(ctx, query,
		e.ID, e.Timestamp.UnixNano(), string(e.Type), e.Source, e.Symbol, string(details),
	)
	if err := row.Scan(&e.Seq); err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	return nil
}

func (s *SQLStore) Query(ctx context.Context, q Query) ([]Event, error) {
	var (
		where []string
		args  []interface{}
	)
	next := func(v interface{}) string {
		args = append(args, v)
		return s.dialect.placeholder(len(args))
	}

	if q.AfterSeq > 0 {
		where = append(where, "seq > "+next(q.AfterSeq))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts_unix_ns >= "+next(q.Since.UnixNano()))
	}
	if len(q.Types) > 0 {
		ph := make([]string, len(q.Types))
		for i, t := range q.Types {
			ph[i] = next(string(t))
		}
		where = append(where, "type IN ("+strings.Join(ph, ", ")+")")
	}

	var b strings.Builder
	b.WriteString(`SELECT seq, id, ts_unix_ns, type, source, symbol, details FROM events`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if q.Newest {
		b.WriteString(" ORDER BY seq DESC")
	} else {
		b.WriteString(" ORDER BY seq ASC")
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + next(q.Limit))
	}

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			tsNanos int64
			typ     string
			details string
		)
		if err := rows.Scan(&e.Seq, &e.ID, &tsNanos, &typ, &e.Source, &e.Symbol, &details); err != nil {
			return nil, fmt.Errorf("eventlog: scan: %w", err)
		}
		e.Timestamp = time.Unix(0, tsNanos).UTC()
		e.Type = Type(typ)
		if details != "" && details != "{}" {
			if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("eventlog: decode details seq=%d: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if q.Newest {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func (s *SQLStore) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("eventlog: last seq: %w", err)
	}
	return seq.Int64, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
