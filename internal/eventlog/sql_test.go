package eventlog

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLStore {
	t.Helper()

	s, err := OpenSQL(SQLite, filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteAppendAssignsSeqInOrder(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	for i, typ := range []Type{TypeHeartbeat, TypeOrderDecision, TypeHeartbeat} {
		e := Event{
			ID:        "evt-" + string(rune('a'+i)),
			Timestamp: base.Add(time.Duration(i) * time.Second),
			Type:      typ,
			Source:    "test",
			Details:   map[string]interface{}{"i": i},
		}
		require.NoError(t, s.Append(ctx, &e))
		assert.Equal(t, int64(i+1), e.Seq)
	}

	last, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	all, err := s.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "evt-a", all[0].ID)
	assert.Equal(t, base, all[0].Timestamp)
	assert.EqualValues(t, 0, all[0].Details["i"])
}

func TestSQLiteQueryFilters(t *testing.T) {
	t.Parallel()

	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	types := []Type{TypeHeartbeat, TypeOrderDecision, TypeRiskLimitBreach, TypeOrderDecision, TypeHeartbeat}
	for i, typ := range types {
		e := Event{ID: string(rune('A' + i)), Timestamp: base.Add(time.Duration(i) * time.Minute), Type: typ, Source: "t", Symbol: "BTCUSDT"}
		require.NoError(t, s.Append(ctx, &e))
	}

	got, err := s.Query(ctx, Query{Types: []Type{TypeOrderDecision}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].Seq)
	assert.Equal(t, "BTCUSDT", got[0].Symbol)

	got, err = s.Query(ctx, Query{AfterSeq: 3})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Seq)

	got, err = s.Query(ctx, Query{Since: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = s.Query(ctx, Query{Limit: 2, Newest: true})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].Seq)
	assert.Equal(t, int64(5), got[1].Seq)

	got, err = s.Query(ctx, Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Seq)
}

func TestPostgresDialectInsertUsesNumberedPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS events")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLStore(db, Postgres)
	require.NoError(t, err)

	ts := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO events (id, ts_unix_ns, type, source, symbol, details) VALUES ($1, $2, $3, $4, $5, $6) RETURNING seq`)).
		WithArgs("01TEST", ts.UnixNano(), "ORDER_DECISION", "risk", "ETHUSDT", `{"allowed":false}`).
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(42))

	e := Event{ID: "01TEST", Timestamp: ts, Type: TypeOrderDecision, Source: "risk", Symbol: "ETHUSDT", Details: map[string]interface{}{"allowed": false}}
	require.NoError(t, s.Append(context.Background(), &e))
	assert.Equal(t, int64(42), e.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresDialectQueryBuildsWhereClause(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLStore(db, Postgres)
	require.NoError(t, err)

	ts := time.Date(2025, 5, 6, 7, 8, 9, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT seq, id, ts_unix_ns, type, source, symbol, details FROM events WHERE seq > $1 AND type IN ($2, $3) ORDER BY seq ASC LIMIT $4`)).
		WithArgs(int64(10), "HEARTBEAT", "ANOMALY", int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "ts_unix_ns", "type", "source", "symbol", "details"}).
			AddRow(11, "X", ts.UnixNano(), "ANOMALY", "app", "", `{"kind":"stale"}`))

	got, err := s.Query(context.Background(), Query{AfterSeq: 10, Types: []Type{TypeHeartbeat, TypeAnomaly}, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, TypeAnomaly, got[0].Type)
	assert.Equal(t, "stale", got[0].Details["kind"])
	assert.Equal(t, ts, got[0].Timestamp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStoreAppendErrorIsWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewSQLStore(db, SQLite)
	require.NoError(t, err)

	boom := errors.New("disk full")
	mock.ExpectQuery("INSERT INTO events").WillReturnError(boom)

	e := Event{ID: "Y", Timestamp: time.Now(), Type: TypeAnomaly, Source: "t"}
	err = s.Append(context.Background(), &e)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestNewSQLStoreSchemaFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE").WillReturnError(errors.New("permission denied"))
	_, err = NewSQLStore(db, SQLite)
	assert.Error(t, err)
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgresql")
	require.NoError(t, err)
	assert.Equal(t, "postgres", d.Driver)

	d, err = DialectFor("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", d.Driver)

	_, err = DialectFor("mysql")
	assert.Error(t, err)
}
