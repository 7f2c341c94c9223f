package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carlossalguero/tokenkeeper/internal/shared/errors"
	"github.com/carlossalguero/tokenkeeper/internal/token"
	"github.com/carlossalguero/tokenkeeper/internal/token/postgres/migrations"
)

// fakeRow scans a fixed set of values, or returns err.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: want %d dest, got %d", len(r.values), len(dest))
	}
	for i, v := range r.values {
		switch d := dest[i].(type) {
		case *string:
			*d = v.(string)
		case **string:
			if v == nil {
				*d = nil
			} else {
				s := v.(string)
				*d = &s
			}
		case *time.Time:
			*d = v.(time.Time)
		default:
			return fmt.Errorf("scan: unsupported dest %T", dest[i])
		}
	}
	return nil
}

type fakeRows struct {
	rows   []fakeRow
	pos    int
	closed bool
	err    error
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.rows[r.pos-1].values, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return r.rows[r.pos-1].Scan(dest...)
}

type call struct {
	sql  string
	args []any
}

type fakeQuerier struct {
	calls   []call
	row     fakeRow
	rows    *fakeRows
	execErr error
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.calls = append(q.calls, call{sql, args})
	return pgconn.NewCommandTag("DELETE 1"), q.execErr
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.calls = append(q.calls, call{sql, args})
	return q.row
}

func (q *fakeQuerier) Query(_ context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.calls = append(q.calls, call{sql, args})
	return q.rows, nil
}

var (
	created = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	expires = created.Add(time.Hour)
)

func recordRow(user string, refresh any) fakeRow {
	return fakeRow{values: []any{user, "zoho", "AT1", refresh, expires, "Bearer", created, created}}
}

func TestStore_FindOne(t *testing.T) {
	q := &fakeQuerier{row: recordRow("default", "RT1")}
	s := New(q)

	rec, err := s.FindOne(context.Background(), token.Key{UserID: "default", Service: "zoho"})
	require.NoError(t, err)

	assert.Equal(t, "AT1", rec.AccessToken)
	require.NotNil(t, rec.RefreshToken)
	assert.Equal(t, "RT1", *rec.RefreshToken)
	assert.Equal(t, expires, rec.ExpiresAt)
	require.Len(t, q.calls, 1)
	assert.Equal(t, []any{"default", "zoho"}, q.calls[0].args)
}

func TestStore_FindOneNotFound(t *testing.T) {
	s := New(&fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}})

	_, err := s.FindOne(context.Background(), token.Key{UserID: "u", Service: "zoho"})
	assert.ErrorIs(t, err, token.ErrNotFound)
	assert.True(t, errors.IsCode(err, errors.CodeNotFound))
}

func TestStore_FindOneWrappedNoRows(t *testing.T) {
	s := New(&fakeQuerier{row: fakeRow{err: fmt.Errorf("scan oauth_tokens: %w", pgx.ErrNoRows)}})

	_, err := s.FindOne(context.Background(), token.Key{UserID: "u", Service: "zoho"})
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestStore_FindAnyWithRefreshTokenFiltersNulls(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}
	s := New(q)

	_, err := s.FindAnyWithRefreshToken(context.Background(), token.Key{UserID: "u", Service: "zoho"})
	assert.ErrorIs(t, err, token.ErrNotFound)
	assert.Contains(t, q.calls[0].sql, "refresh_token IS NOT NULL")
}

func TestStore_UpsertPreservesRefreshTokenInSQL(t *testing.T) {
	q := &fakeQuerier{row: recordRow("default", "RT1")}
	s := New(q)

	rec, err := s.UpsertByKey(context.Background(), token.Key{UserID: "default", Service: "zoho"}, token.Fields{
		AccessToken: "AT2",
		ExpiresAt:   expires,
		UpdatedAt:   created,
	})
	require.NoError(t, err)
	assert.Equal(t, "RT1", *rec.RefreshToken)

	require.Len(t, q.calls, 1)
	c := q.calls[0]
	assert.Contains(t, c.sql, "ON CONFLICT (user_id, service)")
	assert.Contains(t, c.sql, "COALESCE(EXCLUDED.refresh_token, oauth_tokens.refresh_token)")

	rt, ok := c.args[3].(*string)
	require.True(t, ok)
	assert.Nil(t, rt)
	assert.Equal(t, token.DefaultTokenType, c.args[5])
	assert.Equal(t, created, c.args[6])
}

func TestStore_UpsertRejectsInvalidKey(t *testing.T) {
	q := &fakeQuerier{}
	_, err := New(q).UpsertByKey(context.Background(), token.Key{Service: "zoho"}, token.Fields{})

	assert.True(t, errors.IsCode(err, errors.CodeInvalidRequest))
	assert.Empty(t, q.calls)
}

func TestStore_UpsertMapsDriverErrors(t *testing.T) {
	s := New(&fakeQuerier{row: fakeRow{err: stderrors.New("connection reset")}})
	_, err := s.UpsertByKey(context.Background(), token.Key{UserID: "u", Service: "zoho"}, token.Fields{AccessToken: "AT"})
	assert.True(t, errors.IsCode(err, errors.CodeInternal))

	s = New(&fakeQuerier{row: fakeRow{err: context.DeadlineExceeded}})
	_, err = s.UpsertByKey(context.Background(), token.Key{UserID: "u", Service: "zoho"}, token.Fields{AccessToken: "AT"})
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
}

func TestStore_Delete(t *testing.T) {
	q := &fakeQuerier{}
	require.NoError(t, New(q).Delete(context.Background(), token.Key{UserID: "u", Service: "zoho"}))
	assert.True(t, strings.HasPrefix(q.calls[0].sql, "DELETE FROM oauth_tokens"))

	q.execErr = stderrors.New("boom")
	assert.Error(t, New(q).Delete(context.Background(), token.Key{UserID: "u", Service: "zoho"}))
}

func TestStore_ListExpiring(t *testing.T) {
	rows := &fakeRows{rows: []fakeRow{recordRow("a", "RT"), recordRow("b", "RT")}}
	q := &fakeQuerier{rows: rows}
	s := New(q)
	cutoff := created.Add(5 * time.Minute)

	recs, err := s.ListExpiring(context.Background(), cutoff, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].UserID)
	assert.Equal(t, "b", recs[1].UserID)
	assert.True(t, rows.closed)
	assert.Equal(t, []any{cutoff, noLimit}, q.calls[0].args)

	q.rows = &fakeRows{}
	_, err = s.ListExpiring(context.Background(), cutoff, 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), q.calls[1].args[1])
}

func TestMigrate(t *testing.T) {
	orig := gooseUpContext
	defer func() { gooseUpContext = orig }()

	var dir string
	gooseUpContext = func(_ context.Context, _ *sql.DB, d string, _ ...goose.OptionsFunc) error {
		dir = d
		return nil
	}
	require.NoError(t, migrate(context.Background(), nil))
	assert.Equal(t, ".", dir)

	gooseUpContext = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return stderrors.New("bad migration")
	}
	err := migrate(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad migration")
}

func TestMigrationsEmbedded(t *testing.T) {
	data, err := migrations.Migrations.ReadFile("00001_create_oauth_tokens.sql")
	require.NoError(t, err)
	assert.Contains(t, string(data), "UNIQUE (user_id, service)")
}
