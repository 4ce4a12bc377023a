package pgxdriver

import (
	"errors"
	"io"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evpg/evpg"
)

func TestConvertErrorMapsServerErrors(t *testing.T) {
	pgErr := &pgconn.PgError{
		Severity: "ERROR",
		Code:     "23505",
		Message:  "duplicate key value violates unique constraint",
		Detail:   "Key (id)=(1) already exists.",
	}

	err := convertError(pgErr)
	var qe *evpg.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "23505", qe.Code)
	assert.Equal(t, "ERROR", qe.Severity)
	assert.Equal(t, "Key (id)=(1) already exists.", qe.Detail)
}

func TestConvertErrorWrapsTransportErrors(t *testing.T) {
	err := convertError(io.ErrUnexpectedEOF)
	var ce *evpg.ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestConvertResult(t *testing.T) {
	in := &pgconn.Result{
		FieldDescriptions: []pgconn.FieldDescription{{Name: "id"}, {Name: "name"}},
		Rows: [][][]byte{
			{[]byte("1"), []byte("alice")},
			{[]byte("2"), nil},
		},
		CommandTag: pgconn.NewCommandTag("SELECT 2"),
	}

	out := convertResult(in)
	assert.Equal(t, evpg.ResultRows, out.Kind)
	assert.Equal(t, []string{"id", "name"}, out.Columns)
	assert.Equal(t, "SELECT 2", out.Tag)
	require.Len(t, out.Values, 2)
	assert.Equal(t, []any{"1", "alice"}, out.Values[0])
	assert.Equal(t, []any{"2", nil}, out.Values[1])
}

func TestConvertResultCommandOnly(t *testing.T) {
	in := &pgconn.Result{CommandTag: pgconn.NewCommandTag("UPDATE 3")}
	out := convertResult(in)
	assert.Equal(t, evpg.ResultCommand, out.Kind)
	assert.Equal(t, "UPDATE 3", out.Tag)
	assert.Empty(t, out.Values)
}

func TestTextArgs(t *testing.T) {
	got := textArgs([]any{1, "x", nil, true})
	require.Len(t, got, 4)
	assert.Equal(t, []byte("1"), got[0])
	assert.Equal(t, []byte("x"), got[1])
	assert.Nil(t, got[2])
	assert.Equal(t, []byte("true"), got[3])
	assert.Nil(t, textArgs(nil))
}

func TestSanitizeEncoding(t *testing.T) {
	assert.Equal(t, "UTF8", sanitizeEncoding("UTF8"))
	assert.Equal(t, "latin-1", sanitizeEncoding("latin-1"))
	assert.Equal(t, "UTF8", sanitizeEncoding("UTF8'; DROP TABLE users; --"))
}

func TestResultQueueLifecycle(t *testing.T) {
	d := New("host=localhost")

	assert.False(t, d.IsBusy())
	d.mu.Lock()
	d.pending = true
	d.items = []item{
		{res: &evpg.Result{Kind: evpg.ResultCommand, Tag: "SELECT 1"}},
		{end: true},
	}
	d.mu.Unlock()

	assert.False(t, d.IsBusy())
	r1, err := d.NextResult()
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1", r1.Tag)

	r2, err := d.NextResult()
	require.NoError(t, err)
	assert.Nil(t, r2, "sentinel terminates the command")
	assert.False(t, d.IsBusy())
}

func TestSendRequiresConnection(t *testing.T) {
	d := New("host=localhost")
	err := d.Send(evpg.Command{Kind: evpg.KindExec, SQL: "SELECT 1"})
	assert.Error(t, err, "sending before connecting must fail")
}
