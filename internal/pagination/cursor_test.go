package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rec struct {
	at time.Time
	id string
}

func recKey(r rec) (time.Time, string) { return r.at, r.id }

func records(n int) []rec {
	base := time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)
	out := make([]rec, n)
	for i := range out {
		out[i] = rec{at: base.Add(time.Duration(i) * time.Second), id: string(rune('a' + i))}
	}
	return out
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	ts := time.Date(2026, 2, 15, 10, 30, 0, 0, time.UTC)
	id := "tx_abc123"

	encoded := Encode(ts, id)
	assert.NotEmpty(t, encoded)

	cursor, err := Decode(encoded)
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.Equal(t, ts, cursor.At)
	assert.Equal(t, id, cursor.ID)
}

func TestDecode_Empty(t *testing.T) {
	cursor, err := Decode("")
	assert.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("not-base64!!!")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	// Valid base64 but no | separator
	_, err = Decode("bm9waXBl") // "nopipe"
	assert.ErrorIs(t, err, ErrInvalidCursor)
}

func TestParseLimit(t *testing.T) {
	assert.Equal(t, 50, ParseLimit("", 50, 500))
	assert.Equal(t, 50, ParseLimit("abc", 50, 500))
	assert.Equal(t, 50, ParseLimit("-3", 50, 500))
	assert.Equal(t, 20, ParseLimit("20", 50, 500))
	assert.Equal(t, 500, ParseLimit("9999", 50, 500))
}

func TestPage_WalksAllItems(t *testing.T) {
	items := records(5)

	page, next := Page(items, nil, 2, recKey)
	assert.Equal(t, items[:2], page)
	require.NotEmpty(t, next)

	cur, err := Decode(next)
	require.NoError(t, err)
	page, next = Page(items, cur, 2, recKey)
	assert.Equal(t, items[2:4], page)

	cur, err = Decode(next)
	require.NoError(t, err)
	page, next = Page(items, cur, 2, recKey)
	assert.Equal(t, items[4:], page)
	assert.Empty(t, next)
}

func TestPage_ExactFitHasNoNext(t *testing.T) {
	items := records(3)
	page, next := Page(items, nil, 3, recKey)
	assert.Len(t, page, 3)
	assert.Empty(t, next)
}

func TestPage_MissingCursorRecordResumesByTime(t *testing.T) {
	items := records(4)
	gone := &Cursor{At: items[1].at.Add(500 * time.Millisecond), ID: "evicted"}

	page, _ := Page(items, gone, 10, recKey)
	assert.Equal(t, items[2:], page)

	past := &Cursor{At: items[3].at.Add(time.Hour), ID: "future"}
	page, next := Page(items, past, 10, recKey)
	assert.Empty(t, page)
	assert.Empty(t, next)
}
