// Package pagination provides cursor-based paging over append-ordered
// records such as the learning log.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidCursor is returned by Decode for malformed input.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor marks the last record a client has seen.
type Cursor struct {
	At time.Time
	ID string
}

// Encode returns an opaque cursor string from a timestamp and ID.
func Encode(at time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", at.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor string. Returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{
		At: time.Unix(0, nanos).UTC(),
		ID: parts[1],
	}, nil
}

// ParseLimit reads a page size, falling back to def for missing or
// non-positive input and capping at max.
func ParseLimit(raw string, def, max int) int {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Page returns up to limit items following after, plus the cursor for the
// next page ("" when exhausted). items must be in append order; key
// extracts each item's (timestamp, id). A cursor whose record is gone
// resumes at the first item stamped later than it.
func Page[T any](items []T, after *Cursor, limit int, key func(T) (time.Time, string)) ([]T, string) {
	start := 0
	if after != nil {
		start = len(items)
		for i, it := range items {
			at, id := key(it)
			if id == after.ID && at.Equal(after.At) {
				start = i + 1
				break
			}
			if at.After(after.At) && start == len(items) {
				start = i
			}
		}
	}

	rest := items[start:]
	if len(rest) <= limit {
		return rest, ""
	}
	page := rest[:limit]
	at, id := key(page[len(page)-1])
	return page, Encode(at, id)
}
