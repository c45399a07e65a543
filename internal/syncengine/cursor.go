package syncengine

import (
	"strconv"
	"strings"
)

// Cursor is a replica's position in the event log: the last event id it has seen.
type Cursor int64

// ParseCursor coerces the opaque client token to a cursor. Missing, malformed or
// negative input means a full replay from the beginning.
func ParseCursor(rawInput string) Cursor {
	parsed, err := strconv.ParseInt(strings.TrimSpace(rawInput), 10, 64)
	if err != nil || parsed < 0 {
		return 0
	}
	return Cursor(parsed)
}

// Int64 exposes the raw event id.
func (cursor Cursor) Int64() int64 {
	return int64(cursor)
}

// String renders the cursor in its wire form.
func (cursor Cursor) String() string {
	return strconv.FormatInt(int64(cursor), 10)
}
