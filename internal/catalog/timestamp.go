package catalog

import "time"

// timestampLayout is the fixed text encoding used for created_at/updated_at
// columns in the SQLite backend, so reads and writes never depend on the
// driver's native time handling. The Postgres backend stores TIMESTAMPTZ
// values and does not use it.
const timestampLayout = time.RFC3339Nano

func nowTimestamp() string {
	return time.Now().UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(timestampLayout, s)
}
