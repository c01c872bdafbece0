// Package settings reads and writes grouped runtime settings stored in the
// app_settings collection.
//
// A row is one group identified by (module, key) and its value column is a
// JSON object. GetGroup always returns a usable map: on any failure it
// returns the fallback together with the error, so
//
//	v, _ := settings.GetGroup(...)
//
// is safe.
package settings

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const (
	ModuleLogs = "logs"
	KeyStream  = "stream"
)

const collection = "app_settings"

func findGroup(app core.App, module, key string) (*core.Record, error) {
	return app.FindFirstRecordByFilter(
		collection,
		"module = {:module} && key = {:key}",
		dbx.Params{"module": module, "key": key},
	)
}

// GetGroup loads the (module, key) group.
func GetGroup(app core.App, module, key string, fallback map[string]any) (map[string]any, error) {
	if fallback == nil {
		fallback = map[string]any{}
	}
	record, err := findGroup(app, module, key)
	if err != nil {
		return fallback, fmt.Errorf("settings %s/%s: %w", module, key, err)
	}

	var result map[string]any
	if err := record.UnmarshalJSONField("value", &result); err != nil {
		return fallback, fmt.Errorf("settings %s/%s: unmarshal: %w", module, key, err)
	}
	if result == nil {
		return fallback, nil
	}
	return result, nil
}

// SetGroup creates or replaces the (module, key) group.
func SetGroup(app core.App, module, key string, value map[string]any) error {
	record, err := findGroup(app, module, key)
	if err != nil {
		col, colErr := app.FindCollectionByNameOrId(collection)
		if colErr != nil {
			return fmt.Errorf("settings %s/%s: find collection: %w", module, key, colErr)
		}
		record = core.NewRecord(col)
		record.Set("module", module)
		record.Set("key", key)
	}

	record.Set("value", value)
	if err := app.Save(record); err != nil {
		return fmt.Errorf("settings %s/%s: save: %w", module, key, err)
	}
	return nil
}

// Int reads an integer field from a loaded group. JSON numbers, Go ints and
// numeric strings are accepted.
func Int(group map[string]any, field string, fallback int) int {
	switch n := group[field].(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i)
		}
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return fallback
}

// String reads a string field from a loaded group.
func String(group map[string]any, field string, fallback string) string {
	if s, ok := group[field].(string); ok {
		return s
	}
	return fallback
}

// Seconds reads a whole-seconds field as a duration. Non-positive values
// yield fallback.
func Seconds(group map[string]any, field string, fallback time.Duration) time.Duration {
	n := Int(group, field, -1)
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Second
}

// LogStream is the logs/stream group.
type LogStream struct {
	TTL       time.Duration
	KeepAlive time.Duration
}

// DefaultLogStream is the seeded value of the logs/stream group.
func DefaultLogStream() map[string]any {
	return map[string]any{
		"ttlSeconds":       900,
		"keepAliveSeconds": 15,
	}
}

// LoadLogStream reads logs/stream, using fallback for missing fields.
func LoadLogStream(app core.App, fallback LogStream) LogStream {
	g, _ := GetGroup(app, ModuleLogs, KeyStream, nil)
	return LogStream{
		TTL:       Seconds(g, "ttlSeconds", fallback.TTL),
		KeepAlive: Seconds(g, "keepAliveSeconds", fallback.KeepAlive),
	}
}
