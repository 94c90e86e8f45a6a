// Package converter turns raw HEC event objects into structured records.
package converter

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/scottbrown/hecbridge/internal/record"
)

// ErrInvalidEventShape is returned when a raw event is not a JSON object.
var ErrInvalidEventShape = errors.New("event must be a JSON object")

// Keys promoted out of the raw event into record metadata.
const (
	KeyTime       = "time"
	KeyHost       = "host"
	KeySource     = "source"
	KeySourcetype = "sourcetype"
	KeyIndex      = "index"
	KeyEvent      = "event"
)

// Config holds converter settings.
type Config struct {
	// DefaultIndex is applied when an event names no index.
	DefaultIndex string
	// Clock supplies the ingestion time for events without a usable time.
	// Defaults to time.Now.
	Clock func() time.Time
}

// Converter builds records from raw events. It holds no per-event state and is
// safe for concurrent use; the only shared mutation is the topic router's memo.
type Converter struct {
	defaultIndex string
	router       *TopicRouter
	now          func() time.Time
}

// New creates a converter that resolves topics through router.
func New(cfg Config, router *TopicRouter) *Converter {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Converter{
		defaultIndex: cfg.DefaultIndex,
		router:       router,
		now:          now,
	}
}

// Convert builds a record from one decoded event. raw must be the result of
// decoding a JSON object with numbers kept as json.Number. remoteHost is the
// peer that submitted the event and becomes the host when none is given.
func (c *Converter) Convert(raw any, remoteHost string) (record.Record, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return record.Record{}, fmt.Errorf("%w: got %s", ErrInvalidEventShape, kindOf(raw))
	}

	var rec record.Record
	var err error

	if v, ok := obj[KeyTime]; ok {
		if t, ok := coerceTime(v); ok {
			rec.Time = t
		}
	}
	if rec.Host, err = CoerceString(obj[KeyHost]); err != nil {
		return record.Record{}, fmt.Errorf("host: %w", err)
	}
	if rec.Source, err = CoerceString(obj[KeySource]); err != nil {
		return record.Record{}, fmt.Errorf("source: %w", err)
	}
	if rec.Sourcetype, err = CoerceString(obj[KeySourcetype]); err != nil {
		return record.Record{}, fmt.Errorf("sourcetype: %w", err)
	}
	if rec.Index, err = CoerceString(obj[KeyIndex]); err != nil {
		return record.Record{}, fmt.Errorf("index: %w", err)
	}

	if rec.Time.IsZero() {
		rec.Time = record.Truncate(c.now())
	}
	if rec.Host == "" {
		rec.Host = remoteHost
	}
	if rec.Index == "" {
		rec.Index = c.defaultIndex
	}
	rec.Topic = c.router.Resolve(rec.Index)
	rec.Event = payload(obj)

	return rec, nil
}

// payload collects the keys that are not promoted metadata. A lone "event"
// key unwraps to its value; anything else stays an object.
func payload(obj map[string]any) any {
	var rest map[string]any
	for k, v := range obj {
		switch k {
		case KeyTime, KeyHost, KeySource, KeySourcetype, KeyIndex:
			continue
		}
		if rest == nil {
			rest = make(map[string]any, len(obj))
		}
		rest[k] = v
	}

	if len(rest) == 1 {
		if ev, ok := rest[KeyEvent]; ok {
			return ev
		}
	}
	if len(rest) == 0 {
		return nil
	}
	return rest
}

// CoerceString converts a decoded JSON value to the text stored in a
// string-typed field. Null yields "". Objects and arrays become their compact
// JSON text.
func CoerceString(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "", nil
	case string:
		return val, nil
	case json.Number:
		return val.String(), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(val), nil
	case map[string]any, []any:
		b, err := json.MarshalNoEscape(val)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unsupported value of type %T", v)
	}
}

func coerceTime(v any) (time.Time, bool) {
	var text string
	switch val := v.(type) {
	case json.Number:
		text = val.String()
	case string:
		text = val
	case float64:
		text = strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return time.Time{}, false
	}

	t, err := record.ParseTime(text)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
