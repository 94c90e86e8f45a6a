// Package record defines the structured record that flows from ingestion to
// emission, and the JSON form it takes as a Kafka message value.
package record

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Record is a single converted event.
//
// Time is always populated once a record leaves the converter. Event holds the
// opaque payload: a scalar (string, json.Number, bool), an object of leftover
// fields, or nil when the event carried only metadata. Topic is routing metadata
// and is never serialized.
type Record struct {
	Time       time.Time
	Host       string
	Source     string
	Sourcetype string
	Index      string
	Event      any
	Topic      string
}

// Key returns the Kafka message key for the record.
func (r Record) Key() []byte {
	return []byte(r.Host)
}

// MarshalJSON writes the record as a compact JSON object with keys in emission
// order: host, time, sourcetype, index, source, event. Empty fields are omitted.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	n := 0
	key := func(k string) {
		if n > 0 {
			buf.WriteByte(',')
		}
		n++
		buf.WriteByte('"')
		buf.WriteString(k)
		buf.WriteString(`":`)
	}
	str := func(k, v string) error {
		if v == "" {
			return nil
		}
		b, err := json.MarshalNoEscape(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		key(k)
		buf.Write(b)
		return nil
	}

	if err := str("host", r.Host); err != nil {
		return nil, err
	}
	if !r.Time.IsZero() {
		key("time")
		buf.WriteString(FormatTime(r.Time))
	}
	if err := str("sourcetype", r.Sourcetype); err != nil {
		return nil, err
	}
	if err := str("index", r.Index); err != nil {
		return nil, err
	}
	if err := str("source", r.Source); err != nil {
		return nil, err
	}
	if r.Event != nil {
		b, err := json.MarshalNoEscape(r.Event)
		if err != nil {
			return nil, fmt.Errorf("encode event: %w", err)
		}
		key("event")
		buf.Write(b)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}
