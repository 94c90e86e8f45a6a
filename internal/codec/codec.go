// Package codec serializes consumed records into the newline-delimited JSON
// batches a HEC collector accepts.
//
// Records are grouped by field shape, the sorted set of keys a record carries.
// Each shape gets a write plan computed once and kept in a bounded LRU cache.
// The plan fixes the output order: host, time, sourcetype, index, source, then
// event.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scottbrown/hecbridge/internal/metrics"
	"github.com/scottbrown/hecbridge/internal/record"
)

// DefaultPlanCacheSize bounds the number of distinct shapes kept.
const DefaultPlanCacheSize = 1000

// ErrMalformedRecord is returned when a record value is not valid JSON.
var ErrMalformedRecord = errors.New("malformed record")

// Record is one consumed record value, split into its top-level fields.
type Record struct {
	keys   []string
	fields map[string]json.RawMessage
	shape  string
	scalar json.RawMessage
	object bool
}

// Empty reports whether the record carries nothing to emit, as with Kafka
// tombstones.
func (r Record) Empty() bool {
	return !r.object && len(r.scalar) == 0
}

// Decode splits a record value. A nil, empty or null value decodes to an
// empty record. Non-object values are kept as a bare event.
func Decode(value []byte) (Record, error) {
	v := bytes.TrimSpace(value)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return Record{}, nil
	}

	if v[0] != '{' {
		if !json.Valid(v) {
			return Record{}, fmt.Errorf("%w: invalid JSON value", ErrMalformedRecord)
		}
		return Record{scalar: json.RawMessage(v)}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(v, &fields); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return fromFields(fields), nil
}

// fromFields builds a record from already split fields.
func fromFields(fields map[string]json.RawMessage) Record {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return Record{
		keys:   keys,
		fields: fields,
		shape:  strings.Join(keys, "\x1f"),
		object: true,
	}
}

type writerKind int

const (
	writeHost writerKind = iota
	writeTime
	writeString
	writePayload
	writeLeftover
)

type fieldWriter struct {
	kind writerKind
	src  string
	dst  string
}

type plan struct {
	writers      []fieldWriter
	hasLeftovers bool
}

// BatchCodec is safe for concurrent use.
type BatchCodec struct {
	plans *lru.Cache[string, plan]
}

// New creates a codec that caches up to size plans. A size of zero or less
// uses DefaultPlanCacheSize.
func New(size int) (*BatchCodec, error) {
	if size <= 0 {
		size = DefaultPlanCacheSize
	}
	plans, err := lru.New[string, plan](size)
	if err != nil {
		return nil, fmt.Errorf("create plan cache: %w", err)
	}
	return &BatchCodec{plans: plans}, nil
}

// Serialize encodes records in order, one compact JSON object per line, with
// no trailing newline. Empty records are skipped.
func (c *BatchCodec) Serialize(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	n := 0
	for i, rec := range records {
		if rec.Empty() {
			continue
		}
		if n > 0 {
			buf.WriteByte('\n')
		}
		if err := c.encode(&buf, rec); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrMalformedRecord, i, err)
		}
		n++
	}
	return buf.Bytes(), nil
}

func (c *BatchCodec) encode(buf *bytes.Buffer, rec Record) error {
	if !rec.object {
		out := members{}
		if err := out.setCompact("event", rec.scalar); err != nil {
			return err
		}
		return out.writeTo(buf)
	}

	p := c.planFor(rec)

	var out, side members
	for _, w := range p.writers {
		raw := rec.fields[w.src]
		if isNull(raw) {
			continue
		}

		switch w.kind {
		case writeHost, writeString:
			s, err := stringify(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", w.src, err)
			}
			b, err := json.MarshalNoEscape(s)
			if err != nil {
				return err
			}
			out.set(w.dst, b)

		case writeTime:
			if ts, ok := encodeTime(raw); ok {
				out.set(w.dst, []byte(ts))
			}

		case writePayload:
			if !p.hasLeftovers {
				if err := out.setCompact(w.dst, raw); err != nil {
					return fmt.Errorf("event: %w", err)
				}
				continue
			}
			if err := side.mergePayload(raw); err != nil {
				return fmt.Errorf("event: %w", err)
			}

		case writeLeftover:
			s, err := stringify(raw)
			if err != nil {
				return fmt.Errorf("%s: %w", w.src, err)
			}
			b, err := json.MarshalNoEscape(s)
			if err != nil {
				return err
			}
			side.set(w.dst, b)
		}
	}

	if len(side) > 0 {
		var sb bytes.Buffer
		if err := side.writeTo(&sb); err != nil {
			return err
		}
		out.set("event", sb.Bytes())
	}
	return out.writeTo(buf)
}

func (c *BatchCodec) planFor(rec Record) plan {
	if p, ok := c.plans.Get(rec.shape); ok {
		metrics.PlanCache.Add("hit", 1)
		return p
	}
	metrics.PlanCache.Add("miss", 1)

	p := buildPlan(rec.keys)
	c.plans.Add(rec.shape, p)
	return p
}

// buildPlan derives writers for a sorted key set.
func buildPlan(keys []string) plan {
	has := make(map[string]bool, len(keys))
	for _, k := range keys {
		has[k] = true
	}
	used := make(map[string]bool, len(keys))
	var p plan

	// Every present alias gets a writer; a later non-null value overwrites
	// an earlier one in the output.
	pick := func(kind writerKind, dst string, names ...string) {
		for _, name := range names {
			if has[name] {
				p.writers = append(p.writers, fieldWriter{kind: kind, src: name, dst: dst})
				used[name] = true
			}
		}
	}

	pick(writeHost, "host", "host", "hostname")
	pick(writeTime, "time", "time", "date")
	pick(writeString, "sourcetype", "sourcetype")
	pick(writeString, "index", "index")
	pick(writeString, "source", "source")
	pick(writePayload, "event", "event")

	for _, k := range keys {
		if used[k] {
			continue
		}
		p.writers = append(p.writers, fieldWriter{kind: writeLeftover, src: k, dst: k})
		p.hasLeftovers = true
	}
	return p
}

type member struct {
	key   string
	value []byte
}

// members is an ordered JSON object under construction.
type members []member

func (m *members) set(key string, value []byte) {
	for i := range *m {
		if (*m)[i].key == key {
			(*m)[i].value = value
			return
		}
	}
	*m = append(*m, member{key: key, value: value})
}

func (m *members) setCompact(key string, raw []byte) error {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return err
	}
	m.set(key, b.Bytes())
	return nil
}

// mergePayload folds an event payload into the side object. Object members
// merge in key order; a scalar lands under "event".
func (m *members) mergePayload(raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return m.setCompact("event", trimmed)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return err
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := m.setCompact(k, obj[k]); err != nil {
			return err
		}
	}
	return nil
}

func (m members) writeTo(buf *bytes.Buffer) error {
	buf.WriteByte('{')
	for i, mem := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.MarshalNoEscape(mem.key)
		if err != nil {
			return err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(mem.value)
	}
	buf.WriteByte('}')
	return nil
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// stringify returns a JSON string's text, or the compact JSON of any other
// value.
func stringify(raw json.RawMessage) (string, error) {
	t := bytes.TrimSpace(raw)
	if len(t) > 0 && t[0] == '"' {
		var s string
		if err := json.Unmarshal(t, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var b bytes.Buffer
	if err := json.Compact(&b, t); err != nil {
		return "", err
	}
	return b.String(), nil
}

// encodeTime normalises a time value to fixed-point epoch seconds. Values that
// do not parse are dropped.
func encodeTime(raw json.RawMessage) (string, bool) {
	text, err := stringify(raw)
	if err != nil {
		return "", false
	}
	t, err := record.ParseTime(text)
	if err != nil {
		return "", false
	}
	return record.FormatTime(t), true
}
