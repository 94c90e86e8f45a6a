// Package eventstream reads a request body of concatenated JSON values.
//
// HEC senders post events back to back with no enclosing array and no required
// separator; any whitespace between values is tolerated.
package eventstream

import (
	"errors"
	"fmt"
	"io"

	json "github.com/goccy/go-json"
)

// Iterator yields decoded JSON values one at a time. It is forward-only and
// cannot be restarted. Numbers are decoded as json.Number so no precision is
// lost before conversion.
type Iterator struct {
	dec   *json.Decoder
	count int
}

// New creates an iterator over r.
func New(r io.Reader) *Iterator {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	return &Iterator{dec: dec}
}

// Next returns the next value in the stream. It returns io.EOF once the stream
// is exhausted; any other error means the stream is malformed and iteration
// must stop.
func (it *Iterator) Next() (any, error) {
	var v any
	if err := it.dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("event %d: %w", it.count+1, err)
	}
	it.count++
	return v, nil
}

// Count returns how many values have been read so far.
func (it *Iterator) Count() int {
	return it.count
}
