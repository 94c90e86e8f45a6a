package hec

import (
	"errors"

	json "github.com/goccy/go-json"
)

// ErrMalformedAck is returned when a collector response is not an ack object.
var ErrMalformedAck = errors.New("malformed collector acknowledgement")

// Ack is the acknowledgement a collector returns for a request.
type Ack struct {
	Text               string `json:"text"`
	Code               int    `json:"code"`
	InvalidEventNumber *int   `json:"invalid-event-number,omitempty"`
}

// Success reports whether the collector accepted the request.
func (a Ack) Success() bool {
	return a.Code == 0
}

// ParseAck decodes a collector response body. A body that is not a JSON
// object with an integer code yields Code -1 and ErrMalformedAck.
func ParseAck(body []byte) (Ack, error) {
	var wire struct {
		Text               string `json:"text"`
		Code               *int   `json:"code"`
		InvalidEventNumber *int   `json:"invalid-event-number"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return Ack{Code: -1, Text: "unparseable response"}, ErrMalformedAck
	}
	if wire.Code == nil {
		return Ack{Code: -1, Text: wire.Text}, ErrMalformedAck
	}
	return Ack{
		Text:               wire.Text,
		Code:               *wire.Code,
		InvalidEventNumber: wire.InvalidEventNumber,
	}, nil
}
