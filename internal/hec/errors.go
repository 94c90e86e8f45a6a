package hec

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrPayloadTooLarge means the collector refused the batch size. Retrying
	// the same batch cannot succeed.
	ErrPayloadTooLarge = errors.New("collector rejected payload as too large; reduce sink.batch_size")
	// ErrUnauthorized means the collector refused the token.
	ErrUnauthorized = errors.New("collector rejected the token")
)

// Splunk ack codes for token problems: disabled, required, invalid
// authorization and invalid token.
const (
	codeTokenDisabled = 1
	codeInvalidToken  = 4
)

// DeliveryError describes a rejected batch.
type DeliveryError struct {
	StatusCode int
	Ack        Ack
	Err        error
}

func (e *DeliveryError) Error() string {
	if e.Ack.Text != "" {
		return fmt.Sprintf("collector returned %d (code %d: %s): %v", e.StatusCode, e.Ack.Code, e.Ack.Text, e.Err)
	}
	return fmt.Sprintf("collector returned %d: %v", e.StatusCode, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// errTransient marks a rejection worth retrying.
var errTransient = errors.New("transient delivery failure")

// IsRetriable reports whether a batch that failed with err may succeed if
// sent again unchanged. Only oversized payloads and token rejections are
// fatal.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrPayloadTooLarge) && !errors.Is(err, ErrUnauthorized)
}

// classify maps a collector response to nil on success or a DeliveryError.
func classify(status int, body []byte) error {
	ack, ackErr := ParseAck(body)

	switch {
	case status == http.StatusRequestEntityTooLarge, status == http.StatusExpectationFailed:
		return &DeliveryError{StatusCode: status, Ack: ack, Err: ErrPayloadTooLarge}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return &DeliveryError{StatusCode: status, Ack: ack, Err: ErrUnauthorized}
	}

	if ackErr == nil {
		if ack.Code >= codeTokenDisabled && ack.Code <= codeInvalidToken {
			return &DeliveryError{StatusCode: status, Ack: ack, Err: ErrUnauthorized}
		}
		if strings.Contains(strings.ToLower(ack.Text), "too large") {
			return &DeliveryError{StatusCode: status, Ack: ack, Err: ErrPayloadTooLarge}
		}
	}

	if status >= 200 && status < 300 {
		if ackErr != nil {
			return &DeliveryError{StatusCode: status, Ack: ack, Err: fmt.Errorf("%w: %w", errTransient, ackErr)}
		}
		if ack.Success() {
			return nil
		}
	}
	return &DeliveryError{StatusCode: status, Ack: ack, Err: errTransient}
}
