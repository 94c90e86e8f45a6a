package record

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidTime is returned when a value cannot be read as epoch seconds.
var ErrInvalidTime = errors.New("invalid epoch seconds")

var thousand = big.NewRat(1000, 1)

// Truncate drops sub-millisecond precision and normalises the location to UTC.
func Truncate(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// FormatTime renders t as epoch seconds with exactly three fractional digits,
// e.g. 1472256858.924. The output is never in exponent form.
func FormatTime(t time.Time) string {
	ms := t.UnixMilli()
	sign := ""
	if ms < 0 {
		sign = "-"
		ms = -ms
	}
	return sign + strconv.FormatInt(ms/1000, 10) + "." + fmt.Sprintf("%03d", ms%1000)
}

// ParseTime reads epoch seconds written as a decimal number, including exponent
// notation. The conversion is exact and truncates toward zero at the millisecond.
func ParseTime(text string) (time.Time, error) {
	s := strings.TrimSpace(text)
	if s == "" || strings.IndexFunc(s, notNumeric) >= 0 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, text)
	}

	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, text)
	}
	r.Mul(r, thousand)

	ms := new(big.Int).Quo(r.Num(), r.Denom())
	if !ms.IsInt64() {
		return time.Time{}, fmt.Errorf("%w: %q out of range", ErrInvalidTime, text)
	}
	return time.UnixMilli(ms.Int64()).UTC(), nil
}

func notNumeric(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return false
	case r == '.', r == '-', r == '+', r == 'e', r == 'E':
		return false
	}
	return true
}
