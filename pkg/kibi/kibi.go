// Package kibi converts between byte counts and human readable sizes with binary (1024) units
package kibi

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

var ErrInvalidByteSizeString = errors.New("Invalid byte size string")
var ErrByteSizeOutOfRange = errors.New("Byte size out of range")

var units = []string{"bytes", "KB", "MB", "GB", "TB", "PB"}

// Lower case suffix to power of 1024. The short forms are just the letter, eg "m".
var suffixPower = map[string]int{
	"":      0,
	"bytes": 0,
	"k":     1, "kb": 1,
	"m": 2, "mb": 2,
	"g": 3, "gb": 3,
	"t": 4, "tb": 4,
	"p": 5, "pb": 5,
}

// FormatBytes returns a human readable size, rounded down to the largest whole unit
func FormatBytes(b int64) string {
	unit := 0
	for unit < len(units)-1 && b >= 1024 {
		b /= 1024
		unit++
	}
	return fmt.Sprintf("%v %v", b, units[unit])
}

// ParseBytes accepts a whole number, optionally followed by a unit such as "kb", "MB", "g" or "bytes".
// Examples:
// 123 -> 123
// 123 m -> 123*1024*1024
// 64 MB -> 64*1024*1024
// 2 T -> 2*1024*1024*1024*1024
func ParseBytes(v string) (int64, error) {
	v = strings.TrimSpace(strings.ToLower(v))
	end := strings.IndexFunc(v, func(r rune) bool { return !unicode.IsDigit(r) })
	if end == -1 {
		end = len(v)
	}
	if end == 0 {
		return 0, ErrInvalidByteSizeString
	}
	power, ok := suffixPower[strings.TrimSpace(v[end:])]
	if !ok {
		return 0, ErrInvalidByteSizeString
	}
	value, err := strconv.ParseInt(v[:end], 10, 64)
	if err != nil {
		return 0, err
	}
	for i := 0; i < power; i++ {
		if value > math.MaxInt64/1024 {
			return 0, fmt.Errorf("%w: %v overflows", ErrInvalidByteSizeString, v)
		}
		value *= 1024
	}
	return value, nil
}

// ParseBytesInRange parses v with ParseBytes, and then checks that it lies in [min, max].
// The returned value is an int, because it is used to size in-memory buffers.
func ParseBytesInRange(v string, min, max int64) (int, error) {
	n, err := ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%w: '%v'", err, v)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%w: %v is not between %v and %v", ErrByteSizeOutOfRange, v, FormatBytes(min), FormatBytes(max))
	}
	return int(n), nil
}
