// Package id generates and parses PTC message and correlation
// identifiers.
//
// A message id is the "-"-joined concatenation of an optional prefix, an
// optional base-36 millisecond timestamp, and a 128-bit random token. A
// correlation id is "corr-<base36 ms>-<random>".
package id

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	correlationPrefix = "corr"

	// Timestamps are only accepted as such when they decode to a
	// plausible wall-clock range. Keeps Parse from mistaking random
	// base-36 tokens for timestamps.
	minTimestampMs = int64(946684800000)  // 2000-01-01
	maxTimestampMs = int64(4102444800000) // 2100-01-01
)

// Options controls message id construction.
type Options struct {
	// Prefix is prepended to the id when non-empty. Must not contain "-".
	Prefix string
	// Timestamp includes a base-36 millisecond timestamp segment for
	// rough lexical ordering.
	Timestamp bool
}

// NewMessageID returns a new globally unique message id.
func NewMessageID(opts Options) string {
	parts := make([]string, 0, 3)
	if opts.Prefix != "" {
		parts = append(parts, opts.Prefix)
	}
	if opts.Timestamp {
		parts = append(parts, strconv.FormatInt(time.Now().UnixMilli(), 36))
	}
	parts = append(parts, randomToken())
	return strings.Join(parts, "-")
}

// NewCorrelationID returns an id of the form corr-<base36 ms>-<random>.
// The random segment is at least 7 characters.
func NewCorrelationID() string {
	return strings.Join([]string{
		correlationPrefix,
		strconv.FormatInt(time.Now().UnixMilli(), 36),
		randomToken(),
	}, "-")
}

// randomToken returns 128 bits of randomness as 32 hex characters.
func randomToken() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Parsed is the decomposition of an id.
type Parsed struct {
	Prefix    string
	Timestamp time.Time // zero when absent
	Random    string
}

// HasTimestamp reports whether the id carried a timestamp segment.
func (p Parsed) HasTimestamp() bool { return !p.Timestamp.IsZero() }

// Parse splits an id into prefix, timestamp and random segments. Ids
// without "-" (or UUIDs, which only superficially contain it) come back
// with the whole input in Random.
func Parse(id string) Parsed {
	if _, err := uuid.Parse(id); err == nil {
		return Parsed{Random: id}
	}

	segs := strings.Split(id, "-")
	if len(segs) == 1 {
		return Parsed{Random: id}
	}

	p := Parsed{Random: segs[len(segs)-1]}
	rest := segs[:len(segs)-1]

	if len(rest) > 0 {
		if ts, ok := parseTimestamp(rest[len(rest)-1]); ok {
			p.Timestamp = ts
			rest = rest[:len(rest)-1]
		}
	}
	p.Prefix = strings.Join(rest, "-")
	return p
}

func parseTimestamp(s string) (time.Time, bool) {
	ms, err := strconv.ParseInt(s, 36, 64)
	if err != nil || ms < minTimestampMs || ms > maxTimestampMs {
		return time.Time{}, false
	}
	return time.UnixMilli(ms).UTC(), true
}

// IsValid accepts any RFC-4122-shaped UUID or any prefixed form
// containing a "-" with a non-empty part on each side. It is intentionally
// lenient: dead-letter ids ("dl-...") and bare UUIDs both pass. Invalid
// input returns false, never an error.
func IsValid(id string) bool {
	if id == "" {
		return false
	}
	if _, err := uuid.Parse(id); err == nil {
		return true
	}
	i := strings.Index(id, "-")
	return i > 0 && i < len(id)-1
}
