package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"time"
)

// NotBeforeKind tells which encoding a notification used for "nbf".
type NotBeforeKind int

const (
	// NotBeforeAbsent means the field was missing or null.
	NotBeforeAbsent NotBeforeKind = iota
	// NotBeforeEpoch means the field was a JSON number of Unix seconds.
	NotBeforeEpoch
	// NotBeforeTimestamp means the field was a JSON string, kept verbatim.
	NotBeforeTimestamp
)

func (k NotBeforeKind) String() string {
	switch k {
	case NotBeforeEpoch:
		return "epoch"
	case NotBeforeTimestamp:
		return "timestamp"
	default:
		return "absent"
	}
}

var errInvalidNotBefore = errors.New("nbf must be null, a number of epoch seconds or a string timestamp")

// NotBefore is the not-before value of a secret event. Event Grid publishers
// have sent it as null, as epoch seconds and as a string, so all three are
// accepted. Epoch values must be integral.
type NotBefore struct {
	Kind      NotBeforeKind
	Epoch     int64
	Timestamp string
}

// NotBeforeFromEpoch builds an epoch-encoded NotBefore.
func NotBeforeFromEpoch(sec int64) NotBefore {
	return NotBefore{Kind: NotBeforeEpoch, Epoch: sec}
}

// NotBeforeFromString builds a string-encoded NotBefore.
func NotBeforeFromString(s string) NotBefore {
	return NotBefore{Kind: NotBeforeTimestamp, Timestamp: s}
}

// IsSet reports whether a value was supplied.
func (n NotBefore) IsSet() bool {
	return n.Kind != NotBeforeAbsent
}

// Time converts the value. Strings are read as RFC 3339 or as epoch seconds.
// ok is false when the value is absent or cannot be interpreted.
func (n NotBefore) Time() (t time.Time, ok bool) {
	switch n.Kind {
	case NotBeforeEpoch:
		return time.Unix(n.Epoch, 0).UTC(), true
	case NotBeforeTimestamp:
		if parsed, err := time.Parse(time.RFC3339Nano, n.Timestamp); err == nil {
			return parsed.UTC(), true
		}
		if sec, err := strconv.ParseInt(n.Timestamp, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC(), true
		}
	}
	return time.Time{}, false
}

// MarshalJSON writes null, a number or a string depending on Kind.
func (n NotBefore) MarshalJSON() ([]byte, error) {
	switch n.Kind {
	case NotBeforeEpoch:
		return []byte(strconv.FormatInt(n.Epoch, 10)), nil
	case NotBeforeTimestamp:
		return json.Marshal(n.Timestamp)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts null, integral numbers and strings.
func (n *NotBefore) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*n = NotBefore{}
		return nil
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*n = NotBeforeFromString(s)
		return nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		if sec, err := strconv.ParseInt(string(b), 10, 64); err == nil {
			*n = NotBeforeFromEpoch(sec)
			return nil
		}
		f, err := strconv.ParseFloat(string(b), 64)
		if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64 {
			return errInvalidNotBefore
		}
		*n = NotBeforeFromEpoch(int64(f))
		return nil
	default:
		return errInvalidNotBefore
	}
}
