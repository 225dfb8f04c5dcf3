package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// StreamID is a parsed "{timestampMs}-{seq}" stream entry ID. IDs order as
// (Ms, Seq) pairs, not as strings.
type StreamID struct {
	Ms  int64
	Seq int64
}

// ZeroID is the lowest possible ID ("0-0").
var ZeroID = StreamID{}

// ParseID parses an entry ID. A bare number is shorthand for "{n}-0".
func ParseID(s string) (StreamID, error) {
	if s == "" {
		return StreamID{}, fmt.Errorf("empty stream id")
	}

	ms, seq, found := strings.Cut(s, "-")
	msVal, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
	}

	if !found {
		return StreamID{Ms: msVal}, nil
	}

	seqVal, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
	}

	return StreamID{Ms: msVal, Seq: seqVal}, nil
}

// String renders the canonical "{ms}-{seq}" form.
func (id StreamID) String() string {
	return strconv.FormatInt(id.Ms, 10) + "-" + strconv.FormatInt(id.Seq, 10)
}

// Less reports whether id orders strictly before other.
func (id StreamID) Less(other StreamID) bool {
	if id.Ms != other.Ms {
		return id.Ms < other.Ms
	}
	return id.Seq < other.Seq
}

// After reports whether id orders strictly after other.
func (id StreamID) After(other StreamID) bool {
	return other.Less(id)
}
