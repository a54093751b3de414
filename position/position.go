// Package position implements the stream-unique record coordinate
// described by the specification: a (segment_seq, entry_id, slot_id)
// triple with a strict lexicographic total order and two serialized
// wire formats.
package position

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/streamlog/streamlog/types"
)

// Version identifies which on-the-wire layout a serialized Position
// uses. VersionV0 is deprecated but still decodable for backward
// compatibility with older metadata; all new positions are encoded as
// VersionV1.
type Version uint8

const (
	VersionV0 Version = 0
	VersionV1 Version = 1

	// encodedLen is the fixed width of both v0 and v1 encodings: one
	// version byte followed by three big-endian int64 fields.
	encodedLen = 1 + 8*3
)

// Position is a stream-unique record coordinate. Zero value is not
// meaningful; use Invalid or InitialLowerBound for the reserved
// sentinels.
type Position struct {
	SegmentSeq int64
	EntryID    int64
	SlotID     int64
}

var (
	// Invalid is the reserved sentinel for "no position".
	Invalid = Position{SegmentSeq: 0, EntryID: -1, SlotID: -1}

	// InitialLowerBound is the reserved sentinel used as the starting
	// cursor for a reader that has not yet positioned itself anywhere,
	// guaranteed to compare less than any real position.
	InitialLowerBound = Position{SegmentSeq: 1, EntryID: 0, SlotID: -1}
)

// Compare returns -1, 0, or 1 as p is less than, equal to, or greater
// than other, using the strict lexicographic order over
// (SegmentSeq, EntryID, SlotID) required by invariant I1/I2.
func (p Position) Compare(other Position) int {
	if p.SegmentSeq != other.SegmentSeq {
		return cmp64(p.SegmentSeq, other.SegmentSeq)
	}
	if p.EntryID != other.EntryID {
		return cmp64(p.EntryID, other.EntryID)
	}
	return cmp64(p.SlotID, other.SlotID)
}

func cmp64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts strictly before other.
func (p Position) Less(other Position) bool { return p.Compare(other) < 0 }

// NextSegment returns the lower-bound position for the first record of
// the segment immediately following p's, used by the Segment Reader
// when a complete segment has been fully drained.
func (p Position) NextSegment() Position {
	return Position{SegmentSeq: p.SegmentSeq + 1, EntryID: 0, SlotID: -1}
}

func (p Position) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p.SegmentSeq, p.EntryID, p.SlotID)
}

// Encode serializes p using VersionV1, the current wire format.
func (p Position) Encode() []byte {
	buf := make([]byte, encodedLen)
	buf[0] = byte(VersionV1)
	binary.BigEndian.PutUint64(buf[1:9], uint64(p.SegmentSeq))
	binary.BigEndian.PutUint64(buf[9:17], uint64(p.EntryID))
	binary.BigEndian.PutUint64(buf[17:25], uint64(p.SlotID))
	return buf
}

// EncodeString returns the base64 encoding of Encode(), the form
// carried in user-facing APIs per spec §6.
func (p Position) EncodeString() string {
	return base64.StdEncoding.EncodeToString(p.Encode())
}

// Decode parses a serialized Position of either supported version. It
// rejects unknown versions and buffers of the wrong length.
func Decode(buf []byte) (Position, error) {
	if len(buf) != encodedLen {
		return Position{}, fmt.Errorf("%w: position buffer has length %d, want %d", types.ErrCorrupt, len(buf), encodedLen)
	}
	switch Version(buf[0]) {
	case VersionV0, VersionV1:
		return Position{
			SegmentSeq: int64(binary.BigEndian.Uint64(buf[1:9])),
			EntryID:    int64(binary.BigEndian.Uint64(buf[9:17])),
			SlotID:     int64(binary.BigEndian.Uint64(buf[17:25])),
		}, nil
	default:
		return Position{}, fmt.Errorf("%w: unknown position version %d", types.ErrCorrupt, buf[0])
	}
}

// DecodeString parses the base64 form produced by EncodeString.
func DecodeString(s string) (Position, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Position{}, fmt.Errorf("%w: invalid base64 position: %v", types.ErrCorrupt, err)
	}
	return Decode(buf)
}
