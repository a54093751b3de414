// Package record implements the on-the-wire record layout: one
// record's flags/txid/payload framing, and iteration over the
// concatenated records inside a single transmission unit entry.
package record

import (
	"encoding/binary"
	"fmt"

	"github.com/streamlog/streamlog/types"
)

// Flag bits carried in a record's header.
const (
	FlagControl     uint64 = 1 << 0
	FlagEndOfStream uint64 = 1 << 1
)

const (
	// MaxTxId is the reserved transaction id used only by the
	// end-of-stream terminal marker.
	MaxTxId int64 = 1<<63 - 1

	// InvalidTxId marks a record that never had a caller-assigned
	// transaction id (used internally for control record synthesis
	// bookkeeping before any user write has landed).
	InvalidTxId int64 = -999

	// EmptySegmentTxId is the start_txid recorded for a segment that
	// was created but never received a user record before being
	// truncated or superseded.
	EmptySegmentTxId int64 = -99

	// headerLen is the fixed, framing-only portion of a persisted
	// record: 8 bytes flags + 8 bytes txid + 4 bytes payload length.
	headerLen = 8 + 8 + 4

	// MaxRecordSize is the hard cap on a single record's payload, per
	// spec §3/§6: 1 MiB - 8 KiB.
	MaxRecordSize = 1024*1024 - 8*1024

	// MaxTransmissionSize is the hard cap on one transmission unit's
	// total encoded size, per spec §3/§6: 1 MiB - 4 KiB.
	MaxTransmissionSize = 1024*1024 - 4*1024
)

// Record is one user or control record. Persistent size is
// 16 + 4 + len(Payload) bytes (headerLen + payload).
type Record struct {
	Flags   uint64
	TxId    int64
	Payload []byte
}

// IsControl reports whether the CONTROL flag is set.
func (r Record) IsControl() bool { return r.Flags&FlagControl != 0 }

// IsEndOfStream reports whether the END-OF-STREAM flag is set.
func (r Record) IsEndOfStream() bool { return r.Flags&FlagEndOfStream != 0 }

// EncodedLen returns the persistent size of r in bytes.
func (r Record) EncodedLen() int { return headerLen + len(r.Payload) }

// NewControl builds a control record carrying txid as the last
// observed transaction id at synthesis time and an opaque payload, per
// spec §4.1's control record discipline.
func NewControl(txid int64, payload []byte) Record {
	return Record{Flags: FlagControl, TxId: txid, Payload: payload}
}

// NewEndOfStream builds the reserved terminal marker record.
func NewEndOfStream() Record {
	return Record{Flags: FlagEndOfStream, TxId: MaxTxId}
}

// Validate checks a user-supplied record against the size and txid
// rules from spec §4.1, before it is ever buffered. allowReservedTxId
// is set only on the mark-end-of-stream path.
func Validate(r Record, allowReservedTxId bool) error {
	if len(r.Payload) > MaxRecordSize {
		return fmt.Errorf("%w: payload is %d bytes, max is %d", types.ErrOverLimit, len(r.Payload), MaxRecordSize)
	}
	if allowReservedTxId {
		return nil
	}
	if r.TxId < 0 || r.TxId == MaxTxId {
		return fmt.Errorf("%w: txid=%d", types.ErrInvalidTxId, r.TxId)
	}
	return nil
}

// Append encodes r and appends it to buf, returning the new slice.
func Append(buf []byte, r Record) []byte {
	var hdr [headerLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], r.Flags)
	binary.BigEndian.PutUint64(hdr[8:16], uint64(r.TxId))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(len(r.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, r.Payload...)
	return buf
}

// Reader iterates the records concatenated inside one transmission
// unit's decoded bytes, in slot order (slot_id is the iteration
// index). It never materializes more than one record's payload at a
// time and fails closed on any integrity violation: no partial
// consumption past a corrupt record.
type Reader struct {
	buf    []byte
	offset int
	slot   int
}

// NewReader wraps buf, the raw bytes of one entry as returned by the
// segment store's read_entries.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Next returns the next record and its zero-based slot index within
// the entry, or io.EOF-equivalent (nil, -1, nil) when exhausted.
// A malformed header or truncated payload yields types.ErrCorrupt and
// leaves the reader unusable for further calls.
func (r *Reader) Next() (*Record, int, error) {
	if r.offset == len(r.buf) {
		return nil, -1, nil
	}
	if r.offset+headerLen > len(r.buf) {
		return nil, -1, fmt.Errorf("%w: truncated record header at offset %d", types.ErrCorrupt, r.offset)
	}
	hdr := r.buf[r.offset : r.offset+headerLen]
	flags := binary.BigEndian.Uint64(hdr[0:8])
	txid := int64(binary.BigEndian.Uint64(hdr[8:16]))
	payloadLen := int32(binary.BigEndian.Uint32(hdr[16:20]))
	if payloadLen < 0 {
		return nil, -1, fmt.Errorf("%w: negative payload length %d at offset %d", types.ErrCorrupt, payloadLen, r.offset)
	}
	start := r.offset + headerLen
	end := start + int(payloadLen)
	if end > len(r.buf) {
		return nil, -1, fmt.Errorf("%w: payload of %d bytes overruns buffer at offset %d", types.ErrCorrupt, payloadLen, r.offset)
	}
	rec := &Record{Flags: flags, TxId: txid, Payload: r.buf[start:end]}
	r.offset = end
	slot := r.slot
	r.slot++
	return rec, slot, nil
}

// Count returns the number of records that would be yielded by
// draining a fresh Reader over buf, without allocating per-record
// payload slices. Used by the Segment Reader's position-skip logic to
// scan entry boundaries without materializing payloads beyond the
// length field (spec §4.3's "Open-in-order").
func Count(buf []byte) (int, error) {
	n := 0
	off := 0
	for off < len(buf) {
		if off+headerLen > len(buf) {
			return 0, fmt.Errorf("%w: truncated record header at offset %d", types.ErrCorrupt, off)
		}
		payloadLen := int32(binary.BigEndian.Uint32(buf[off+16 : off+20]))
		if payloadLen < 0 {
			return 0, fmt.Errorf("%w: negative payload length %d at offset %d", types.ErrCorrupt, payloadLen, off)
		}
		off += headerLen + int(payloadLen)
		if off > len(buf) {
			return 0, fmt.Errorf("%w: payload of %d bytes overruns buffer at offset %d", types.ErrCorrupt, payloadLen, off)
		}
		n++
	}
	return n, nil
}
