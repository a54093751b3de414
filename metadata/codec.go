package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/streamlog/streamlog/types"
)

// metadataVersion1 is the current segment metadata blob layout
// (SPEC_FULL.md §5). Fields are additive across versions: a decoder
// tolerates unknown trailing bytes and preserves them verbatim.
const metadataVersion1 = 1

// fixedFieldsLen is the length of the fields known to version 1, after
// the version byte: SegmentSeq, FirstEntrySeq, LastEntrySeq, StartTxId,
// LastTxId (5 x int64), State (1 byte), RegionID (4 bytes),
// TruncatedBelow (1 byte).
const fixedFieldsLen = 5*8 + 1 + 4 + 1

// Encode serializes info as a version-1 metadata blob, re-emitting any
// UnknownTrailer bytes this process didn't understand but was asked to
// round-trip.
func Encode(info types.SegmentInfo) []byte {
	buf := make([]byte, 1+fixedFieldsLen+len(info.UnknownTrailer))
	buf[0] = metadataVersion1
	off := 1
	putInt64 := func(v int64) {
		binary.BigEndian.PutUint64(buf[off:off+8], uint64(v))
		off += 8
	}
	putInt64(info.SegmentSeq)
	putInt64(info.FirstEntrySeq)
	putInt64(info.LastEntrySeq)
	putInt64(info.StartTxId)
	putInt64(info.LastTxId)
	if info.State == types.SegmentComplete {
		buf[off] = 1
	}
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(info.RegionID))
	off += 4
	if info.TruncatedBelow {
		buf[off] = 1
	}
	off++
	copy(buf[off:], info.UnknownTrailer)
	return buf
}

// Decode parses a metadata blob of any version this decoder
// recognizes, rejecting unknown leading version bytes (spec §6).
func Decode(buf []byte) (types.SegmentInfo, error) {
	if len(buf) < 1 {
		return types.SegmentInfo{}, fmt.Errorf("%w: empty segment metadata blob", types.ErrCorruptMetadata)
	}
	version := buf[0]
	if version != metadataVersion1 {
		return types.SegmentInfo{}, fmt.Errorf("%w: unknown segment metadata version %d", types.ErrCorruptMetadata, version)
	}
	if len(buf) < 1+fixedFieldsLen {
		return types.SegmentInfo{}, fmt.Errorf("%w: truncated segment metadata blob", types.ErrCorruptMetadata)
	}

	off := 1
	getInt64 := func() int64 {
		v := int64(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
		return v
	}
	info := types.SegmentInfo{
		SegmentSeq:    getInt64(),
		FirstEntrySeq: getInt64(),
		LastEntrySeq:  getInt64(),
		StartTxId:     getInt64(),
		LastTxId:      getInt64(),
	}
	if buf[off] == 1 {
		info.State = types.SegmentComplete
	}
	off++
	info.RegionID = int32(binary.BigEndian.Uint32(buf[off : off+4]))
	off += 4
	info.TruncatedBelow = buf[off] == 1
	off++
	if off < len(buf) {
		trailer := make([]byte, len(buf)-off)
		copy(trailer, buf[off:])
		info.UnknownTrailer = trailer
	}
	return info, nil
}
