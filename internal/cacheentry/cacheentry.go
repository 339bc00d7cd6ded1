// Package cacheentry defines the immutable cached-decision record and its
// two wire forms: the LocalCache file layout (spec.md §6's 22-byte header
// plus JSON payload) and the SharedCache value (the bare JSON payload). It
// is grounded on internal/cluster/registry.go's json.MarshalIndent
// round-trip for persisted records, with a binary header prepended the way
// spec.md §6 asks for.
package cacheentry

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luckyjian/amorsize/internal/decision"
	"github.com/luckyjian/amorsize/internal/hostcap"
)

// SchemaVersion is the current on-disk/on-wire format version.
const SchemaVersion uint16 = 1

// Magic is the 4-byte file header magic, spec.md §6.
var Magic = [4]byte{'A', 'M', 'S', 'Z'}

// ErrCorrupt is returned when a cache record fails to parse: bad magic, a
// truncated header, or an unparseable payload. Callers treat this as
// CacheCorrupt (spec.md §7): delete the file and treat it as a miss.
var ErrCorrupt = errors.New("cacheentry: corrupt record")

// headerSize is 4 (magic) + 2 (schema version) + 8 (timestamp) + 8 (ttl).
const headerSize = 4 + 2 + 8 + 8

// Entry is the immutable record spec.md §3 calls CacheEntry.
type Entry struct {
	Decision      decision.Decision `json:"decision"`
	Host          hostcap.Snapshot  `json:"host"`
	CreatedAt     time.Time         `json:"created_at"`
	SchemaVersion uint16            `json:"schema_version"`
	TTL           time.Duration     `json:"ttl"`
}

// Expired reports whether the entry's TTL has elapsed as of now.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.CreatedAt.Add(e.TTL))
}

// EncodeFile serializes e as a LocalCache file: the fixed binary header
// followed by the JSON payload (spec.md §6).
func EncodeFile(e Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cacheentry: marshal payload: %w", err)
	}

	buf := make([]byte, headerSize, headerSize+len(payload))
	copy(buf[0:4], Magic[:])
	binary.LittleEndian.PutUint16(buf[4:6], e.SchemaVersion)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(e.CreatedAt.UnixMicro()))
	binary.LittleEndian.PutUint64(buf[14:22], uint64(e.TTL/time.Second))
	buf = append(buf, payload...)
	return buf, nil
}

// DecodeFile parses a LocalCache file produced by EncodeFile. Any structural
// problem — short read, bad magic, unparseable JSON — is reported as
// ErrCorrupt so the caller can uniformly treat it as a miss-and-unlink.
func DecodeFile(data []byte) (Entry, error) {
	if len(data) < headerSize {
		return Entry{}, fmt.Errorf("%w: truncated header (%d bytes)", ErrCorrupt, len(data))
	}
	if !bytes.Equal(data[0:4], Magic[:]) {
		return Entry{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	schemaVersion := binary.LittleEndian.Uint16(data[4:6])
	createdMicros := binary.LittleEndian.Uint64(data[6:14])
	ttlSeconds := binary.LittleEndian.Uint64(data[14:22])

	var e Entry
	if err := json.Unmarshal(data[headerSize:], &e); err != nil {
		return Entry{}, fmt.Errorf("%w: payload: %v", ErrCorrupt, err)
	}

	e.SchemaVersion = schemaVersion
	e.CreatedAt = time.UnixMicro(int64(createdMicros))
	e.TTL = time.Duration(ttlSeconds) * time.Second
	return e, nil
}

// EncodeWireValue serializes e as a SharedCache value: the bare JSON
// payload, without the 22-byte file header.
func EncodeWireValue(e Entry) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("cacheentry: marshal wire value: %w", err)
	}
	return payload, nil
}

// DecodeWireValue parses a SharedCache value produced by EncodeWireValue.
func DecodeWireValue(data []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("%w: wire value: %v", ErrCorrupt, err)
	}
	return e, nil
}

// FileName returns the LocalCache file name for a fingerprint, spec.md §6:
// "<schema_version>-<hex_fingerprint>.entry".
func FileName(schemaVersion uint16, fingerprintHex string) string {
	return fmt.Sprintf("%d-%s.entry", schemaVersion, fingerprintHex)
}
