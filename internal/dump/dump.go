// Package dump implements the opaque binary dump/restore format described
// in spec §6: a 4-byte magic, a format version byte, length-prefixed
// serialized entries, and a CRC32 trailer, optionally gzip-wrapped. Pinned
// checksum variant (Open Question in spec §9): CRC-32/ISO-HDLC, i.e.
// hash/crc32.IEEETable, the standard library's default polynomial.
//
// © 2025 advcache authors. MIT License.
package dump

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"time"

	"github.com/cespare/xxhash/v2"
	gzippkg "github.com/klauspost/compress/gzip"

	"github.com/kestrelcache/advcache/internal/shard"
)

// magic identifies an advcache dump stream.
var magic = [4]byte{'A', 'D', 'V', 'C'}

// formatVersion is the current on-disk format version.
const formatVersion byte = 1

var (
	// ErrBadMagic is returned when a stream doesn't start with the
	// expected 4-byte magic.
	ErrBadMagic = errors.New("dump: bad magic")
	// ErrUnsupportedVersion is returned for a format version this build
	// doesn't know how to read.
	ErrUnsupportedVersion = errors.New("dump: unsupported format version")
	// ErrChecksumMismatch is returned when the trailing CRC32 doesn't
	// match the computed checksum of the payload.
	ErrChecksumMismatch = errors.New("dump: checksum mismatch")
)

// record is the on-disk representation of one Entry, per spec §6: a
// human-key, status, headers, body, created_at, expires_at.
type record struct {
	Human     []byte
	Status    int32
	Headers   []shard.HeaderKV
	Body      []byte
	CreatedAt int64 // unix nanos
	ExpiresAt int64 // unix nanos
}

// Write serializes entries to w in the dump format. If gzip is true, the
// record payload (between the magic+version header and the CRC trailer) is
// wrapped in a klauspost/compress/gzip stream; the trailer is written
// uncompressed after it.
func Write(w io.Writer, entries []*shard.Entry, gzip bool) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.Write(magic[:]); err != nil {
		return err
	}
	if err := bw.WriteByte(formatVersion); err != nil {
		return err
	}

	var payload bytes.Buffer
	for _, e := range entries {
		if err := writeRecord(&payload, toRecord(e)); err != nil {
			return err
		}
	}

	crc := crc32.ChecksumIEEE(payload.Bytes())

	var body io.Writer = bw
	var gz *gzippkg.Writer
	if gzip {
		gz = gzippkg.NewWriter(bw)
		body = gz
	}
	if _, err := body.Write(payload.Bytes()); err != nil {
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return err
		}
	}

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], crc)
	if _, err := bw.Write(trailer[:]); err != nil {
		return err
	}
	return bw.Flush()
}

// Read parses a dump stream produced by Write, dropping entries whose
// expires_at has already passed. gzip must match how the stream was
// written; the format does not self-describe compression.
func Read(r io.Reader, gzip bool) ([]*shard.Entry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) < 4+1+4 {
		return nil, ErrBadMagic
	}
	if !bytes.Equal(raw[:4], magic[:]) {
		return nil, ErrBadMagic
	}
	version := raw[4]
	if version != formatVersion {
		return nil, ErrUnsupportedVersion
	}

	body := raw[5 : len(raw)-4]
	trailer := raw[len(raw)-4:]

	var payload []byte
	if gzip {
		zr, err := gzippkg.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		payload, err = io.ReadAll(zr)
		if err != nil {
			return nil, err
		}
		_ = zr.Close()
	} else {
		payload = body
	}

	wantCRC := binary.BigEndian.Uint32(trailer)
	gotCRC := crc32.ChecksumIEEE(payload) // checksum covers the uncompressed payload, matching Write
	if wantCRC != gotCRC {
		return nil, ErrChecksumMismatch
	}

	now := time.Now()
	var out []*shard.Entry
	pr := bytes.NewReader(payload)
	for pr.Len() > 0 {
		rec, err := readRecord(pr)
		if err != nil {
			return nil, err
		}
		if rec.ExpiresAt <= now.UnixNano() {
			continue
		}
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

func toRecord(e *shard.Entry) record {
	return record{
		Human:     e.Key.Human,
		Status:    int32(e.Response.Status),
		Headers:   e.Response.Headers,
		Body:      e.Response.Body,
		CreatedAt: e.CreatedAt.UnixNano(),
		ExpiresAt: e.ExpiresAt.UnixNano(),
	}
}

func fromRecord(r record) *shard.Entry {
	e := shard.NewEntry()
	e.Key.Human = r.Human
	// The on-disk format omits the fingerprint (it's derived, not stored);
	// recompute it the same way internal/keyrule/canonical.go does so
	// restored entries remain reachable via Store.Lookup.
	e.Key.Fingerprint = xxhash.Sum64(r.Human)
	e.Response = shard.StoredResponse{
		Status:  int(r.Status),
		Headers: r.Headers,
		Body:    r.Body,
	}
	e.CreatedAt = time.Unix(0, r.CreatedAt)
	e.ExpiresAt = time.Unix(0, r.ExpiresAt)
	return e
}

func writeRecord(w *bytes.Buffer, r record) error {
	if err := writeBytes(w, r.Human); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.Status); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, int32(len(r.Headers))); err != nil {
		return err
	}
	for _, h := range r.Headers {
		if err := writeString(w, h.Name); err != nil {
			return err
		}
		if err := writeString(w, h.Value); err != nil {
			return err
		}
	}
	if err := writeBytes(w, r.Body); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, r.CreatedAt); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, r.ExpiresAt)
}

func readRecord(r *bytes.Reader) (record, error) {
	var rec record
	var err error
	if rec.Human, err = readBytes(r); err != nil {
		return rec, err
	}
	if err = binary.Read(r, binary.BigEndian, &rec.Status); err != nil {
		return rec, err
	}
	var headerCount int32
	if err = binary.Read(r, binary.BigEndian, &headerCount); err != nil {
		return rec, err
	}
	rec.Headers = make([]shard.HeaderKV, headerCount)
	for i := range rec.Headers {
		name, err := readString(r)
		if err != nil {
			return rec, err
		}
		value, err := readString(r)
		if err != nil {
			return rec, err
		}
		rec.Headers[i] = shard.HeaderKV{Name: name, Value: value}
	}
	if rec.Body, err = readBytes(r); err != nil {
		return rec, err
	}
	if err = binary.Read(r, binary.BigEndian, &rec.CreatedAt); err != nil {
		return rec, err
	}
	if err = binary.Read(r, binary.BigEndian, &rec.ExpiresAt); err != nil {
		return rec, err
	}
	return rec, nil
}

func writeBytes(w *bytes.Buffer, b []byte) error {
	if err := binary.Write(w, binary.BigEndian, int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func writeString(w *bytes.Buffer, s string) error {
	return writeBytes(w, []byte(s))
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n int32
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}
