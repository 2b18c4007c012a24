package pebblestore

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"time"

	"github.com/roach88/custodian/internal/store"
)

// binary encoding:
// [crc:4][version:8][updatedAt:8][digestLen:2][digest][body]
//
// crc covers everything after itself.
const headerLen = 4 + 8 + 8 + 2

var errCorrupt = errors.New("corrupt record value")

func encodeValue(rec store.Record) []byte {
	buf := make([]byte, headerLen+len(rec.Digest)+len(rec.Body))
	binary.BigEndian.PutUint64(buf[4:12], uint64(rec.Version))
	binary.BigEndian.PutUint64(buf[12:20], uint64(rec.UpdatedAt.UnixNano()))
	binary.BigEndian.PutUint16(buf[20:22], uint16(len(rec.Digest)))
	copy(buf[headerLen:], rec.Digest)
	copy(buf[headerLen+len(rec.Digest):], rec.Body)
	binary.BigEndian.PutUint32(buf[0:4], crc32.ChecksumIEEE(buf[4:]))
	return buf
}

// decodeValue fills the stored fields of rec from b. b is copied.
func decodeValue(b []byte, rec *store.Record) error {
	if len(b) < headerLen {
		return errCorrupt
	}
	if crc32.ChecksumIEEE(b[4:]) != binary.BigEndian.Uint32(b[0:4]) {
		return errCorrupt
	}
	digestLen := int(binary.BigEndian.Uint16(b[20:22]))
	if len(b) < headerLen+digestLen {
		return errCorrupt
	}
	rec.Version = int64(binary.BigEndian.Uint64(b[4:12]))
	rec.UpdatedAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[12:20]))).UTC()
	rec.Digest = string(b[headerLen : headerLen+digestLen])
	rec.Body = append([]byte{}, b[headerLen+digestLen:]...)
	return nil
}
