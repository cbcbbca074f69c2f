// Package framing reads and writes the connection preamble and record
// framing used on demultiplexed connections.
//
// A client opens a connection by sending a preamble: a Version record, a
// Mode record, a Via record naming the target endpoint, an encoding record
// and a PreambleEnd record. The server answers with PreambleAck, or with a
// Fault record naming why the connection was refused. Singleton connections
// then carry envelopes terminated by an End record, after which the
// connection may be reused for another preamble. Sized singletons send each
// message as one sized envelope; unsized singletons send it as a chunked
// unsized envelope.
package framing

import (
	"fmt"
	"io"

	"github.com/go-i2p/logger"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

var log = logger.GetGoI2PLogger()

// RecordType identifies a framing record.
type RecordType byte

// Record types.
const (
	RecordVersion            RecordType = 0x00
	RecordMode               RecordType = 0x01
	RecordVia                RecordType = 0x02
	RecordKnownEncoding      RecordType = 0x03
	RecordExtensibleEncoding RecordType = 0x04
	RecordUnsizedEnvelope    RecordType = 0x05
	RecordSizedEnvelope      RecordType = 0x06
	RecordEnd                RecordType = 0x07
	RecordFault              RecordType = 0x08
	RecordUpgradeRequest     RecordType = 0x09
	RecordUpgradeResponse    RecordType = 0x0A
	RecordPreambleAck        RecordType = 0x0B
	RecordPreambleEnd        RecordType = 0x0C
)

// Mode is the communication pattern requested by a preamble.
type Mode byte

// Framing modes.
const (
	ModeSingletonUnsized Mode = 0x01
	ModeDuplex           Mode = 0x02
	ModeSimplex          Mode = 0x03
	ModeSingletonSized   Mode = 0x04
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m >= ModeSingletonUnsized && m <= ModeSingletonSized
}

// IsSingleton reports whether m carries a single message exchange.
func (m Mode) IsSingleton() bool {
	return m == ModeSingletonUnsized || m == ModeSingletonSized
}

func (m Mode) String() string {
	switch m {
	case ModeSingletonUnsized:
		return "singleton-unsized"
	case ModeDuplex:
		return "duplex"
	case ModeSimplex:
		return "simplex"
	case ModeSingletonSized:
		return "singleton-sized"
	default:
		return fmt.Sprintf("mode(%d)", byte(m))
	}
}

// Protocol version written by WritePreamble. Readers accept any minor
// version of MajorVersion.
const (
	MajorVersion = 1
	MinorVersion = 0
)

// Default receive bounds.
const (
	DefaultMaxViaSize         = 2048
	DefaultMaxContentTypeSize = 256
	DefaultMaxEnvelopeSize    = 64 * 1024
)

// maxSizeBytes is the longest encoding of a 31-bit size.
const maxSizeBytes = 5

// Known encodings addressable with a single byte.
var knownEncodings = []string{
	0x00: "text/xml; charset=utf-8",
	0x01: "text/xml; charset=utf-16",
	0x02: "text/xml; charset=unicodeFFFE",
	0x03: "application/soap+xml; charset=utf-8",
	0x04: "application/soap+xml; charset=utf-16",
	0x05: "application/soap+xml; charset=unicodeFFFE",
	0x06: "multipart/related",
	0x07: "application/soap+msbin1",
	0x08: "application/soap+msbinsession1",
}

// KnownEncoding returns the content type for a known encoding byte.
func KnownEncoding(b byte) (string, bool) {
	if int(b) >= len(knownEncodings) {
		return "", false
	}
	return knownEncodings[b], true
}

// knownEncodingByte returns the byte for a known content type.
func knownEncodingByte(contentType string) (byte, bool) {
	for i, ct := range knownEncodings {
		if ct == contentType {
			return byte(i), true
		}
	}
	return 0, false
}

// Reader is what the framing decoders consume; *bufio.Reader satisfies it.
type Reader interface {
	io.Reader
	io.ByteReader
}

// ReadSize decodes a 7-bit multi-byte size of at most 31 bits.
func ReadSize(r io.ByteReader) (int, error) {
	var size int
	for i := 0; i < maxSizeBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, unexpectedEOF(err)
		}
		if i == maxSizeBytes-1 && b > 0x07 {
			return 0, cerrors.ErrSizeOverflow
		}
		size |= int(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return size, nil
		}
	}
	return 0, cerrors.ErrSizeOverflow
}

// AppendSize appends the 7-bit multi-byte encoding of size to b.
func AppendSize(b []byte, size int) []byte {
	v := uint32(size)
	for v >= 0x80 {
		b = append(b, byte(v)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// readString reads a size-prefixed string bounded by max bytes. tooLong is
// returned when the declared size exceeds max.
func readString(r Reader, max int, tooLong error) (string, error) {
	size, err := ReadSize(r)
	if err != nil {
		return "", err
	}
	if max > 0 && size > max {
		return "", fmt.Errorf("%w: %d bytes, limit %d", tooLong, size, max)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", unexpectedEOF(err)
	}
	return string(buf), nil
}

func appendString(b []byte, s string) []byte {
	b = AppendSize(b, len(s))
	return append(b, s...)
}

// expectRecord reads one byte and checks it is want.
func expectRecord(r io.ByteReader, want RecordType) error {
	b, err := r.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	if RecordType(b) != want {
		return fmt.Errorf("%w: got 0x%02x, want 0x%02x", cerrors.ErrUnexpectedRecord, b, byte(want))
	}
	return nil
}

// unexpectedEOF turns an EOF in the middle of a record into
// io.ErrUnexpectedEOF. Other errors, including deadlines, pass through.
func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
