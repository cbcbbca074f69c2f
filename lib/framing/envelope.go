package framing

import (
	"bytes"
	"fmt"
	"io"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

// DefaultChunkSize bounds the chunks an unsized envelope is split into.
const DefaultChunkSize = 16 * 1024

// sizeLen returns the encoded length of a 7-bit multi-byte size.
func sizeLen(size int) int {
	n := 1
	for v := uint32(size); v >= 0x80; v >>= 7 {
		n++
	}
	return n
}

// EnvelopeSize returns the encoded length of a sized envelope record.
func EnvelopeSize(payloadLen int) int {
	return 1 + sizeLen(payloadLen) + payloadLen
}

// AppendEnvelope appends payload as a sized envelope record.
func AppendEnvelope(b, payload []byte) []byte {
	b = append(b, byte(RecordSizedEnvelope))
	b = AppendSize(b, len(payload))
	return append(b, payload...)
}

// WriteEnvelope writes payload as a sized envelope record.
func WriteEnvelope(w io.Writer, payload []byte) error {
	b := AppendEnvelope(make([]byte, 0, EnvelopeSize(len(payload))), payload)
	_, err := w.Write(b)
	return err
}

// UnsizedEnvelopeSize returns the encoded length of an unsized envelope
// record split into chunks of at most chunkSize bytes.
func UnsizedEnvelopeSize(payloadLen, chunkSize int) int {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	n := 2 // record type and terminating zero chunk
	for rest := payloadLen; rest > 0; rest -= chunkSize {
		c := min(rest, chunkSize)
		n += sizeLen(c) + c
	}
	return n
}

// AppendUnsizedEnvelope appends payload as an unsized envelope record: a
// sequence of size-prefixed chunks ended by a zero-length chunk.
func AppendUnsizedEnvelope(b, payload []byte, chunkSize int) []byte {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	b = append(b, byte(RecordUnsizedEnvelope))
	for len(payload) > 0 {
		c := min(len(payload), chunkSize)
		b = AppendSize(b, c)
		b = append(b, payload[:c]...)
		payload = payload[c:]
	}
	return append(b, 0)
}

// WriteUnsizedEnvelope writes payload as an unsized envelope record.
func WriteUnsizedEnvelope(w io.Writer, payload []byte, chunkSize int) error {
	b := AppendUnsizedEnvelope(make([]byte, 0, UnsizedEnvelopeSize(len(payload), chunkSize)), payload, chunkSize)
	_, err := w.Write(b)
	return err
}

// WriteEnd writes the End record closing a message sequence.
func WriteEnd(w io.Writer) error {
	_, err := w.Write([]byte{byte(RecordEnd)})
	return err
}

// ReadEnvelope reads the next sized envelope. It returns io.EOF when the
// peer sent an End record and a *FaultError when it sent a fault.
func ReadEnvelope(r Reader, maxSize int) ([]byte, error) {
	if err := readEnvelopeRecord(r, RecordSizedEnvelope, maxSize); err != nil {
		return nil, err
	}

	size, err := ReadSize(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && size > maxSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", cerrors.ErrEnvelopeTooLarge, size, maxSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, unexpectedEOF(err)
	}
	return payload, nil
}

// ReadUnsizedEnvelope reads the next unsized envelope and joins its chunks.
// maxSize bounds the joined payload. End and Fault records are reported as
// by ReadEnvelope.
func ReadUnsizedEnvelope(r Reader, maxSize int) ([]byte, error) {
	if err := readEnvelopeRecord(r, RecordUnsizedEnvelope, maxSize); err != nil {
		return nil, err
	}

	var payload bytes.Buffer
	for {
		size, err := ReadSize(r)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return payload.Bytes(), nil
		}
		if maxSize > 0 && payload.Len()+size > maxSize {
			return nil, fmt.Errorf("%w: more than %d bytes", cerrors.ErrEnvelopeTooLarge, maxSize)
		}
		if _, err := io.CopyN(&payload, r, int64(size)); err != nil {
			return nil, unexpectedEOF(err)
		}
	}
}

// readEnvelopeRecord consumes the record type preceding an envelope.
func readEnvelopeRecord(r Reader, want RecordType, maxSize int) error {
	b, err := r.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	switch RecordType(b) {
	case want:
		return nil
	case RecordEnd:
		return io.EOF
	case RecordFault:
		return readFault(r, maxSize)
	default:
		return fmt.Errorf("%w: got 0x%02x, want envelope 0x%02x", cerrors.ErrUnexpectedRecord, b, byte(want))
	}
}

// MessageSize returns the encoded length of payload in mode's envelope form.
func MessageSize(mode Mode, payloadLen int) int {
	if mode == ModeSingletonUnsized {
		return UnsizedEnvelopeSize(payloadLen, DefaultChunkSize)
	}
	return EnvelopeSize(payloadLen)
}

// AppendMessage appends payload in the envelope form mode uses: unsized
// chunks for ModeSingletonUnsized, sized envelopes otherwise.
func AppendMessage(b []byte, mode Mode, payload []byte) []byte {
	if mode == ModeSingletonUnsized {
		return AppendUnsizedEnvelope(b, payload, DefaultChunkSize)
	}
	return AppendEnvelope(b, payload)
}

// WriteMessage writes payload in the envelope form mode uses.
func WriteMessage(w io.Writer, mode Mode, payload []byte) error {
	b := AppendMessage(make([]byte, 0, MessageSize(mode, len(payload))), mode, payload)
	_, err := w.Write(b)
	return err
}

// ReadMessage reads the next envelope in the form mode uses.
func ReadMessage(r Reader, mode Mode, maxSize int) ([]byte, error) {
	if mode == ModeSingletonUnsized {
		return ReadUnsizedEnvelope(r, maxSize)
	}
	return ReadEnvelope(r, maxSize)
}
