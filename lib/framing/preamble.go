package framing

import (
	"fmt"
	"io"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

// Preamble is the decoded connection preamble.
type Preamble struct {
	// MajorVersion and MinorVersion are the framing version sent by the peer.
	MajorVersion byte
	MinorVersion byte
	// Mode is the requested communication pattern.
	Mode Mode
	// Via is the address of the endpoint the peer wants to reach.
	Via string
	// ContentType is the message encoding, resolved from a known encoding
	// byte or carried verbatim.
	ContentType string
}

// Limits bounds the variable-size parts of a preamble.
type Limits struct {
	MaxViaSize         int
	MaxContentTypeSize int
}

// DefaultLimits returns the default preamble bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxViaSize:         DefaultMaxViaSize,
		MaxContentTypeSize: DefaultMaxContentTypeSize,
	}
}

// ReadPreamble decodes a preamble from r. It returns io.EOF when the peer
// closed the connection before sending anything, which is how a client
// ends a reused connection.
func ReadPreamble(r Reader, limits Limits) (*Preamble, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if RecordType(b) != RecordVersion {
		return nil, fmt.Errorf("%w: got 0x%02x, want version", cerrors.ErrUnexpectedRecord, b)
	}

	p := &Preamble{}
	if p.MajorVersion, err = r.ReadByte(); err != nil {
		return nil, unexpectedEOF(err)
	}
	if p.MinorVersion, err = r.ReadByte(); err != nil {
		return nil, unexpectedEOF(err)
	}
	if p.MajorVersion != MajorVersion {
		return nil, fmt.Errorf("%w: %d.%d", cerrors.ErrUnsupportedVersion, p.MajorVersion, p.MinorVersion)
	}

	if err := expectRecord(r, RecordMode); err != nil {
		return nil, err
	}
	mode, err := r.ReadByte()
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	p.Mode = Mode(mode)
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: %d", cerrors.ErrUnsupportedMode, mode)
	}

	if err := expectRecord(r, RecordVia); err != nil {
		return nil, err
	}
	if p.Via, err = readString(r, limits.MaxViaSize, cerrors.ErrViaTooLong); err != nil {
		return nil, err
	}

	rec, err := r.ReadByte()
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	switch RecordType(rec) {
	case RecordKnownEncoding:
		enc, err := r.ReadByte()
		if err != nil {
			return nil, unexpectedEOF(err)
		}
		ct, ok := KnownEncoding(enc)
		if !ok {
			return nil, fmt.Errorf("%w: known encoding 0x%02x", cerrors.ErrContentTypeInvalid, enc)
		}
		p.ContentType = ct
	case RecordExtensibleEncoding:
		if p.ContentType, err = readString(r, limits.MaxContentTypeSize, cerrors.ErrContentTypeTooLong); err != nil {
			return nil, err
		}
		if p.ContentType == "" {
			return nil, fmt.Errorf("%w: empty content type", cerrors.ErrContentTypeInvalid)
		}
	default:
		return nil, fmt.Errorf("%w: got 0x%02x, want encoding", cerrors.ErrUnexpectedRecord, rec)
	}

	rec, err = r.ReadByte()
	if err != nil {
		return nil, unexpectedEOF(err)
	}
	switch RecordType(rec) {
	case RecordPreambleEnd:
		return p, nil
	case RecordUpgradeRequest:
		// Stream upgrades are not supported; consume the name for the log.
		name, err := readString(r, limits.MaxContentTypeSize, cerrors.ErrUpgradeInvalid)
		if err != nil {
			return nil, err
		}
		log.WithField("upgrade", name).Debug("rejecting upgrade request")
		return nil, fmt.Errorf("%w: %q", cerrors.ErrUpgradeInvalid, name)
	default:
		return nil, fmt.Errorf("%w: got 0x%02x, want preamble end", cerrors.ErrUnexpectedRecord, rec)
	}
}

// AppendPreamble appends the encoding of p to b. A zero version encodes
// as MajorVersion.MinorVersion.
func AppendPreamble(b []byte, p *Preamble) ([]byte, error) {
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: %d", cerrors.ErrUnsupportedMode, byte(p.Mode))
	}
	if p.ContentType == "" {
		return nil, fmt.Errorf("%w: empty content type", cerrors.ErrContentTypeInvalid)
	}

	major, minor := p.MajorVersion, p.MinorVersion
	if major == 0 {
		major, minor = MajorVersion, MinorVersion
	}
	b = append(b, byte(RecordVersion), major, minor)
	b = append(b, byte(RecordMode), byte(p.Mode))
	b = append(b, byte(RecordVia))
	b = appendString(b, p.Via)
	if enc, ok := knownEncodingByte(p.ContentType); ok {
		b = append(b, byte(RecordKnownEncoding), enc)
	} else {
		b = append(b, byte(RecordExtensibleEncoding))
		b = appendString(b, p.ContentType)
	}
	return append(b, byte(RecordPreambleEnd)), nil
}

// WritePreamble writes p to w in a single write.
func WritePreamble(w io.Writer, p *Preamble) error {
	b, err := AppendPreamble(make([]byte, 0, 16+len(p.Via)+len(p.ContentType)), p)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteAck acknowledges a preamble.
func WriteAck(w io.Writer) error {
	_, err := w.Write([]byte{byte(RecordPreambleAck)})
	return err
}

// ReadAck waits for the server's answer to a preamble. A fault record is
// returned as a *FaultError.
func ReadAck(r Reader, maxFaultSize int) error {
	b, err := r.ReadByte()
	if err != nil {
		return unexpectedEOF(err)
	}
	switch RecordType(b) {
	case RecordPreambleAck:
		return nil
	case RecordFault:
		return readFault(r, maxFaultSize)
	default:
		return fmt.Errorf("%w: got 0x%02x, want preamble ack", cerrors.ErrUnexpectedRecord, b)
	}
}
