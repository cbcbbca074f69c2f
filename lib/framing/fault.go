package framing

import (
	"errors"
	"fmt"
	"io"
	"strings"

	cerrors "github.com/go-i2p/connmux/lib/errors"
)

// FaultNamespace prefixes every fault string.
const FaultNamespace = "http://schemas.microsoft.com/ws/2006/05/framing/faults/"

// Fault strings sent to peers whose preamble is refused.
const (
	FaultEndpointNotFound         = FaultNamespace + "EndpointNotFound"
	FaultContentTypeInvalid       = FaultNamespace + "ContentTypeInvalid"
	FaultContentTypeTooLong       = FaultNamespace + "ContentTypeTooLong"
	FaultServerTooBusy            = FaultNamespace + "ServerTooBusy"
	FaultUnsupportedMode          = FaultNamespace + "UnsupportedMode"
	FaultUnsupportedVersion       = FaultNamespace + "UnsupportedVersion"
	FaultUpgradeInvalid           = FaultNamespace + "UpgradeInvalid"
	FaultViaTooLong               = FaultNamespace + "ViaTooLong"
	FaultConnectionDispatchFailed = FaultNamespace + "ConnectionDispatchFailed"
)

// faultErrors maps fault strings to the local error they represent. The
// order matters for FaultFor: more specific errors come first.
var faultErrors = []struct {
	fault string
	err   error
}{
	{FaultUnsupportedVersion, cerrors.ErrUnsupportedVersion},
	{FaultUnsupportedMode, cerrors.ErrUnsupportedMode},
	{FaultViaTooLong, cerrors.ErrViaTooLong},
	{FaultContentTypeTooLong, cerrors.ErrContentTypeTooLong},
	{FaultContentTypeInvalid, cerrors.ErrContentTypeInvalid},
	{FaultUpgradeInvalid, cerrors.ErrUpgradeInvalid},
	{FaultServerTooBusy, cerrors.ErrServerTooBusy},
	{FaultEndpointNotFound, cerrors.ErrEndpointNotFound},
	{FaultConnectionDispatchFailed, cerrors.ErrDispatchFailed},
}

// FaultFor returns the fault string to send for err, if the failure is
// one the peer should be told about.
func FaultFor(err error) (string, bool) {
	for _, fe := range faultErrors {
		if errors.Is(err, fe.err) {
			return fe.fault, true
		}
	}
	return "", false
}

// FaultError is a fault record received from the peer.
type FaultError struct {
	Fault string
}

func (e *FaultError) Error() string {
	return "remote fault: " + strings.TrimPrefix(e.Fault, FaultNamespace)
}

// Is matches ErrRemoteFault and the local error the fault names, so
// errors.Is(err, cerrors.ErrServerTooBusy) works on both sides.
func (e *FaultError) Is(target error) bool {
	if target == cerrors.ErrRemoteFault {
		return true
	}
	for _, fe := range faultErrors {
		if fe.fault == e.Fault && errors.Is(fe.err, target) {
			return true
		}
	}
	return false
}

// WriteFault writes a fault record.
func WriteFault(w io.Writer, fault string) error {
	b := make([]byte, 0, 1+maxSizeBytes+len(fault))
	b = append(b, byte(RecordFault))
	b = appendString(b, fault)
	_, err := w.Write(b)
	return err
}

func readFault(r Reader, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxViaSize
	}
	fault, err := readString(r, maxSize, cerrors.ErrProtocol)
	if err != nil {
		return fmt.Errorf("reading fault: %w", err)
	}
	return &FaultError{Fault: fault}
}
