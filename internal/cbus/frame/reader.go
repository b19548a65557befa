package frame

import (
	"bufio"
	"errors"
	"fmt"
)

// ErrMalformed reports a response line that is not canonical framing. The
// offending line has been consumed from the stream, so callers can log it
// and keep reading rather than tearing down the transport.
var ErrMalformed = errors.New("frame: malformed response line")

// Alphabet is the canonical 20-character confirmation-code alphabet. Its
// members are lower-case ASCII letters, which never appear as the first
// byte of an upper-case hex payload, so Reader can distinguish a
// confirmation byte from the start of a normal response line.
const Alphabet = "hijklmnopqrstuvwxyzg"

// UnitKind identifies which of the canonical PCI->host response shapes a
// Reader produced.
type UnitKind int

const (
	// KindPayload is a normal hex-encoded response line, terminated by CRLF.
	KindPayload UnitKind = iota
	// KindPowerOn is the lone '+' short response.
	KindPowerOn
	// KindPCIError is the lone '!' short response.
	KindPCIError
	// KindConfirmation is the two-byte <code><'.'|'!'> pair.
	KindConfirmation
)

// Unit is one decoded response unit read from the PCI transport.
type Unit struct {
	Kind    UnitKind
	Payload []byte // hex-decoded bytes, only set for KindPayload
	Code    byte   // only set for KindConfirmation
	Success bool   // only set for KindConfirmation
	Raw     []byte // the raw bytes as seen on the wire, for error reporting
}

// Reader decodes the canonical PCI->host response framing from a byte
// stream. It intentionally implements exactly one framing rule: accept only
// well-formed CRLF-terminated hex lines plus the three fixed-width special
// forms ('+', '!', <code><ack>). Ambiguous or malformed input is reported as
// an error rather than guessed at.
type Reader struct {
	br *bufio.Reader

	// StrictChecksum makes ReadUnit verify and strip the trailing checksum
	// byte of every non-empty payload line, matching the SRCHK interface
	// option the session negotiates during its reset sequence.
	StrictChecksum bool
}

// NewReader wraps r for reading canonical PCI response units.
func NewReader(br *bufio.Reader) *Reader {
	return &Reader{br: br}
}

func isConfirmCode(b byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == b {
			return true
		}
	}
	return false
}

// ReadUnit reads and classifies the next response unit.
func (r *Reader) ReadUnit() (Unit, error) {
	first, err := r.br.Peek(1)
	if err != nil {
		return Unit{}, err
	}
	switch first[0] {
	case PowerOnByte:
		if _, err := r.br.Discard(1); err != nil {
			return Unit{}, err
		}
		return Unit{Kind: KindPowerOn, Raw: []byte{PowerOnByte}}, nil
	case PCIErrorByte:
		if _, err := r.br.Discard(1); err != nil {
			return Unit{}, err
		}
		return Unit{Kind: KindPCIError, Raw: []byte{PCIErrorByte}}, nil
	}

	if isConfirmCode(first[0]) {
		two, err := r.br.Peek(2)
		if err == nil && (two[1] == confirmAck || two[1] == confirmNack) {
			if _, err := r.br.Discard(2); err != nil {
				return Unit{}, err
			}
			return Unit{
				Kind:    KindConfirmation,
				Code:    two[0],
				Success: two[1] == confirmAck,
				Raw:     append([]byte(nil), two...),
			}, nil
		}
	}

	line, err := r.br.ReadBytes(LF)
	if err != nil {
		return Unit{}, err
	}
	raw := append([]byte(nil), line...)
	n := len(line)
	if n < 2 || line[n-2] != CR {
		return Unit{Kind: KindPayload, Raw: raw}, fmt.Errorf("%w: %q is not CRLF-terminated", ErrMalformed, line)
	}
	trimmed := line[:n-2]

	payload, ok := decodeHex(trimmed)
	if !ok {
		return Unit{Kind: KindPayload, Raw: raw}, fmt.Errorf("%w: %q is not hex", ErrMalformed, trimmed)
	}
	if r.StrictChecksum && len(payload) > 0 {
		if !VerifyChecksum(payload) {
			return Unit{Kind: KindPayload, Raw: raw}, fmt.Errorf("%w: bad checksum on %q", ErrMalformed, trimmed)
		}
		payload = payload[:len(payload)-1]
	}
	return Unit{Kind: KindPayload, Payload: payload, Raw: raw}, nil
}
