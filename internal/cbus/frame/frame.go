// Package frame implements the ASCII wire framing used between a host and a
// Clipsal C-Bus PCI/CNI: backslash-prefixed upper-case hex payloads, an
// optional two's-complement checksum, and CR/CRLF terminators.
//
// Framing rules (serial interface guide):
//   - host -> PCI: '\' + hex(payload) [+ confirmation-code byte] + CR.
//     In basic mode the leading '\' is omitted for special packets.
//   - PCI -> host: hex(payload) + CRLF. Two short forms exist: a lone '+'
//     (power-on / smart-mode prompt) and a lone '!' (PCI cannot accept data).
//     A confirmation response is the two-byte pair <code><'.'|'!'>.
package frame

import (
	"bytes"
	"sync"
)

const (
	// CR terminates a host -> PCI command.
	CR = '\r'
	// LF together with CR terminates a PCI -> host response.
	LF = '\n'

	escape = '\\'

	// PowerOnByte is the lone '+' short response: power-on / smart-mode prompt.
	PowerOnByte = '+'
	// PCIErrorByte is the lone '!' short response: PCI cannot accept data.
	PCIErrorByte = '!'

	confirmAck  = '.'
	confirmNack = '!'
)

// bufPool avoids an allocation per encode on the session write path.
var bufPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

func getBuffer() *bytes.Buffer {
	return bufPool.Get().(*bytes.Buffer)
}

func putBuffer(b *bytes.Buffer) {
	b.Reset()
	bufPool.Put(b)
}

var hexDigits = [16]byte{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'A', 'B', 'C', 'D', 'E', 'F'}

// encodeHex appends the upper-case hex encoding of b to dst.
func encodeHex(dst *bytes.Buffer, b []byte) {
	for _, c := range b {
		dst.WriteByte(hexDigits[c>>4])
		dst.WriteByte(hexDigits[c&0x0F])
	}
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}

// decodeHex decodes an even-length hex string (either case) into bytes.
func decodeHex(s []byte) ([]byte, bool) {
	if len(s)%2 != 0 {
		return nil, false
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, ok1 := hexVal(s[2*i])
		lo, ok2 := hexVal(s[2*i+1])
		if !ok1 || !ok2 {
			return nil, false
		}
		out[i] = hi<<4 | lo
	}
	return out, true
}

// Checksum computes the two's-complement checksum byte such that the sum of
// all payload bytes plus this byte is congruent to 0 mod 256.
func Checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return byte(-int8(sum))
}

// VerifyChecksum reports whether payload (including its trailing checksum
// byte) sums to zero mod 256.
func VerifyChecksum(payloadWithChecksum []byte) bool {
	var sum byte
	for _, b := range payloadWithChecksum {
		sum += b
	}
	return sum == 0
}

// EncodeCommand renders a host->PCI command: payload bytes as hex, an
// optional trailing checksum byte, an optional confirmation code byte,
// terminated by CR. When basicMode is true the leading backslash is omitted
// and no checksum is sent, matching reset/device-management traffic issued
// before the SRCHK option has been negotiated.
func EncodeCommand(payload []byte, confirmCode byte, hasConfirm bool, basicMode bool) []byte {
	buf := getBuffer()
	defer putBuffer(buf)

	if !basicMode {
		buf.WriteByte(escape)
	}
	encodeHex(buf, payload)
	if !basicMode && len(payload) > 0 {
		encodeHex(buf, []byte{Checksum(payload)})
	}
	if hasConfirm {
		buf.WriteByte(confirmCode)
	}
	buf.WriteByte(CR)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

// ConfirmationResponse renders the two-byte PCI->host confirmation pair.
func ConfirmationResponse(code byte, success bool) []byte {
	if success {
		return []byte{code, confirmAck}
	}
	return []byte{code, confirmNack}
}
