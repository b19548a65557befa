package frame

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestChecksumRoundTrip(t *testing.T) {
	payload := []byte{0x05, 0x38, 0x00, 0x79}
	sum := Checksum(payload)
	full := append(append([]byte(nil), payload...), sum)
	if !VerifyChecksum(full) {
		t.Fatalf("checksum %x did not verify for %x", sum, payload)
	}
}

func TestEncodeCommandSmartModeAppendsChecksum(t *testing.T) {
	got := EncodeCommand([]byte{0x05, 0x38, 0x00, 0x79}, 0, false, false)
	want := "\\053800794A\r"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestEncodeCommandBasicModeWithConfirm(t *testing.T) {
	got := EncodeCommand([]byte{0x21, 0xFF}, 'h', true, true)
	want := "21FFh\r"
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestReadUnitPowerOn(t *testing.T) {
	r := NewReader(bufio.NewReader(bytes.NewReader([]byte("+"))))
	u, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != KindPowerOn {
		t.Fatalf("got kind %v", u.Kind)
	}
}

func TestReadUnitPCIError(t *testing.T) {
	r := NewReader(bufio.NewReader(bytes.NewReader([]byte("!"))))
	u, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != KindPCIError {
		t.Fatalf("got kind %v", u.Kind)
	}
}

func TestReadUnitConfirmation(t *testing.T) {
	r := NewReader(bufio.NewReader(bytes.NewReader([]byte("h."))))
	u, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != KindConfirmation || u.Code != 'h' || !u.Success {
		t.Fatalf("got %+v", u)
	}
}

func TestReadUnitConfirmationNack(t *testing.T) {
	r := NewReader(bufio.NewReader(bytes.NewReader([]byte("z!"))))
	u, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != KindConfirmation || u.Code != 'z' || u.Success {
		t.Fatalf("got %+v", u)
	}
}

func TestReadUnitPayload(t *testing.T) {
	r := NewReader(bufio.NewReader(bytes.NewReader([]byte("05380079\r\n"))))
	u, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if u.Kind != KindPayload {
		t.Fatalf("got kind %v", u.Kind)
	}
	want := []byte{0x05, 0x38, 0x00, 0x79}
	if !bytes.Equal(u.Payload, want) {
		t.Fatalf("got %x want %x", u.Payload, want)
	}
}

func TestReadUnitMalformedHex(t *testing.T) {
	r := NewReader(bufio.NewReader(bytes.NewReader([]byte("0G\r\n"))))
	_, err := r.ReadUnit()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}

func TestReadUnitStrictChecksumStripsTrailingByte(t *testing.T) {
	payload := []byte{0x05, 0x38, 0x00, 0x79}
	line := append(EncodeCommand(payload, 0, false, false), '\n')
	r := NewReader(bufio.NewReader(bytes.NewReader(line[1:]))) // drop the host-side backslash
	r.StrictChecksum = true
	u, err := r.ReadUnit()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(u.Payload, payload) {
		t.Fatalf("got %x want %x", u.Payload, payload)
	}
}

func TestReadUnitStrictChecksumRejectsBadSum(t *testing.T) {
	r := NewReader(bufio.NewReader(bytes.NewReader([]byte("05380079FF\r\n"))))
	r.StrictChecksum = true
	_, err := r.ReadUnit()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("got %v, want ErrMalformed", err)
	}
}
