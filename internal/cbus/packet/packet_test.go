package packet

import (
	"reflect"
	"testing"
	"time"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	raw, err := EncodePacket(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, n := DecodePacket(raw)
	if n != len(raw) {
		t.Fatalf("decode consumed %d of %d bytes", n, len(raw))
	}
	return got
}

func TestResetRoundTrip(t *testing.T) {
	got := roundTrip(t, Reset{})
	if _, ok := got.(Reset); !ok {
		t.Fatalf("got %#v", got)
	}
}

func TestDeviceManagementRoundTrip(t *testing.T) {
	want := DeviceManagement{Parameter: 0x21, Value: 0xFF}
	got := roundTrip(t, want)
	dm, ok := got.(DeviceManagement)
	if !ok || dm.Parameter != want.Parameter || dm.Value != want.Value {
		t.Fatalf("got %#v", got)
	}
}

func TestLightingOnOffRoundTrip(t *testing.T) {
	on := PointToMultipoint{SAL: []SAL{LightingOn{App: Lighting, Group: 1}}}
	got := roundTrip(t, on)
	if !reflect.DeepEqual(got, on) {
		t.Fatalf("on: got %#v want %#v", got, on)
	}

	off := PointToMultipoint{SAL: []SAL{LightingOff{App: Lighting, Group: 1}}}
	got = roundTrip(t, off)
	if !reflect.DeepEqual(got, off) {
		t.Fatalf("off: got %#v want %#v", got, off)
	}
}

func TestLightingRampRoundTripOnTableEntry(t *testing.T) {
	p := PointToMultipoint{SAL: []SAL{LightingRamp{App: Lighting, Group: 1, Duration: 8, Level: 128}}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestQuantiseRampDurationRoundsTiesToShorter(t *testing.T) {
	// 10 is equidistant between the 8s and 12s table entries; ties go short.
	if code := quantiseRampDuration(10); code != quantiseRampDuration(8) {
		t.Fatalf("expected duration 10 to quantise to the 8s code, got 0x%02X", code)
	}
}

func TestLightingBatchRoundTrip(t *testing.T) {
	p := PointToMultipoint{SAL: []SAL{
		LightingOn{App: Lighting, Group: 1},
		LightingOn{App: Lighting, Group: 2},
		LightingTerminateRamp{App: Lighting, Group: 3},
	}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestPointToMultipointWithSourceRoundTrip(t *testing.T) {
	src := byte(42)
	p := PointToMultipoint{Source: &src, SAL: []SAL{LightingOn{App: Lighting, Group: 7}}}
	got := roundTrip(t, p)
	gp, ok := got.(PointToMultipoint)
	if !ok || gp.Source == nil || *gp.Source != src {
		t.Fatalf("got %#v", got)
	}
}

func TestClockUpdateRoundTrip(t *testing.T) {
	when := time.Date(2026, time.July, 31, 14, 5, 0, 0, time.UTC)
	p := PointToMultipoint{SAL: []SAL{ClockUpdate{App: Clock, When: when}}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestClockRequestRoundTrip(t *testing.T) {
	p := PointToMultipoint{SAL: []SAL{ClockRequest{App: Clock}}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestStatusRequestRoundTrip(t *testing.T) {
	p := PointToMultipoint{SAL: []SAL{StatusRequestSAL{App: Lighting, GroupStart: 32, GroupCount: StatusBlockSize, LevelRequest: true}}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestIdentifyRoundTrip(t *testing.T) {
	p := PointToPoint{Unit: 5, CAL: []CAL{Identify{Attribute: 2}}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestExtendedBinaryReportRoundTrip(t *testing.T) {
	var states [StatusBlockSize]bool
	states[0] = true
	states[31] = true
	p := PointToPoint{Unit: 5, CAL: []CAL{ExtendedReport{
		ChildApp:   Lighting,
		BlockStart: 0,
		Report:     BinaryReport{States: states},
	}}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestExtendedLevelReportRoundTrip(t *testing.T) {
	var levels [StatusBlockSize]*byte
	full := byte(255)
	half := byte(128)
	levels[0] = &full
	levels[1] = &half
	p := PointToPoint{Unit: 5, CAL: []CAL{ExtendedReport{
		ChildApp:   Lighting,
		BlockStart: 0,
		Report:     LevelReport{Levels: levels},
	}}}
	got := roundTrip(t, p)
	if !reflect.DeepEqual(got, p) {
		t.Fatalf("got %#v want %#v", got, p)
	}
}

func TestDecodePacketMalformedIsInvalid(t *testing.T) {
	got, n := DecodePacket([]byte{0xEE})
	if _, ok := got.(InvalidPacket); !ok {
		t.Fatalf("got %#v", got)
	}
	if n != 1 {
		t.Fatalf("got n=%d", n)
	}
}

func TestEncodeUnencodableVariants(t *testing.T) {
	for _, p := range []Packet{Confirmation{Code: 'h', Success: true}, PCIError{}, PowerOn{}} {
		if _, err := EncodePacket(p); err == nil {
			t.Fatalf("expected error encoding %#v", p)
		}
	}
}
