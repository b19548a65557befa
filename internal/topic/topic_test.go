package topic

import (
	"testing"

	"github.com/mitchell-johnson/cbus/internal/cbus/packet"
)

func TestGAStringLightingZeroPadded(t *testing.T) {
	if got := GAString(7, packet.Lighting, true); got != "007" {
		t.Fatalf("GAString(7, Lighting, true) = %q, want %q", got, "007")
	}
	if got := GAString(7, packet.Lighting, false); got != "7" {
		t.Fatalf("GAString(7, Lighting, false) = %q, want %q", got, "7")
	}
}

func TestGAStringNonLightingAlwaysPadded(t *testing.T) {
	want := "025_001"
	if got := GAString(1, packet.Temperature, false); got != want {
		t.Fatalf("GAString(1, Temperature, false) = %q, want %q", got, want)
	}
	if got := GAString(1, packet.Temperature, true); got != want {
		t.Fatalf("GAString(1, Temperature, true) = %q, want %q", got, want)
	}
}

func TestCommandTopicRoundTrip(t *testing.T) {
	cases := []struct {
		app   packet.Application
		group byte
	}{
		{packet.Lighting, 1},
		{packet.Lighting, 255},
		{packet.Temperature, 1},
		{packet.Trigger, 17},
	}
	for _, c := range cases {
		topicStr := LightCommandTopic(c.group, c.app)
		group, app, err := ParseCommandTopic(topicStr)
		if err != nil {
			t.Fatalf("ParseCommandTopic(%q): %v", topicStr, err)
		}
		if group != c.group || app != c.app {
			t.Fatalf("ParseCommandTopic(%q) = (%d, %v), want (%d, %v)", topicStr, group, app, c.group, c.app)
		}
	}
}

func TestParseCommandTopicRejectsWrongPrefix(t *testing.T) {
	if _, _, err := ParseCommandTopic("homeassistant/switch/cbus_1/set"); err == nil {
		t.Fatal("expected an error for a non-light prefix")
	}
}

func TestParseCommandTopicRejectsOutOfRangeGroup(t *testing.T) {
	if _, _, err := ParseCommandTopic("homeassistant/light/cbus_0/set"); err == nil {
		t.Fatal("expected an error for group 0")
	}
	if _, _, err := ParseCommandTopic("homeassistant/light/cbus_256/set"); err == nil {
		t.Fatal("expected an error for group 256")
	}
}

func TestParseCommandTopicRejectsMalformedSegment(t *testing.T) {
	if _, _, err := ParseCommandTopic("homeassistant/light/cbus_1_2_3/set"); err == nil {
		t.Fatal("expected an error for a three-part address segment")
	}
	if _, _, err := ParseCommandTopic("homeassistant/light/cbus_abc/set"); err == nil {
		t.Fatal("expected an error for a non-numeric address segment")
	}
}

func TestStateAndConfigTopicsShareThePrefix(t *testing.T) {
	if got, want := LightStateTopic(1, packet.Lighting), "homeassistant/light/cbus_1/state"; got != want {
		t.Fatalf("LightStateTopic = %q, want %q", got, want)
	}
	if got, want := LightConfigTopic(1, packet.Lighting), "homeassistant/light/cbus_1/config"; got != want {
		t.Fatalf("LightConfigTopic = %q, want %q", got, want)
	}
	if got, want := BinarySensorStateTopic(1, packet.Lighting), "homeassistant/binary_sensor/cbus_1/state"; got != want {
		t.Fatalf("BinarySensorStateTopic = %q, want %q", got, want)
	}
}
