package labelmap

import (
	"testing"

	"github.com/mitchell-johnson/cbus/internal/cbus/packet"
)

func TestLoadYAMLHexAndDecimalKeys(t *testing.T) {
	data := []byte(`
"0x38":
  name: Lighting
  groups:
    1: Hall
    2: Kitchen
"25":
  name: Temperature
  groups:
    10: Outside
`)
	m, err := LoadYAML(data)
	if err != nil {
		t.Fatalf("LoadYAML: %v", err)
	}
	if label, ok := m.Label(packet.Lighting, 1); !ok || label != "Hall" {
		t.Fatalf("Label(Lighting, 1) = (%q, %v), want (Hall, true)", label, ok)
	}
	if label, ok := m.Label(packet.Temperature, 10); !ok || label != "Outside" {
		t.Fatalf("Label(Temperature, 10) = (%q, %v), want (Outside, true)", label, ok)
	}
	if _, ok := m.Label(packet.Lighting, 99); ok {
		t.Fatal("expected no label for an unconfigured group")
	}
}

func TestLoadYAMLRejectsUnparsableApplicationKey(t *testing.T) {
	data := []byte(`
"not-a-number":
  name: Bogus
  groups:
    1: X
`)
	if _, err := LoadYAML(data); err == nil {
		t.Fatal("expected an error for a non-numeric application key")
	}
}

func TestApplicationsSortedAscending(t *testing.T) {
	m := Map{
		packet.StatusRequest: {Name: "Status"},
		packet.Lighting:      {Name: "Lighting"},
		packet.Clock:         {Name: "Clock"},
	}
	apps := m.Applications()
	for i := 1; i < len(apps); i++ {
		if apps[i-1] >= apps[i] {
			t.Fatalf("Applications() not ascending: %v", apps)
		}
	}
}
