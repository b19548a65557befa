// Package labelmap holds the human-readable names the gateway attaches to
// C-Bus applications and groups. The upstream Toolkit project-file (CBZ/XML)
// parser that normally produces this mapping is out of scope here; callers
// supply the mapping directly, or load the YAML fixture format this package
// also understands, which stands in for that parser in tests and small
// deployments.
package labelmap

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/mitchell-johnson/cbus/internal/cbus/packet"
)

// Application names one C-Bus application and the group labels within it.
type Application struct {
	Name   string          `yaml:"name"`
	Groups map[byte]string `yaml:"groups"`
}

// Map is a {application → (app_name, {group → label})} mapping, the exact
// shape the MQTT gateway consumes.
type Map map[packet.Application]Application

// Label returns the configured label for (app, group) and whether one was
// found.
func (m Map) Label(app packet.Application, group byte) (string, bool) {
	a, ok := m[app]
	if !ok {
		return "", false
	}
	label, ok := a.Groups[group]
	return label, ok
}

// Applications returns every application in the map, including those with
// no group labels, in ascending order.
func (m Map) Applications() []packet.Application {
	apps := make([]packet.Application, 0, len(m))
	for app := range m {
		apps = append(apps, app)
	}
	for i := 1; i < len(apps); i++ {
		for j := i; j > 0 && apps[j-1] > apps[j]; j-- {
			apps[j-1], apps[j] = apps[j], apps[j-1]
		}
	}
	return apps
}

// yamlDoc mirrors Map but with a string-keyed application map, since YAML
// mapping keys decode as strings/ints, not packet.Application.
type yamlDoc map[string]struct {
	Name   string          `yaml:"name"`
	Groups map[byte]string `yaml:"groups"`
}

// LoadYAML parses the small project-file-equivalent fixture format:
//
//	"0x38":
//	  name: Lighting
//	  groups:
//	    1: Hall
//	    2: Kitchen
//
// Application keys may be decimal or 0x-prefixed hex.
func LoadYAML(data []byte) (Map, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("labelmap: parsing YAML: %w", err)
	}
	m := make(Map, len(doc))
	for key, entry := range doc {
		var appVal int
		if _, err := fmt.Sscanf(key, "0x%x", &appVal); err != nil {
			if _, err := fmt.Sscanf(key, "%d", &appVal); err != nil {
				return nil, fmt.Errorf("labelmap: application key %q is neither decimal nor 0x-hex", key)
			}
		}
		if appVal < 0 || appVal > 255 {
			return nil, fmt.Errorf("labelmap: application %d out of byte range", appVal)
		}
		m[packet.Application(appVal)] = Application{Name: entry.Name, Groups: entry.Groups}
	}
	return m, nil
}
