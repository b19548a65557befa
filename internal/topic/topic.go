// Package topic provides deterministic conversion between (application,
// group) pairs and the MQTT topic paths used by the Home Assistant
// discovery convention, plus the reverse parse of a command topic.
package topic

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchell-johnson/cbus/internal/cbus/packet"
)

const (
	lightPrefix        = "homeassistant/light/cbus_"
	binarySensorPrefix = "homeassistant/binary_sensor/cbus_"

	setSuffix    = "/set"
	stateSuffix  = "/state"
	configSuffix = "/config"
)

// GAString renders (group, app) the way the wire/topic naming convention
// requires: zero-padded three digits for Lighting when zeros is true, plain
// decimal otherwise; non-Lighting applications always get "app_group" with
// both fields zero-padded.
func GAString(group byte, app packet.Application, zeros bool) string {
	if app == packet.Lighting {
		if zeros {
			return fmt.Sprintf("%03d", group)
		}
		return strconv.Itoa(int(group))
	}
	return fmt.Sprintf("%03d_%03d", app, group)
}

func ga(group byte, app packet.Application) string {
	return GAString(group, app, false)
}

// LightCommandTopic is the topic a light's set command is published to.
func LightCommandTopic(group byte, app packet.Application) string {
	return lightPrefix + ga(group, app) + setSuffix
}

// LightStateTopic is the retained state topic for a light.
func LightStateTopic(group byte, app packet.Application) string {
	return lightPrefix + ga(group, app) + stateSuffix
}

// LightConfigTopic is the retained Home Assistant discovery config topic
// for a light.
func LightConfigTopic(group byte, app packet.Application) string {
	return lightPrefix + ga(group, app) + configSuffix
}

// BinarySensorStateTopic is the retained state topic for a group's
// companion binary sensor.
func BinarySensorStateTopic(group byte, app packet.Application) string {
	return binarySensorPrefix + ga(group, app) + stateSuffix
}

// BinarySensorConfigTopic is the retained discovery config topic for a
// group's companion binary sensor.
func BinarySensorConfigTopic(group byte, app packet.Application) string {
	return binarySensorPrefix + ga(group, app) + configSuffix
}

// MetaDeviceConfigTopic is the discovery config topic for the gateway's own
// liveness entity.
const MetaDeviceConfigTopic = "homeassistant/binary_sensor/cbus_cmqttd/config"

// MetaDeviceStateTopic is the state topic for the gateway's own liveness
// entity, published ON at connect and wired as the MQTT LWT's OFF payload.
const MetaDeviceStateTopic = "homeassistant/binary_sensor/cbus_cmqttd/state"

// CommandSubscription is the single wildcard subscription the gateway
// establishes; it filters by suffix itself rather than subscribing
// per-group.
const CommandSubscription = "homeassistant/light/#"

// ParseCommandTopic reverse-parses a light command topic into its group and
// application, rejecting anything that is not a well-formed command topic
// under the fixed prefix.
func ParseCommandTopic(t string) (group byte, app packet.Application, err error) {
	rest, ok := strings.CutPrefix(t, lightPrefix)
	if !ok {
		return 0, 0, fmt.Errorf("topic: %q does not have the expected light command prefix", t)
	}
	rest, ok = strings.CutSuffix(rest, setSuffix)
	if !ok {
		return 0, 0, fmt.Errorf("topic: %q is not a set-command topic", t)
	}

	parts := strings.Split(rest, "_")
	var appVal, groupVal int
	switch len(parts) {
	case 1:
		appVal = int(packet.Lighting)
		groupVal, err = strconv.Atoi(parts[0])
	case 2:
		appVal, err = strconv.Atoi(parts[0])
		if err == nil {
			groupVal, err = strconv.Atoi(parts[1])
		}
	default:
		return 0, 0, fmt.Errorf("topic: %q has an unrecognised address segment %q", t, rest)
	}
	if err != nil {
		return 0, 0, fmt.Errorf("topic: %q has a non-numeric address segment: %w", t, err)
	}
	if groupVal < 1 || groupVal > 255 {
		return 0, 0, fmt.Errorf("topic: group %d out of range 1..255", groupVal)
	}
	if appVal < 0 || appVal > 255 {
		return 0, 0, fmt.Errorf("topic: application %d out of range 0..255", appVal)
	}
	return byte(groupVal), packet.Application(appVal), nil
}
