// Package gateway bridges a PCI session's callbacks to the Home Assistant
// MQTT discovery convention over a paho.mqtt.golang client.
package gateway

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/mitchell-johnson/cbus/internal/cbus/packet"
	"github.com/mitchell-johnson/cbus/internal/cbus/session"
	"github.com/mitchell-johnson/cbus/internal/cbus/throttle"
	"github.com/mitchell-johnson/cbus/internal/labelmap"
	"github.com/mitchell-johnson/cbus/internal/metrics"
	"github.com/mitchell-johnson/cbus/internal/topic"
)

const (
	qosAtLeastOnce = 1
	qosExactlyOnce = 2

	statusSweepBlock = packet.StatusBlockSize
)

// DeviceInfo fills the "device" object every discovery config payload
// carries, per the Home Assistant discovery convention.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	ViaDevice    string   `json:"via_device,omitempty"`
}

// Config parameterises a Gateway. TLS is nil when disabled.
type Config struct {
	BrokerAddress string
	BrokerPort    int
	Keepalive     time.Duration
	ClientID      string
	Username      string
	Password      string
	TLS           *tls.Config

	Labels labelmap.Map

	StatusResyncInterval time.Duration

	Stat *metrics.Stat
}

type lightState struct {
	State      string `json:"state"`
	Brightness int    `json:"brightness"`
	Transition int    `json:"transition"`
	Source     *byte  `json:"cbus_source_addr"`
}

type lightCommand struct {
	State      string `json:"state"`
	Brightness *int   `json:"brightness"`
	Transition *int   `json:"transition"`
}

// Gateway owns the broker connection and the published-GA bookkeeping that
// drives lazy discovery and status resync.
type Gateway struct {
	cfg     Config
	session *session.Session
	client  paho.Client
	thr     *throttle.Throttler
	logger  *log.Logger

	mu          sync.Mutex
	publishedGA map[gaKey]struct{}
}

type gaKey struct {
	app   packet.Application
	group byte
}

// New constructs a Gateway wired to session for outbound PCI calls and
// logger for diagnostics. Call Connect to dial the broker.
func New(cfg Config, sess *session.Session, thr *throttle.Throttler, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	g := &Gateway{
		cfg:         cfg,
		session:     sess,
		thr:         thr,
		logger:      logger,
		publishedGA: make(map[gaKey]struct{}),
	}
	return g
}

// Callbacks returns the session.Callbacks bundle the gateway implements;
// install it on the session with Session.SetCallbacks.
func (g *Gateway) Callbacks() session.Callbacks {
	return session.Callbacks{
		OnLightingOn: func(source, group byte, app packet.Application) {
			g.onLightingEvent(source, group, app, "ON", 255, 0)
		},
		OnLightingOff: func(source, group byte, app packet.Application) {
			g.onLightingEvent(source, group, app, "OFF", 0, 0)
		},
		OnLightingRamp: func(source, group byte, app packet.Application, duration int, level byte) {
			g.onLightingEvent(source, group, app, "ON", int(level), duration)
		},
		OnLevelReport: func(app packet.Application, blockStart byte, levels [statusSweepBlock]*byte) {
			g.onLevelReport(app, blockStart, levels)
		},
		OnConnectionUp:   g.onConnectionUp,
		OnConnectionDown: g.onConnectionDown,
		OnCommandFailed: func(code byte) {
			g.logger.Printf("gateway: error: command with confirmation code %q failed or timed out", code)
		},
	}
}

func (g *Gateway) clientID() string {
	if g.cfg.ClientID != "" {
		return g.cfg.ClientID
	}
	return "cbusd-" + uuid.NewString()
}

// Connect dials the broker, establishes the LWT-backed meta-device, and
// subscribes to the command topic. It does not block; use Disconnect to
// tear down.
func (g *Gateway) Connect() error {
	scheme := "tcp"
	if g.cfg.TLS != nil {
		scheme = "ssl"
	}
	broker := fmt.Sprintf("%s://%s:%d", scheme, g.cfg.BrokerAddress, g.cfg.BrokerPort)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(g.clientID()).
		SetKeepAlive(g.cfg.Keepalive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetWill(topic.MetaDeviceStateTopic, "OFF", qosAtLeastOnce, true)

	if g.cfg.Username != "" {
		opts.SetUsername(g.cfg.Username)
		opts.SetPassword(g.cfg.Password)
	}
	if g.cfg.TLS != nil {
		opts.SetTLSConfig(g.cfg.TLS)
	}

	opts.SetOnConnectHandler(func(paho.Client) {
		g.logger.Printf("gateway: connected to broker %s", broker)
		if err := g.publishMetaDevice(); err != nil {
			g.logger.Printf("gateway: error: publishing meta device: %v", err)
		}
		if err := g.subscribeCommands(); err != nil {
			g.logger.Printf("gateway: error: subscribing to commands: %v", err)
		}
		if err := g.publishAllDiscovery(); err != nil {
			g.logger.Printf("gateway: error: publishing discovery configs: %v", err)
		}
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		g.logger.Printf("gateway: warning: broker connection lost: %v", err)
	})

	g.client = paho.NewClient(opts)
	token := g.client.Connect()
	token.Wait()
	return token.Error()
}

// Disconnect tears down the broker connection, waiting up to quiesce for
// in-flight publishes to drain.
func (g *Gateway) Disconnect(quiesce time.Duration) {
	if g.client != nil {
		g.client.Disconnect(uint(quiesce.Milliseconds()))
	}
}

func (g *Gateway) subscribeCommands() error {
	token := g.client.Subscribe(topic.CommandSubscription, qosExactlyOnce, func(_ paho.Client, msg paho.Message) {
		g.handleCommand(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

func (g *Gateway) publishMetaDevice() error {
	cfg := map[string]any{
		"name":         "cbusd",
		"unique_id":    "cbus_cmqttd",
		"state_topic":  topic.MetaDeviceStateTopic,
		"payload_on":   "ON",
		"payload_off":  "OFF",
		"device_class": "connectivity",
		"device": DeviceInfo{
			Identifiers:  []string{"cbus_cmqttd"},
			Name:         "cbusd",
			Manufacturer: "Clipsal",
			Model:        "C-Bus PCI/CNI gateway",
		},
	}
	if err := g.publishJSON(topic.MetaDeviceConfigTopic, qosAtLeastOnce, true, cfg); err != nil {
		return err
	}
	return g.publishRaw(topic.MetaDeviceStateTopic, qosAtLeastOnce, true, []byte("ON"))
}

func (g *Gateway) publishAllDiscovery() error {
	for app, a := range g.cfg.Labels {
		for group := range a.Groups {
			if err := g.publishDiscovery(app, group, a.Name, a.Groups[group]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Gateway) publishDiscovery(app packet.Application, group byte, deviceName, label string) error {
	gastr := topic.GAString(group, app, true)
	lightCfg := map[string]any{
		"name":          label,
		"unique_id":     "cbus_light_" + gastr,
		"command_topic": topic.LightCommandTopic(group, app),
		"state_topic":   topic.LightStateTopic(group, app),
		"schema":        "json",
		"brightness":    true,
		"device": DeviceInfo{
			Identifiers:  []string{"cbus_" + gastr},
			Name:         deviceName,
			Manufacturer: "Clipsal",
			Model:        "C-Bus group",
			ViaDevice:    "cbus_cmqttd",
		},
	}
	if err := g.publishJSON(topic.LightConfigTopic(group, app), qosAtLeastOnce, true, lightCfg); err != nil {
		return err
	}

	sensorCfg := map[string]any{
		"name":        label,
		"unique_id":   "cbus_bin_sensor_" + gastr,
		"state_topic": topic.BinarySensorStateTopic(group, app),
		"device": DeviceInfo{
			Identifiers: []string{"cbus_" + gastr},
			ViaDevice:   "cbus_cmqttd",
		},
	}
	return g.publishJSON(topic.BinarySensorConfigTopic(group, app), qosAtLeastOnce, true, sensorCfg)
}

// ensureDiscovered lazy-publishes discovery for a GA the first time it is
// seen since the published set was last cleared, naming it after its
// label-map entry when there is one and after its raw address otherwise.
func (g *Gateway) ensureDiscovered(app packet.Application, group byte) {
	key := gaKey{app, group}
	g.mu.Lock()
	_, known := g.publishedGA[key]
	if !known {
		g.publishedGA[key] = struct{}{}
	}
	size := len(g.publishedGA)
	g.mu.Unlock()
	if known {
		return
	}
	if g.cfg.Stat != nil {
		g.cfg.Stat.PublishedGroups.Set(float64(size))
	}

	label, ok := g.cfg.Labels.Label(app, group)
	if !ok {
		label = fmt.Sprintf("C-Bus %s", topic.GAString(group, app, true))
	}
	deviceName := label
	if a, ok := g.cfg.Labels[app]; ok && a.Name != "" {
		deviceName = a.Name
	}
	if err := g.publishDiscovery(app, group, deviceName, label); err != nil {
		g.logger.Printf("gateway: error: lazy discovery publish for %v/%d failed: %v", app, group, err)
	}
}

func (g *Gateway) onLightingEvent(source, group byte, app packet.Application, state string, brightness, transition int) {
	g.ensureDiscovered(app, group)

	var sourcePtr *byte
	if source != 0 {
		sourcePtr = &source
	}
	payload := lightState{State: state, Brightness: brightness, Transition: transition, Source: sourcePtr}
	if err := g.publishJSON(topic.LightStateTopic(group, app), qosAtLeastOnce, true, payload); err != nil {
		g.logger.Printf("gateway: error: publishing state for %v/%d: %v", app, group, err)
	}
	if err := g.publishRaw(topic.BinarySensorStateTopic(group, app), qosAtLeastOnce, true, []byte(state)); err != nil {
		g.logger.Printf("gateway: error: publishing binary sensor state for %v/%d: %v", app, group, err)
	}
}

func (g *Gateway) onLevelReport(app packet.Application, blockStart byte, levels [statusSweepBlock]*byte) {
	for i, lvl := range levels {
		if lvl == nil {
			continue
		}
		group := blockStart + byte(i)
		switch *lvl {
		case 0:
			g.onLightingEvent(0, group, app, "OFF", 0, 0)
		case 255:
			g.onLightingEvent(0, group, app, "ON", 255, 0)
		default:
			g.onLightingEvent(0, group, app, "ON", int(*lvl), 0)
		}
	}
}

func (g *Gateway) onConnectionUp() {
	g.enqueueStatusSweep()
}

func (g *Gateway) onConnectionDown(err error) {
	g.mu.Lock()
	g.publishedGA = make(map[gaKey]struct{})
	g.mu.Unlock()
	if g.cfg.Stat != nil {
		g.cfg.Stat.PublishedGroups.Set(0)
	}
	g.logger.Printf("gateway: warning: PCI connection down: %v", err)
}

// enqueueStatusSweep enqueues one RequestStatus per 32-group block, for
// every application named in the label map, through the throttler so a
// reconnect cannot burst the PCI.
func (g *Gateway) enqueueStatusSweep() {
	apps := g.cfg.Labels.Applications()
	if len(apps) == 0 {
		apps = []packet.Application{packet.Lighting}
	}
	for _, app := range apps {
		for start := 0; start < 256; start += statusSweepBlock {
			app, start := app, byte(start)
			g.thr.Enqueue(func(ctx context.Context) {
				if _, err := g.session.RequestStatus(ctx, start, app); err != nil {
					g.logger.Printf("gateway: error: status request for %v block %d: %v", app, start, err)
				}
			})
		}
	}
}

// RunStatusResync blocks, issuing a full status sweep every configured
// interval, until ctx is cancelled. A status request that fails is logged by
// its throttled task and is not retried; the next attempt for that block is
// the next interval's sweep.
func (g *Gateway) RunStatusResync(ctx context.Context) {
	if g.cfg.StatusResyncInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.cfg.StatusResyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.enqueueStatusSweep()
		}
	}
}

func (g *Gateway) handleCommand(t string, payload []byte) {
	group, app, err := topic.ParseCommandTopic(t)
	if err != nil {
		g.logger.Printf("gateway: error: %v", err)
		return
	}
	var cmd lightCommand
	if err := json.Unmarshal(payload, &cmd); err != nil {
		g.logger.Printf("gateway: error: malformed command payload on %s: %v", t, err)
		return
	}

	brightness := 255
	if cmd.Brightness != nil {
		brightness = clamp(*cmd.Brightness, 0, 255)
	}
	transition := 0
	if cmd.Transition != nil {
		transition = *cmd.Transition
		if transition < 0 {
			transition = 0
		}
	}

	switch cmd.State {
	case "OFF":
		g.thr.Enqueue(func(ctx context.Context) {
			if _, err := g.session.LightingOff(ctx, []byte{group}, app); err != nil {
				g.logger.Printf("gateway: error: LightingOff for %v/%d: %v", app, group, err)
				return
			}
			g.onLightingEvent(0, group, app, "OFF", 0, 0)
		})
	case "ON":
		if brightness == 255 && transition == 0 {
			g.thr.Enqueue(func(ctx context.Context) {
				if _, err := g.session.LightingOn(ctx, []byte{group}, app); err != nil {
					g.logger.Printf("gateway: error: LightingOn for %v/%d: %v", app, group, err)
					return
				}
				g.onLightingEvent(0, group, app, "ON", 255, 0)
			})
			return
		}
		g.thr.Enqueue(func(ctx context.Context) {
			if _, err := g.session.LightingRamp(ctx, group, app, transition, byte(brightness)); err != nil {
				g.logger.Printf("gateway: error: LightingRamp for %v/%d: %v", app, group, err)
				return
			}
			g.onLightingEvent(0, group, app, "ON", brightness, transition)
		})
	default:
		g.logger.Printf("gateway: error: unrecognised command state %q on %s", cmd.State, t)
	}
}

func (g *Gateway) publishJSON(t string, qos byte, retain bool, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gateway: marshaling payload for %s: %w", t, err)
	}
	return g.publishRaw(t, qos, retain, data)
}

func (g *Gateway) publishRaw(t string, qos byte, retain bool, data []byte) error {
	token := g.client.Publish(t, qos, retain, data)
	token.Wait()
	return token.Error()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
