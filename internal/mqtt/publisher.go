// Package mqtt publishes the softener's state to Home Assistant via
// MQTT discovery. Entity states are retained and follow the poll
// cycle: a successful refresh pushes fresh states and marks the
// device available, a failed refresh flips availability to offline so
// HA shows last-known values as unavailable rather than current.
package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/softwatch/internal/config"
	"github.com/nugget/softwatch/internal/events"
	"github.com/nugget/softwatch/internal/poll"
	"github.com/nugget/softwatch/internal/portal"
)

// SnapshotSource provides the cached snapshot for state publishing.
// The poll coordinator satisfies this; the indirection keeps tests
// broker-free.
type SnapshotSource interface {
	Latest() (*portal.Snapshot, poll.Status)
}

// Publisher manages the MQTT connection, publishes HA discovery
// configs on (re-)connect, and pushes entity states whenever the
// poll coordinator completes a cycle.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	source     SnapshotSource
	bus        *events.Bus
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and event loop.
func New(cfg config.MQTTConfig, instanceID string, source SnapshotSource, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		source:     source,
		bus:        bus,
		logger:     logger,
	}
}

// Start connects to the MQTT broker and blocks until ctx is
// cancelled. On every (re-)connect it republishes discovery configs,
// current availability, and the latest states.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			// Only the callback's own cm is safe here; the manager
			// may fire before NewConnection has returned.
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm)
			p.publishStates(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "softwatch-" + p.cfg.DeviceName,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.setCM(cm)

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects, first flipping availability to
// offline so HA marks the entities unavailable immediately.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.connection()
	if cm == nil {
		return nil
	}
	p.publish(ctx, cm, p.availabilityTopic(), "offline", 1, true)
	return cm.Disconnect(ctx)
}

func (p *Publisher) setCM(cm *autopaho.ConnectionManager) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cm = cm
}

func (p *Publisher) connection() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

// runLoop follows the event bus: fresh snapshots push states, failed
// cycles flip availability offline.
func (p *Publisher) runLoop(ctx context.Context) {
	ch := p.bus.Subscribe(32)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-ch:
			cm := p.connection()
			switch e.Kind {
			case events.KindRefreshComplete:
				p.publishStates(ctx, cm)
				p.publishAvailability(ctx, cm)
			case events.KindRefreshFailed:
				p.publishAvailability(ctx, cm)
			}
		}
	}
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "softwatch/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

type binarySensorDef struct {
	entitySuffix string
	config       BinarySensorConfig
}

func (p *Publisher) sensorDefinitions(device DeviceInfo) []sensorDef {
	avail := p.availabilityTopic()
	sensor := func(suffix, name, icon string) SensorConfig {
		return SensorConfig{
			Name:              device.Name + " " + name,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: avail,
			Device:            device,
			Icon:              icon,
		}
	}

	water := sensor("water_consumption_today", "Water Consumption Today", "mdi:water")
	water.UnitOfMeasurement = "L"
	water.DeviceClass = "water"
	water.StateClass = "total"

	regens := sensor("regenerations_today", "Regenerations Today", "mdi:refresh")
	regens.StateClass = "total"

	hardnessIn := sensor("hardness_in", "Hardness In", "mdi:water-opacity")
	hardnessIn.UnitOfMeasurement = "°f"
	hardnessIn.StateClass = "measurement"

	hardnessOut := sensor("hardness_out", "Hardness Out", "mdi:water-check")
	hardnessOut.UnitOfMeasurement = "°f"
	hardnessOut.StateClass = "measurement"

	pressure := sensor("network_pressure", "Network Pressure", "mdi:gauge")
	pressure.UnitOfMeasurement = "bar"
	pressure.DeviceClass = "pressure"
	pressure.StateClass = "measurement"

	wifi := sensor("wifi_signal", "WiFi Signal", "mdi:wifi")
	wifi.UnitOfMeasurement = "dBm"
	wifi.DeviceClass = "signal_strength"
	wifi.StateClass = "measurement"
	wifi.EntityCategory = "diagnostic"

	lastConn := sensor("last_connection", "Last Connection", "mdi:clock-outline")
	lastConn.DeviceClass = "timestamp"

	serial := sensor("serial_number", "Serial Number", "mdi:identifier")
	serial.EntityCategory = "diagnostic"

	install := sensor("install_date", "Install Date", "mdi:calendar")
	install.DeviceClass = "date"
	install.EntityCategory = "diagnostic"

	salt := sensor("salt_type", "Salt Type", "mdi:shaker")
	regenTime := sensor("scheduled_regeneration", "Scheduled Regeneration", "mdi:clock-start")

	return []sensorDef{
		{"water_consumption_today", water},
		{"regenerations_today", regens},
		{"hardness_in", hardnessIn},
		{"hardness_out", hardnessOut},
		{"network_pressure", pressure},
		{"wifi_signal", wifi},
		{"last_connection", lastConn},
		{"serial_number", serial},
		{"install_date", install},
		{"salt_type", salt},
		{"scheduled_regeneration", regenTime},
	}
}

func (p *Publisher) binarySensorDefinitions(device DeviceInfo) []binarySensorDef {
	avail := p.availabilityTopic()
	binary := func(suffix, name, deviceClass, icon string) BinarySensorConfig {
		return BinarySensorConfig{
			Name:              device.Name + " " + name,
			UniqueID:          p.instanceID + "_" + suffix,
			StateTopic:        p.stateTopic(suffix),
			AvailabilityTopic: avail,
			Device:            device,
			DeviceClass:       deviceClass,
			Icon:              icon,
		}
	}

	return []binarySensorDef{
		{"wifi_connected", binary("wifi_connected", "WiFi Connected", "connectivity", "mdi:wifi")},
		{"network_online", binary("network_online", "Online", "connectivity", "mdi:check-network")},
		{"reachable", binary("reachable", "Reachable", "connectivity", "mdi:network")},
		{"power_outage", binary("power_outage", "Power Outage Today", "problem", "mdi:power-plug-off")},
		{"salt_alarm_low", binary("salt_alarm_low", "Salt Low", "problem", "mdi:alert")},
		{"holiday_mode", binary("holiday_mode", "Holiday Mode", "", "mdi:airplane")},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	var serial string
	if snap, _ := p.source.Latest(); snap != nil {
		serial = snap.SerialNumber
	}
	device := NewDeviceInfo(p.instanceID, p.cfg.DeviceName, serial)

	published := 0
	for _, s := range p.sensorDefinitions(device) {
		if p.publishJSON(ctx, cm, p.discoveryTopic("sensor", s.entitySuffix), s.config) {
			published++
		}
	}
	for _, b := range p.binarySensorDefinitions(device) {
		if p.publishJSON(ctx, cm, p.discoveryTopic("binary_sensor", b.entitySuffix), b.config) {
			published++
		}
	}
	p.logger.Info("mqtt discovery published", "entities", published)
}

func (p *Publisher) publishJSON(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "topic", topic, "error", err)
		return false
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: data,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}

// publishAvailability reflects the coordinator's freshness: online
// while the cache is fresh, offline once it goes stale or before the
// first successful cycle.
func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}
	_, st := p.source.Latest()
	status := "offline"
	if st.HasSnapshot && !st.Stale {
		status = "online"
	}
	p.publish(ctx, cm, p.availabilityTopic(), status, 1, true)
	p.logger.Debug("mqtt availability published", "status", status)
}

func (p *Publisher) publishStates(ctx context.Context, cm *autopaho.ConnectionManager) {
	if cm == nil {
		return
	}
	snap, _ := p.source.Latest()
	if snap == nil {
		return
	}

	for entity, value := range entityStates(snap) {
		p.publish(ctx, cm, p.stateTopic(entity), value, 0, true)
	}

	p.logger.Debug("mqtt sensor states published", "serial", snap.SerialNumber)
	p.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceMQTT,
		Kind:      events.KindStatePublished,
		Data:      map[string]any{"entities": len(entityStates(snap))},
	})
}

func (p *Publisher) publish(ctx context.Context, cm *autopaho.ConnectionManager, topic, payload string, qos byte, retain bool) {
	if cm == nil {
		return
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: []byte(payload),
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

// entityStates maps a snapshot onto per-entity state payload strings.
func entityStates(snap *portal.Snapshot) map[string]string {
	return map[string]string{
		"water_consumption_today": strconv.FormatFloat(snap.WaterConsumptionTodayL, 'f', -1, 64),
		"regenerations_today":     strconv.Itoa(snap.RegenerationsToday),
		"hardness_in":             strconv.FormatFloat(snap.HardnessInDeg, 'f', -1, 64),
		"hardness_out":            strconv.FormatFloat(snap.HardnessOutDeg, 'f', -1, 64),
		"network_pressure":        strconv.FormatFloat(snap.NetworkPressureBar, 'f', -1, 64),
		"wifi_signal":             strconv.Itoa(snap.WiFiSignalDBm),
		"last_connection":         snap.LastConnectionAt.UTC().Format(time.RFC3339),
		"serial_number":           snap.SerialNumber,
		"install_date":            snap.InstallDate.Format("2006-01-02"),
		"salt_type":               string(snap.SaltType),
		"scheduled_regeneration":  snap.ScheduledRegenTime,
		"wifi_connected":          onOff(snap.WiFiConnected),
		"network_online":          onOff(snap.NetworkOnline),
		"reachable":               onOff(snap.Reachable),
		"power_outage":            onOff(snap.PowerOutageToday),
		"salt_alarm_low":          onOff(snap.SaltAlarmLow),
		"holiday_mode":            onOff(snap.HolidayModeActive),
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}
