package mqtt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/softwatch/internal/config"
	"github.com/nugget/softwatch/internal/poll"
	"github.com/nugget/softwatch/internal/portal"
)

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("instance-abc", "softener", "08K8-FJKL")
	if info.Name != "softener" {
		t.Errorf("Name = %q, want softener", info.Name)
	}
	if len(info.Identifiers) != 2 || info.Identifiers[0] != "instance-abc" || info.Identifiers[1] != "08K8-FJKL" {
		t.Errorf("Identifiers = %v, want [instance-abc 08K8-FJKL]", info.Identifiers)
	}
	if info.Manufacturer != "BWT" {
		t.Errorf("Manufacturer = %q, want BWT", info.Manufacturer)
	}

	// Serial unknown before the first successful cycle.
	early := NewDeviceInfo("instance-abc", "softener", "")
	if len(early.Identifiers) != 1 {
		t.Errorf("Identifiers = %v, want just the instance ID", early.Identifiers)
	}
}

type staticSource struct {
	snap *portal.Snapshot
	st   poll.Status
}

func (s *staticSource) Latest() (*portal.Snapshot, poll.Status) { return s.snap, s.st }

func testPublisher() *Publisher {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "softener",
		DiscoveryPrefix: "homeassistant",
	}
	return New(cfg, "instance-123", &staticSource{}, nil, nil)
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "softwatch/softener"},
		{"availabilityTopic", p.availabilityTopic(), "softwatch/softener/availability"},
		{"stateTopic", p.stateTopic("hardness_in"), "softwatch/softener/hardness_in/state"},
		{"discoveryTopic sensor", p.discoveryTopic("sensor", "hardness_in"), "homeassistant/sensor/softener/hardness_in/config"},
		{"discoveryTopic binary_sensor", p.discoveryTopic("binary_sensor", "salt_alarm_low"), "homeassistant/binary_sensor/softener/salt_alarm_low/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	p := testPublisher()
	device := NewDeviceInfo("instance-123", "softener", "08K8-FJKL")

	defs := p.sensorDefinitions(device)
	wantEntities := []string{
		"water_consumption_today", "regenerations_today",
		"hardness_in", "hardness_out", "network_pressure",
		"wifi_signal", "last_connection", "serial_number",
		"install_date", "salt_type", "scheduled_regeneration",
	}
	if len(defs) != len(wantEntities) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(wantEntities))
	}

	entitySet := make(map[string]bool)
	for _, d := range defs {
		entitySet[d.entitySuffix] = true

		if d.config.AvailabilityTopic != "softwatch/softener/availability" {
			t.Errorf("sensor %s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("sensor %s: UniqueID = %q, should start with instance-123_", d.entitySuffix, d.config.UniqueID)
		}
		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("sensor %s: Device.Identifiers is empty", d.entitySuffix)
		}
	}
	for _, e := range wantEntities {
		if !entitySet[e] {
			t.Errorf("missing sensor definition for %q", e)
		}
	}
}

func TestPublisher_BinarySensorDefinitions(t *testing.T) {
	p := testPublisher()
	device := NewDeviceInfo("instance-123", "softener", "")

	defs := p.binarySensorDefinitions(device)
	wantClasses := map[string]string{
		"wifi_connected": "connectivity",
		"network_online": "connectivity",
		"reachable":      "connectivity",
		"power_outage":   "problem",
		"salt_alarm_low": "problem",
		"holiday_mode":   "",
	}
	if len(defs) != len(wantClasses) {
		t.Fatalf("got %d binary sensor definitions, want %d", len(defs), len(wantClasses))
	}
	for _, d := range defs {
		want, ok := wantClasses[d.entitySuffix]
		if !ok {
			t.Errorf("unexpected binary sensor %q", d.entitySuffix)
			continue
		}
		if d.config.DeviceClass != want {
			t.Errorf("binary sensor %s: DeviceClass = %q, want %q", d.entitySuffix, d.config.DeviceClass, want)
		}
	}
}

func TestPublisher_ConnectionManagerConcurrentAccess(t *testing.T) {
	p := testPublisher()

	// The broker callback and the event loop may touch the stored
	// connection while Start is still assigning it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			p.setCM(nil)
		}
	}()
	for i := 0; i < 1000; i++ {
		p.connection()
	}
	<-done
}

func TestPublisher_PublishBeforeConnect(t *testing.T) {
	p := testPublisher()
	ctx := t.Context()

	// All publish paths must tolerate a nil connection manager.
	p.publishStates(ctx, nil)
	p.publishAvailability(ctx, nil)
	if err := p.Stop(ctx); err != nil {
		t.Errorf("Stop() before connect error = %v", err)
	}
}

func TestEntityStates(t *testing.T) {
	snap := &portal.Snapshot{
		SerialNumber:           "08K8-FJKL",
		InstallDate:            time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC),
		WaterConsumptionTodayL: 123.4,
		RegenerationsToday:     2,
		HardnessInDeg:          25,
		HardnessOutDeg:         8,
		NetworkPressureBar:     3.2,
		WiFiSignalDBm:          -62,
		LastConnectionAt:       time.Date(2026, 3, 14, 7, 55, 0, 0, time.UTC),
		SaltType:               portal.SaltTypeTablets,
		ScheduledRegenTime:     "02:30",
		WiFiConnected:          true,
		SaltAlarmLow:           true,
	}

	states := entityStates(snap)
	want := map[string]string{
		"water_consumption_today": "123.4",
		"regenerations_today":     "2",
		"hardness_in":             "25",
		"hardness_out":            "8",
		"network_pressure":        "3.2",
		"wifi_signal":             "-62",
		"last_connection":         "2026-03-14T07:55:00Z",
		"serial_number":           "08K8-FJKL",
		"install_date":            "2024-06-04",
		"salt_type":               "tablets",
		"scheduled_regeneration":  "02:30",
		"wifi_connected":          "ON",
		"network_online":          "OFF",
		"salt_alarm_low":          "ON",
		"holiday_mode":            "OFF",
	}
	for entity, wantVal := range want {
		if got, ok := states[entity]; !ok {
			t.Errorf("missing state for %q", entity)
		} else if got != wantVal {
			t.Errorf("state %q = %q, want %q", entity, got, wantVal)
		}
	}
}
