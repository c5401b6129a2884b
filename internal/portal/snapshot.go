package portal

import "time"

// SaltType identifies the regeneration salt loaded in the softener.
type SaltType string

const (
	SaltTypeTablets SaltType = "tablets"
	SaltTypeGrains  SaltType = "grains"
)

// Snapshot is the unified, fully-populated state of the monitored
// softener for one polling cycle. It merges the live AJAX metrics and
// the scraped configuration page; a Snapshot is only ever produced
// complete, never partially filled.
type Snapshot struct {
	// Identity.
	SerialNumber string    `json:"serial_number"`
	InstallDate  time.Time `json:"install_date"`

	// Flow metrics for the current day.
	WaterConsumptionTodayL float64 `json:"water_consumption_today_l"`
	RegenerationsToday     int     `json:"regenerations_today"`

	// Water chemistry, French degrees (°f).
	HardnessInDeg  float64 `json:"hardness_in_deg"`
	HardnessOutDeg float64 `json:"hardness_out_deg"`

	// Network and system.
	NetworkPressureBar float64   `json:"network_pressure_bar"`
	WiFiSignalDBm      int       `json:"wifi_signal_dbm"`
	LastConnectionAt   time.Time `json:"last_connection_at"`

	// Configuration.
	HolidayModeActive  bool     `json:"holiday_mode_active"`
	SaltType           SaltType `json:"salt_type"`
	ScheduledRegenTime string   `json:"scheduled_regeneration_time"` // "HH:MM"

	// Status flags.
	WiFiConnected    bool `json:"wifi_connected"`
	NetworkOnline    bool `json:"network_online"`
	Reachable        bool `json:"reachable"`
	PowerOutageToday bool `json:"power_outage_today"`
	SaltAlarmLow     bool `json:"salt_alarm_low"`

	FetchedAt time.Time `json:"fetched_at"`
}
