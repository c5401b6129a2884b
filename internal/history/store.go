// Package history keeps a local record of successful polling cycles
// so the status API can serve recent readings even while the vendor
// portal is down. One row per snapshot; session state is never
// persisted here.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/softwatch/internal/portal"
)

// Store is a snapshot history backed by SQLite. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a history store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id                        INTEGER PRIMARY KEY AUTOINCREMENT,
		fetched_at                TEXT NOT NULL,
		serial_number             TEXT NOT NULL,
		install_date              TEXT NOT NULL,
		water_consumption_today_l REAL NOT NULL,
		regenerations_today       INTEGER NOT NULL,
		hardness_in_deg           REAL NOT NULL,
		hardness_out_deg          REAL NOT NULL,
		network_pressure_bar      REAL NOT NULL,
		wifi_signal_dbm           INTEGER NOT NULL,
		last_connection_at        TEXT NOT NULL,
		holiday_mode_active       INTEGER NOT NULL,
		salt_type                 TEXT NOT NULL,
		scheduled_regen_time      TEXT NOT NULL,
		wifi_connected            INTEGER NOT NULL,
		network_online            INTEGER NOT NULL,
		reachable                 INTEGER NOT NULL,
		power_outage_today        INTEGER NOT NULL,
		salt_alarm_low            INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_fetched_at ON snapshots (fetched_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends a snapshot to the history.
func (s *Store) Record(snap *portal.Snapshot) error {
	_, err := s.db.Exec(
		`INSERT INTO snapshots (
			fetched_at, serial_number, install_date,
			water_consumption_today_l, regenerations_today,
			hardness_in_deg, hardness_out_deg, network_pressure_bar,
			wifi_signal_dbm, last_connection_at, holiday_mode_active,
			salt_type, scheduled_regen_time, wifi_connected,
			network_online, reachable, power_outage_today, salt_alarm_low
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.FetchedAt.UTC().Format(time.RFC3339),
		snap.SerialNumber,
		snap.InstallDate.UTC().Format("2006-01-02"),
		snap.WaterConsumptionTodayL,
		snap.RegenerationsToday,
		snap.HardnessInDeg,
		snap.HardnessOutDeg,
		snap.NetworkPressureBar,
		snap.WiFiSignalDBm,
		snap.LastConnectionAt.UTC().Format(time.RFC3339),
		boolInt(snap.HolidayModeActive),
		string(snap.SaltType),
		snap.ScheduledRegenTime,
		boolInt(snap.WiFiConnected),
		boolInt(snap.NetworkOnline),
		boolInt(snap.Reachable),
		boolInt(snap.PowerOutageToday),
		boolInt(snap.SaltAlarmLow),
	)
	if err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	return nil
}

// Recent returns up to limit snapshots, newest first.
func (s *Store) Recent(limit int) ([]portal.Snapshot, error) {
	if limit <= 0 {
		limit = 24
	}
	rows, err := s.db.Query(
		`SELECT fetched_at, serial_number, install_date,
			water_consumption_today_l, regenerations_today,
			hardness_in_deg, hardness_out_deg, network_pressure_bar,
			wifi_signal_dbm, last_connection_at, holiday_mode_active,
			salt_type, scheduled_regen_time, wifi_connected,
			network_online, reachable, power_outage_today, salt_alarm_low
		 FROM snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()

	var out []portal.Snapshot
	for rows.Next() {
		var (
			snap                             portal.Snapshot
			fetchedAt, installDate, lastConn string
			holiday, wifi, online, reach     int
			outage, saltAlarm                int
			saltType                         string
		)
		if err := rows.Scan(
			&fetchedAt, &snap.SerialNumber, &installDate,
			&snap.WaterConsumptionTodayL, &snap.RegenerationsToday,
			&snap.HardnessInDeg, &snap.HardnessOutDeg, &snap.NetworkPressureBar,
			&snap.WiFiSignalDBm, &lastConn, &holiday,
			&saltType, &snap.ScheduledRegenTime, &wifi,
			&online, &reach, &outage, &saltAlarm,
		); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		if snap.FetchedAt, err = time.Parse(time.RFC3339, fetchedAt); err != nil {
			return nil, fmt.Errorf("parse fetched_at %q: %w", fetchedAt, err)
		}
		if snap.InstallDate, err = time.Parse("2006-01-02", installDate); err != nil {
			return nil, fmt.Errorf("parse install_date %q: %w", installDate, err)
		}
		if snap.LastConnectionAt, err = time.Parse(time.RFC3339, lastConn); err != nil {
			return nil, fmt.Errorf("parse last_connection_at %q: %w", lastConn, err)
		}
		snap.SaltType = portal.SaltType(saltType)
		snap.HolidayModeActive = holiday != 0
		snap.WiFiConnected = wifi != 0
		snap.NetworkOnline = online != 0
		snap.Reachable = reach != 0
		snap.PowerOutageToday = outage != 0
		snap.SaltAlarmLow = saltAlarm != 0
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Prune deletes snapshots older than the retention window. Returns
// the number of rows removed.
func (s *Store) Prune(keep time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-keep).Format(time.RFC3339)
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of stored snapshots.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
