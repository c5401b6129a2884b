package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Column codes used by the AJAX deviceDataHistory table.
const (
	codeRegenCount  = "regenCount"
	codePowerOutage = "powerOutage"
	codeWaterUse    = "waterUse"
	codeSaltAlarm   = "saltAlarm"
)

// French-language labels the device page renders next to each
// configuration value. One locator per label; when the portal's
// markup drifts, the broken locator names itself in the ParseError.
const (
	labelSerial      = "N° série"
	labelInstallDate = "Mise en service le"
	labelHardnessIn  = "Dureté entrée"
	labelHardnessOut = "Dureté sortie"
	labelPressure    = "Pression réseau"
	labelWiFiSignal  = "Signal WiFi"
	labelHolidayMode = "Mode vacances"
	labelSaltType    = "Type de sel"
	labelRegenTime   = "Heure de régénération"
)

// ParseSnapshot merges the raw AJAX payload and the raw device page
// into one fully-populated Snapshot. Pure and deterministic: the
// current day used for history lookup derives from fetchedAt, never
// the wall clock. Returns a ParseError naming the first field that
// cannot be recovered; no field is ever silently defaulted.
func ParseSnapshot(ajax, page []byte, fetchedAt time.Time) (*Snapshot, error) {
	snap := &Snapshot{FetchedAt: fetchedAt}
	if err := parseLiveMetrics(ajax, snap, fetchedAt.UTC().Format("2006-01-02")); err != nil {
		return nil, err
	}
	if err := parseConfigurationPage(page, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

type ajaxDataset struct {
	Connectable       bool   `json:"connectable"`
	Connected         bool   `json:"connected"`
	Online            bool   `json:"online"`
	LastSeenDateTime  string `json:"lastSeenDateTime"`
	DeviceDataHistory struct {
		Codes []string `json:"codes"`
		Lines [][]any  `json:"lines"`
	} `json:"deviceDataHistory"`
}

func parseLiveMetrics(ajax []byte, snap *Snapshot, today string) error {
	var envelope struct {
		Dataset json.RawMessage `json:"dataset"`
	}
	if err := json.Unmarshal(ajax, &envelope); err != nil {
		return &ParseError{Field: "dataset", Msg: "response is not JSON: " + err.Error()}
	}
	raw := bytes.TrimSpace(envelope.Dataset)
	if len(raw) == 0 || string(raw) == "null" {
		return &ParseError{Field: "dataset", Msg: "missing from response"}
	}

	// The portal serves dataset as an object or a one-element array.
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil {
			return &ParseError{Field: "dataset", Msg: "array unparseable: " + err.Error()}
		}
		if len(list) == 0 {
			return &ParseError{Field: "dataset", Msg: "array is empty"}
		}
		raw = list[0]
	}

	var ds ajaxDataset
	if err := json.Unmarshal(raw, &ds); err != nil {
		return &ParseError{Field: "dataset", Msg: "object unparseable: " + err.Error()}
	}

	snap.Reachable = ds.Connectable
	snap.WiFiConnected = ds.Connected
	snap.NetworkOnline = ds.Online

	if ds.LastSeenDateTime == "" {
		return &ParseError{Field: "last_connection_at", Msg: "lastSeenDateTime missing"}
	}
	ts, err := parsePortalTime(ds.LastSeenDateTime)
	if err != nil {
		return &ParseError{Field: "last_connection_at", Msg: err.Error()}
	}
	snap.LastConnectionAt = ts

	if len(ds.DeviceDataHistory.Codes) == 0 {
		return &ParseError{Field: "device_data_history", Msg: "codes missing"}
	}

	row := todayRow(ds.DeviceDataHistory.Lines, today)
	if row == nil {
		// No row until the day's first activity; zero counters are the
		// correct reading, not a substituted default.
		return nil
	}

	for i, code := range ds.DeviceDataHistory.Codes {
		if i >= len(row) {
			break
		}
		switch code {
		case codeRegenCount:
			n, err := asInt(row[i])
			if err != nil {
				return &ParseError{Field: "regenerations_today", Msg: err.Error()}
			}
			snap.RegenerationsToday = n
		case codePowerOutage:
			n, err := asInt(row[i])
			if err != nil {
				return &ParseError{Field: "power_outage_today", Msg: err.Error()}
			}
			snap.PowerOutageToday = n > 0
		case codeWaterUse:
			v, err := asFloat(row[i])
			if err != nil {
				return &ParseError{Field: "water_consumption_today_l", Msg: err.Error()}
			}
			snap.WaterConsumptionTodayL = v
		case codeSaltAlarm:
			n, err := asInt(row[i])
			if err != nil {
				return &ParseError{Field: "salt_alarm_low", Msg: err.Error()}
			}
			snap.SaltAlarmLow = n > 0
		}
	}
	return nil
}

// todayRow returns the history line whose date column matches today,
// or nil when the portal has not written one yet.
func todayRow(lines [][]any, today string) []any {
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		if first, ok := line[0].(string); ok && strings.HasPrefix(first, today) {
			return line
		}
	}
	return nil
}

func parseConfigurationPage(page []byte, snap *Snapshot) error {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return &ParseError{Field: "configuration_page", Msg: "markup unparseable: " + err.Error()}
	}

	if snap.SerialNumber, err = locateSerialNumber(doc); err != nil {
		return err
	}
	if snap.InstallDate, err = locateInstallDate(doc); err != nil {
		return err
	}
	if snap.HardnessInDeg, err = locateNumber(doc, labelHardnessIn, "hardness_in_deg"); err != nil {
		return err
	}
	if snap.HardnessOutDeg, err = locateNumber(doc, labelHardnessOut, "hardness_out_deg"); err != nil {
		return err
	}
	if snap.NetworkPressureBar, err = locateNumber(doc, labelPressure, "network_pressure_bar"); err != nil {
		return err
	}
	if snap.WiFiSignalDBm, err = locateWiFiSignal(doc); err != nil {
		return err
	}
	if snap.HolidayModeActive, err = locateHolidayMode(doc); err != nil {
		return err
	}
	if snap.SaltType, err = locateSaltType(doc); err != nil {
		return err
	}
	if snap.ScheduledRegenTime, err = locateRegenTime(doc); err != nil {
		return err
	}
	return nil
}

func locateSerialNumber(doc *html.Node) (string, error) {
	v, ok := labeledValue(doc, labelSerial)
	if !ok {
		return "", missingMarker("serial_number", labelSerial)
	}
	return firstField(v), nil
}

// locateInstallDate parses the portal's DD-MM-YYYY commissioning date.
func locateInstallDate(doc *html.Node) (time.Time, error) {
	v, ok := labeledValue(doc, labelInstallDate)
	if !ok {
		return time.Time{}, missingMarker("install_date", labelInstallDate)
	}
	t, err := time.Parse("02-01-2006", firstField(v))
	if err != nil {
		return time.Time{}, &ParseError{Field: "install_date", Msg: fmt.Sprintf("unparseable date %q", firstField(v))}
	}
	return t, nil
}

func locateNumber(doc *html.Node, label, field string) (float64, error) {
	v, ok := labeledValue(doc, label)
	if !ok {
		return 0, missingMarker(field, label)
	}
	f, err := parseLocaleFloat(v)
	if err != nil {
		return 0, &ParseError{Field: field, Msg: err.Error()}
	}
	return f, nil
}

func locateWiFiSignal(doc *html.Node) (int, error) {
	v, ok := labeledValue(doc, labelWiFiSignal)
	if !ok {
		return 0, missingMarker("wifi_signal_dbm", labelWiFiSignal)
	}
	f, err := parseLocaleFloat(v)
	if err != nil {
		return 0, &ParseError{Field: "wifi_signal_dbm", Msg: err.Error()}
	}
	return int(f), nil
}

func locateHolidayMode(doc *html.Node) (bool, error) {
	v, ok := labeledValue(doc, labelHolidayMode)
	if !ok {
		return false, missingMarker("holiday_mode_active", labelHolidayMode)
	}
	switch strings.ToLower(firstField(v)) {
	case "activé":
		return true, nil
	case "désactivé":
		return false, nil
	default:
		return false, &ParseError{Field: "holiday_mode_active", Msg: fmt.Sprintf("unrecognized state %q", firstField(v))}
	}
}

func locateSaltType(doc *html.Node) (SaltType, error) {
	v, ok := labeledValue(doc, labelSaltType)
	if !ok {
		return "", missingMarker("salt_type", labelSaltType)
	}
	switch strings.ToLower(firstField(v)) {
	case "pastilles":
		return SaltTypeTablets, nil
	case "grains":
		return SaltTypeGrains, nil
	default:
		return "", &ParseError{Field: "salt_type", Msg: fmt.Sprintf("unrecognized salt type %q", firstField(v))}
	}
}

func locateRegenTime(doc *html.Node) (string, error) {
	v, ok := labeledValue(doc, labelRegenTime)
	if !ok {
		return "", missingMarker("scheduled_regeneration_time", labelRegenTime)
	}
	t, err := time.Parse("15:04", firstField(v))
	if err != nil {
		return "", &ParseError{Field: "scheduled_regeneration_time", Msg: fmt.Sprintf("unparseable time %q", firstField(v))}
	}
	return t.Format("15:04"), nil
}

func missingMarker(field, label string) *ParseError {
	return &ParseError{Field: field, Msg: fmt.Sprintf("marker %q not found on page", label)}
}

// labeledValue locates the innermost element whose visible text
// contains label and returns the adjacent value: the remainder of
// that element's own text after the label, or failing that the text
// of the next non-empty sibling. A DOM walk rather than string
// offsets, so attribute order, extra wrappers, and whitespace
// (including NBSP) do not matter.
func labeledValue(doc *html.Node, label string) (string, bool) {
	var value string
	var found bool
	var walk func(n *html.Node) bool
	walk = func(n *html.Node) bool {
		if skippedElement(n) {
			return false
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		if n.Type != html.ElementNode {
			return false
		}
		text := normalizeSpace(textContent(n))
		idx := strings.Index(text, label)
		if idx < 0 {
			return false
		}
		if rest := trimValue(text[idx+len(label):]); rest != "" {
			value, found = rest, true
			return true
		}
		for sib := n.NextSibling; sib != nil; sib = sib.NextSibling {
			if v := trimValue(normalizeSpace(textContent(sib))); v != "" {
				value, found = v, true
				return true
			}
		}
		return false
	}
	walk(doc)
	return value, found
}

func skippedElement(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	switch n.DataAtom {
	case atom.Script, atom.Style, atom.Noscript, atom.Head:
		return true
	}
	return false
}

// textContent concatenates the visible text of n and its descendants.
func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	if skippedElement(n) {
		return ""
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(textContent(c))
		b.WriteString(" ")
	}
	return b.String()
}

// normalizeSpace collapses whitespace runs, folding the NBSP and
// narrow NBSP the portal places before units and colons.
func normalizeSpace(s string) string {
	s = strings.NewReplacer(" ", " ", " ", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// trimValue strips the label/value separator and surrounding space.
func trimValue(s string) string {
	return strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(s), ":"))
}

func firstField(s string) string {
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

func asFloat(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case string:
		return parseLocaleFloat(t)
	case nil:
		return 0, fmt.Errorf("value is null")
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}

func asInt(v any) (int, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// parseLocaleFloat parses a decimal that may use a locale comma
// ("123,4") and may carry a trailing unit ("3,2 bar", "25°f").
func parseLocaleFloat(s string) (float64, error) {
	s = strings.TrimSpace(normalizeSpace(s))
	num := leadingNumber(s)
	if num == "" {
		return 0, fmt.Errorf("no numeric value in %q", s)
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable number %q", num)
	}
	return f, nil
}

// leadingNumber returns the numeric prefix of s, accepting a leading
// minus and either decimal separator.
func leadingNumber(s string) string {
	i := 0
	if i < len(s) && s[i] == '-' {
		i++
	}
	start := i
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == ',' || s[i] == '.') {
		i++
	}
	if i == start {
		return ""
	}
	return s[:i]
}

// parsePortalTime accepts the portal's timestamp shapes: RFC 3339
// with a zone or trailing Z, or a naive timestamp taken as UTC.
func parsePortalTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
