package omada

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// Band identifies a radio band on an access point.
type Band string

const (
	Band2G Band = "2g"
	Band5G Band = "5g"
	Band6G Band = "6g"
)

// Bands lists every band in display order.
var Bands = []Band{Band2G, Band5G, Band6G}

// Label is the human-readable band name.
func (b Band) Label() string {
	switch b {
	case Band2G:
		return "2.4GHz"
	case Band5G:
		return "5GHz"
	case Band6G:
		return "6GHz"
	}
	return string(b)
}

// ParseBand accepts "2g", "5g", "6g" and the 2/5/6 shorthands.
func ParseBand(s string) (Band, error) {
	switch s {
	case "2g", "2", "2.4", "2.4ghz", "2ghz":
		return Band2G, nil
	case "5g", "5", "5ghz":
		return Band5G, nil
	case "6g", "6", "6ghz":
		return Band6G, nil
	}
	return "", fmt.Errorf("unknown radio band %q", s)
}

func (b Band) statsKey() string   { return "wp" + string(b) }
func (b Band) settingKey() string { return "radioSetting" + string(b) }

// Device status categories, derived from statusCategory or status/10.
const (
	StatusDisconnected    = 0
	StatusConnected       = 1
	StatusPending         = 2
	StatusHeartbeatMissed = 3
	StatusIsolated        = 4
)

var statusCategoryNames = []string{"disconnected", "connected", "pending", "heartbeat_missed", "isolated"}

// statusUpgrading is the raw status while firmware is being installed.
const statusUpgrading = 12

// RadioStats is the per-band state of an access point radio.
type RadioStats struct {
	Mode        string
	Bandwidth   string
	TxPower     int64
	HasTxPower  bool
	TxUtil      int64
	RxUtil      int64
	InterUtil   int64
	HasUtilData bool
}

// SSIDOverride is one per-device SSID setting from the device details.
type SSIDOverride struct {
	SSID    string
	Enabled bool
}

// Device is a managed network device: access point, switch or gateway.
type Device struct{ Record }

func (d Device) Type() string      { return d.String("type") }
func (d Device) MAC() string       { return d.String("mac") }
func (d Device) Name() string      { return d.String("name") }
func (d Device) Model() string     { return d.String("compoundModel") }
func (d Device) Firmware() string  { return d.String("firmwareVersion") }
func (d Device) NeedUpgrade() bool { return d.Bool("needUpgrade") }
func (d Device) Status() int64     { return d.Int("status", 0) }
func (d Device) Uptime() int64     { return d.Int("uptimeLong", 0) }
func (d Device) CPU() int64        { return d.Int("cpuUtil", 0) }
func (d Device) Memory() int64     { return d.Int("memUtil", 0) }
func (d Device) Mesh() bool        { return d.Bool("wirelessLinked") }
func (d Device) Uplink() string    { return d.String("uplink") }
func (d Device) IP() string        { return d.String("ip") }
func (d Device) Clients() int64    { return d.Int("clientNum", 0) }
func (d Device) Clients2G() int64  { return d.Int("clientNum2g", 0) }
func (d Device) Clients5G() int64  { return d.Int("clientNum5g", 0) }
func (d Device) Clients6G() int64  { return d.Int("clientNum6g", 0) }
func (d Device) Guests() int64     { return d.Int("guestNum", 0) }
func (d Device) Users() int64      { return d.Int("userNum", 0) }
func (d Device) Upload() int64     { return d.Int("upload", 0) }
func (d Device) Download() int64   { return d.Int("download", 0) }
func (d Device) TxRate() int64     { return d.Int("txRate", 0) }
func (d Device) RxRate() int64     { return d.Int("rxRate", 0) }

// LatestFirmware is the available release, present in the details of
// devices that need an upgrade.
func (d Device) LatestFirmware() string { return d.String("lastFwVer") }

// ReleaseNotes is the changelog of LatestFirmware.
func (d Device) ReleaseNotes() string { return d.String("fwReleaseLog") }

// IsAccessPoint reports whether the device has radios.
func (d Device) IsAccessPoint() bool { return d.Type() == "ap" }

// Supports reports whether the device has a radio for band.
func (d Device) Supports(b Band) bool {
	misc, ok := d.Object("deviceMisc")
	switch b {
	case Band2G:
		return d.IsAccessPoint()
	case Band5G:
		return ok && misc.Bool("support5g")
	case Band6G:
		return ok && misc.Bool("support6g")
	}
	return false
}

// StatusCategory is the reported statusCategory, or status/10 for
// controllers that do not report it.
func (d Device) StatusCategory() int64 {
	if c, ok := d.OptInt("statusCategory"); ok {
		return c
	}
	return d.Status() / 10
}

// StatusCategoryName names the status category.
func (d Device) StatusCategoryName() string {
	return lookupTable(statusCategoryNames, d.StatusCategory())
}

// Connected reports whether the device is adopted and online.
func (d Device) Connected() bool { return d.StatusCategory() == StatusConnected }

// Updating reports whether a firmware upgrade is in progress.
func (d Device) Updating() bool { return d.Status() == statusUpgrading }

// DisplayName prefers the configured name, then the MAC address.
func (d Device) DisplayName() string {
	if n := d.Name(); n != "" {
		return n
	}
	return d.MAC()
}

// Radio returns the per-band stats. ok is false when the device has no
// radio in that band.
func (d Device) Radio(b Band) (RadioStats, bool) {
	wp, ok := d.Object(b.statsKey())
	if !ok {
		return RadioStats{}, false
	}
	tx, hasTx := wp.OptInt("txPower")
	_, hasUtil := wp.OptInt("txUtil")
	return RadioStats{
		Mode:        wp.String("rdMode"),
		Bandwidth:   wp.String("bandWidth"),
		TxPower:     tx,
		HasTxPower:  hasTx,
		TxUtil:      wp.Int("txUtil", 0),
		RxUtil:      wp.Int("rxUtil", 0),
		InterUtil:   wp.Int("interUtil", 0),
		HasUtilData: hasUtil,
	}, true
}

// RadioEnabled reports the radio's enable setting from the device
// details. ok is false until details have been fetched.
func (d Device) RadioEnabled(b Band) (enabled, ok bool) {
	setting, ok := d.Object(b.settingKey())
	if !ok || !setting.Has("radioEnable") {
		return false, false
	}
	return setting.Bool("radioEnable"), true
}

// SSIDOverrides returns the per-device SSID settings from the details.
func (d Device) SSIDOverrides() []SSIDOverride {
	items := d.List("ssidOverrides")
	out := make([]SSIDOverride, 0, len(items))
	for _, item := range items {
		r := NewRecord(item, nil)
		out = append(out, SSIDOverride{
			SSID:    r.String("globalSsid"),
			Enabled: r.Bool("ssidEnable"),
		})
	}
	return out
}

// deviceDetails enriches access points with radio settings and SSID
// overrides, and devices with pending upgrades with the release.
var deviceDetails = DetailSpecs{
	{
		Path:    func(mac string) string { return "/eaps/" + url.PathEscape(mac) },
		Fields:  []string{"radioSetting2g", "radioSetting5g", "radioSetting6g", "ssidOverrides"},
		Applies: func(r Record) bool { return r.String("type") == "ap" },
	},
	{
		Path:    func(mac string) string { return "/devices/" + url.PathEscape(mac) + "/firmware" },
		Fields:  []string{"lastFwVer", "fwReleaseLog"},
		Applies: func(r Record) bool { return r.Bool("needUpgrade") },
	},
}

// Devices is the collection of managed devices.
type Devices struct {
	*Collection[Device]
	request RequestFunc
}

func newDevices(request RequestFunc, logger *slog.Logger) *Devices {
	return &Devices{
		Collection: NewCollection(CollectionConfig[Device]{
			Name:     "devices",
			Endpoint: "/devices",
			Key:      "mac",
			View:     func(r Record) Device { return Device{r} },
			Details:  deviceDetails,
			Request:  request,
			Logger:   logger,
		}),
		request: request,
	}
}

// SetRadioEnabled turns one access point radio on or off.
func (d *Devices) SetRadioEnabled(ctx context.Context, mac string, band Band, enabled bool) error {
	body := map[string]any{
		band.settingKey(): map[string]any{"radioEnable": enabled},
	}
	if _, err := d.request(ctx, http.MethodPatch, "/eaps/"+url.PathEscape(mac), nil, body); err != nil {
		return fmt.Errorf("set %s radio on %s: %w", band.Label(), mac, err)
	}
	return nil
}

// SetSSIDOverride enables or disables one SSID on one access point. It
// needs the device's current overrides from the details.
func (d *Devices) SetSSIDOverride(ctx context.Context, mac, ssid string, enabled bool) error {
	rec, ok := d.record(mac)
	if !ok {
		return fmt.Errorf("device %s: not found", mac)
	}
	current := rec.List("ssidOverrides")
	if current == nil {
		return fmt.Errorf("device %s: %w", mac, ErrDetailsUnavailable)
	}

	overrides := make([]map[string]any, 0, len(current))
	found := false
	for _, item := range current {
		next := make(map[string]any, len(item))
		for k, v := range item {
			next[k] = v
		}
		if NewRecord(item, nil).String("globalSsid") == ssid {
			next["ssidEnable"] = enabled
			found = true
		}
		overrides = append(overrides, next)
	}
	if !found {
		return fmt.Errorf("device %s SSID %q: %w", mac, ssid, ErrNoSuchOverride)
	}

	body := map[string]any{"ssidOverrides": overrides}
	if _, err := d.request(ctx, http.MethodPatch, "/eaps/"+url.PathEscape(mac), nil, body); err != nil {
		return fmt.Errorf("set SSID %q on %s: %w", ssid, mac, err)
	}
	return nil
}

// TriggerUpdate starts an online firmware upgrade.
func (d *Devices) TriggerUpdate(ctx context.Context, mac string) error {
	endpoint := "/cmd/devices/" + url.PathEscape(mac) + "/onlineUpgrade"
	if _, err := d.request(ctx, http.MethodGet, endpoint, nil, nil); err != nil {
		return fmt.Errorf("trigger upgrade on %s: %w", mac, err)
	}
	return nil
}
