package mqtt

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/nugget/omada-bridge/internal/config"
	"github.com/nugget/omada-bridge/internal/omada"
)

// HA component types.
const (
	componentTracker      = "device_tracker"
	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"
	componentSwitch       = "switch"
	componentButton       = "button"
	componentUpdate       = "update"
)

// Command and state payloads.
const (
	payloadOn      = "ON"
	payloadOff     = "OFF"
	payloadPress   = "PRESS"
	payloadInstall = "install"
	payloadHome    = "home"
	payloadNotHome = "not_home"
	payloadNone    = "None"
)

const (
	categoryDiagnostic = "diagnostic"
	categoryConfig     = "config"
)

// desc is the static part of an entity description.
type desc struct {
	key         string
	component   string
	name        string
	icon        string
	unit        string
	deviceClass string
	stateClass  string
	category    string

	// uptime marks sensors whose state is a number of seconds that the
	// bridge publishes as a boot timestamp.
	uptime bool
}

// clientView is everything the client entities read about one MAC.
type clientView struct {
	mac       string
	known     omada.KnownClient
	client    omada.Client
	online    bool // in the connected clients collection
	connected bool // online or within the disconnect timeout
}

func (v clientView) wireless() bool {
	if v.online {
		return v.client.Wireless()
	}
	return v.known.Wireless()
}

func (v clientView) name() string {
	if v.online {
		if n := v.client.DisplayName(); n != v.client.MAC() {
			return n
		}
	}
	if n := v.known.Name(); n != "" {
		return n
	}
	return formatMAC(v.mac)
}

type clientEntity struct {
	desc
	allowed   func(config.OptionsConfig) bool
	supported func(clientView) bool
	state     func(clientView) string
	attrs     func(clientView) map[string]any
	command   func(ctx context.Context, ctrl *omada.Controller, mac, payload string) error
}

type deviceEntity struct {
	desc
	allowed   func(config.OptionsConfig) bool
	supported func(omada.Device) bool
	state     func(omada.Device) string
	attrs     func(omada.Device) map[string]any
	command   func(ctx context.Context, ctrl *omada.Controller, mac, payload string) error
}

type controllerEntity struct {
	desc
	state   func(*omada.Controller) (string, bool)
	command func(ctx context.Context, ctrl *omada.Controller, payload string) error
}

func always[T any](T) bool { return true }

func trackClients(o config.OptionsConfig) bool { return o.TrackClients }
func trackDevices(o config.OptionsConfig) bool { return o.TrackDevices }

func clientBandwidth(o config.OptionsConfig) bool {
	return o.TrackClients && o.ClientBandwidthSensors
}

func deviceStats(o config.OptionsConfig) bool {
	return o.TrackDevices && o.DeviceStatisticsSensors
}

func deviceBandwidth(o config.OptionsConfig) bool {
	return o.TrackDevices && o.DeviceBandwidthSensors
}

func deviceClients(o config.OptionsConfig) bool {
	return o.TrackDevices && o.DeviceClientsSensors
}

func deviceRadios(o config.OptionsConfig) bool {
	return o.TrackDevices && o.DeviceRadioSensors
}

func deviceControls(o config.OptionsConfig) bool {
	return o.TrackDevices && o.DeviceControls
}

var clientEntities = []clientEntity{
	{
		desc:      desc{key: "client_tracker", component: componentTracker, icon: "mdi:devices"},
		allowed:   trackClients,
		supported: always[clientView],
		state:     func(v clientView) string { return onOff(v.connected, payloadHome, payloadNotHome) },
		attrs:     clientAttributes,
	},
	{
		desc:      desc{key: "downloaded", component: componentSensor, name: "Downloaded", unit: "MB", deviceClass: "data_size", stateClass: "total_increasing", category: categoryDiagnostic},
		allowed:   clientBandwidth,
		supported: always[clientView],
		state: func(v clientView) string {
			total := v.known.Download()
			if v.online {
				total += v.client.TrafficDown()
			}
			return megabytes(total)
		},
	},
	{
		desc:      desc{key: "uploaded", component: componentSensor, name: "Uploaded", unit: "MB", deviceClass: "data_size", stateClass: "total_increasing", category: categoryDiagnostic},
		allowed:   clientBandwidth,
		supported: always[clientView],
		state: func(v clientView) string {
			total := v.known.Upload()
			if v.online {
				total += v.client.TrafficUp()
			}
			return megabytes(total)
		},
	},
	{
		desc:      desc{key: "rx", component: componentSensor, name: "RX Activity", unit: "MB/s", deviceClass: "data_rate", stateClass: "measurement", category: categoryDiagnostic},
		allowed:   clientBandwidth,
		supported: clientView.wireless,
		state: func(v clientView) string {
			if !v.online {
				return "0"
			}
			return megabytes(v.client.RxRate())
		},
	},
	{
		desc:      desc{key: "tx", component: componentSensor, name: "TX Activity", unit: "MB/s", deviceClass: "data_rate", stateClass: "measurement", category: categoryDiagnostic},
		allowed:   clientBandwidth,
		supported: clientView.wireless,
		state: func(v clientView) string {
			if !v.online {
				return "0"
			}
			return megabytes(v.client.TxRate())
		},
	},
	{
		desc:      desc{key: "uptime", component: componentSensor, name: "Uptime", deviceClass: "timestamp", category: categoryDiagnostic, uptime: true},
		allowed:   func(o config.OptionsConfig) bool { return o.TrackClients && o.ClientUptimeSensor },
		supported: always[clientView],
		state: func(v clientView) string {
			if !v.online || v.client.Uptime() < 0 {
				return payloadNone
			}
			return strconv.FormatInt(v.client.Uptime(), 10)
		},
	},
	{
		desc:      desc{key: "block", component: componentSwitch, name: "Network Access", icon: "mdi:network", deviceClass: "switch", category: categoryConfig},
		allowed:   func(o config.OptionsConfig) bool { return o.TrackClients && o.ClientBlockSwitch },
		supported: always[clientView],
		state:     func(v clientView) string { return onOff(!v.known.Blocked(), payloadOn, payloadOff) },
		command: func(ctx context.Context, ctrl *omada.Controller, mac, payload string) error {
			on, err := parseSwitch(payload)
			if err != nil {
				return err
			}
			return ctrl.KnownClients.SetBlocked(ctx, mac, !on)
		},
	},
}

var deviceEntities = []deviceEntity{
	{
		desc:      desc{key: "device_tracker", component: componentTracker, icon: "mdi:access-point-network"},
		allowed:   trackDevices,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return onOff(d.Connected(), payloadHome, payloadNotHome) },
		attrs:     deviceAttributes,
	},
	{
		desc:      desc{key: "downloaded", component: componentSensor, name: "Downloaded", unit: "MB", deviceClass: "data_size", stateClass: "total_increasing", category: categoryDiagnostic},
		allowed:   deviceBandwidth,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return megabytes(d.Download()) },
	},
	{
		desc:      desc{key: "uploaded", component: componentSensor, name: "Uploaded", unit: "MB", deviceClass: "data_size", stateClass: "total_increasing", category: categoryDiagnostic},
		allowed:   deviceBandwidth,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return megabytes(d.Upload()) },
	},
	{
		desc:      desc{key: "rx", component: componentSensor, name: "RX Activity", unit: "MB/s", deviceClass: "data_rate", stateClass: "measurement", category: categoryDiagnostic},
		allowed:   deviceBandwidth,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return megabytes(d.RxRate()) },
	},
	{
		desc:      desc{key: "tx", component: componentSensor, name: "TX Activity", unit: "MB/s", deviceClass: "data_rate", stateClass: "measurement", category: categoryDiagnostic},
		allowed:   deviceBandwidth,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return megabytes(d.TxRate()) },
	},
	{
		desc:      desc{key: "cpu_usage", component: componentSensor, name: "CPU Usage", icon: "mdi:cpu-64-bit", unit: "%", stateClass: "measurement", category: categoryDiagnostic},
		allowed:   deviceStats,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return strconv.FormatInt(d.CPU(), 10) },
	},
	{
		desc:      desc{key: "memory_usage", component: componentSensor, name: "Memory Usage", icon: "mdi:memory", unit: "%", stateClass: "measurement", category: categoryDiagnostic},
		allowed:   deviceStats,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return strconv.FormatInt(d.Memory(), 10) },
	},
	{
		desc:      desc{key: "uptime", component: componentSensor, name: "Uptime", deviceClass: "timestamp", category: categoryDiagnostic, uptime: true},
		allowed:   deviceStats,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return strconv.FormatInt(d.Uptime(), 10) },
	},
	{
		desc:      desc{key: "clients", component: componentSensor, name: "Clients", icon: "mdi:account-multiple", unit: "clients", stateClass: "measurement"},
		allowed:   deviceClients,
		supported: always[omada.Device],
		state:     func(d omada.Device) string { return strconv.FormatInt(d.Clients(), 10) },
	},
	bandClients(omada.Band2G, omada.Device.Clients2G),
	bandClients(omada.Band5G, omada.Device.Clients5G),
	bandClients(omada.Band6G, omada.Device.Clients6G),
	{
		desc:      desc{key: "guests", component: componentSensor, name: "Guests", icon: "mdi:account-multiple", unit: "clients", stateClass: "measurement"},
		allowed:   deviceClients,
		supported: omada.Device.IsAccessPoint,
		state:     func(d omada.Device) string { return strconv.FormatInt(d.Guests(), 10) },
	},
	{
		desc:      desc{key: "users", component: componentSensor, name: "Users", icon: "mdi:account-multiple", unit: "clients", stateClass: "measurement"},
		allowed:   deviceClients,
		supported: omada.Device.IsAccessPoint,
		state:     func(d omada.Device) string { return strconv.FormatInt(d.Users(), 10) },
	},
	bandUtilization(omada.Band2G, "tx", "TX", func(r omada.RadioStats) int64 { return r.TxUtil }),
	bandUtilization(omada.Band5G, "tx", "TX", func(r omada.RadioStats) int64 { return r.TxUtil }),
	bandUtilization(omada.Band6G, "tx", "TX", func(r omada.RadioStats) int64 { return r.TxUtil }),
	bandUtilization(omada.Band2G, "rx", "RX", func(r omada.RadioStats) int64 { return r.RxUtil }),
	bandUtilization(omada.Band5G, "rx", "RX", func(r omada.RadioStats) int64 { return r.RxUtil }),
	bandUtilization(omada.Band6G, "rx", "RX", func(r omada.RadioStats) int64 { return r.RxUtil }),
	bandUtilization(omada.Band2G, "interference", "Interference", func(r omada.RadioStats) int64 { return r.InterUtil }),
	bandUtilization(omada.Band5G, "interference", "Interference", func(r omada.RadioStats) int64 { return r.InterUtil }),
	bandUtilization(omada.Band6G, "interference", "Interference", func(r omada.RadioStats) int64 { return r.InterUtil }),
	radioSwitch(omada.Band2G),
	radioSwitch(omada.Band5G),
	radioSwitch(omada.Band6G),
	{
		desc:      desc{key: "firmware", component: componentUpdate, name: "Firmware", deviceClass: "firmware", category: categoryConfig},
		allowed:   func(o config.OptionsConfig) bool { return o.TrackDevices && o.DeviceUpdate },
		supported: always[omada.Device],
		state:     firmwareState,
		command: func(ctx context.Context, ctrl *omada.Controller, mac, payload string) error {
			if payload != payloadInstall {
				return fmt.Errorf("unexpected update payload %q", payload)
			}
			return ctrl.Devices.TriggerUpdate(ctx, mac)
		},
	},
}

// bandKey renders a band for entity keys, e.g. "2ghz".
func bandKey(b omada.Band) string {
	return strings.TrimSuffix(string(b), "g") + "ghz"
}

func bandClients(b omada.Band, count func(omada.Device) int64) deviceEntity {
	return deviceEntity{
		desc:      desc{key: bandKey(b) + "_clients", component: componentSensor, name: b.Label() + " Clients", icon: "mdi:account-multiple", unit: "clients", stateClass: "measurement"},
		allowed:   deviceClients,
		supported: func(d omada.Device) bool { return d.Supports(b) },
		state:     func(d omada.Device) string { return strconv.FormatInt(count(d), 10) },
	}
}

func bandUtilization(b omada.Band, kind, label string, value func(omada.RadioStats) int64) deviceEntity {
	return deviceEntity{
		desc: desc{
			key:        bandKey(b) + "_" + kind + "_utilization",
			component:  componentSensor,
			name:       b.Label() + " " + label + " Utilization",
			icon:       "mdi:signal",
			unit:       "%",
			stateClass: "measurement",
			category:   categoryDiagnostic,
		},
		allowed: deviceRadios,
		supported: func(d omada.Device) bool {
			r, ok := d.Radio(b)
			return ok && r.HasUtilData && d.Supports(b)
		},
		state: func(d omada.Device) string {
			r, _ := d.Radio(b)
			return strconv.FormatInt(value(r), 10)
		},
	}
}

func radioSwitch(b omada.Band) deviceEntity {
	return deviceEntity{
		desc:    desc{key: "radio_" + bandKey(b), component: componentSwitch, name: b.Label() + " Radio", icon: "mdi:wifi", deviceClass: "switch", category: categoryConfig},
		allowed: deviceControls,
		supported: func(d omada.Device) bool {
			_, ok := d.RadioEnabled(b)
			return d.Supports(b) && ok
		},
		state: func(d omada.Device) string {
			on, _ := d.RadioEnabled(b)
			return onOff(on, payloadOn, payloadOff)
		},
		command: func(ctx context.Context, ctrl *omada.Controller, mac, payload string) error {
			on, err := parseSwitch(payload)
			if err != nil {
				return err
			}
			return ctrl.Devices.SetRadioEnabled(ctx, mac, b, on)
		},
	}
}

// ssidSwitches builds one switch per SSID override of an access point.
// They are generated per device because the SSID set is per site.
func ssidSwitches(d omada.Device) []deviceEntity {
	var out []deviceEntity
	for _, o := range d.SSIDOverrides() {
		if o.SSID == "" {
			continue
		}
		ssid := o.SSID
		out = append(out, deviceEntity{
			desc:      desc{key: "ssid_" + slug(ssid), component: componentSwitch, name: "SSID " + ssid, icon: "mdi:wifi-settings", deviceClass: "switch", category: categoryConfig},
			allowed:   deviceControls,
			supported: omada.Device.IsAccessPoint,
			state: func(d omada.Device) string {
				for _, cur := range d.SSIDOverrides() {
					if cur.SSID == ssid {
						return onOff(cur.Enabled, payloadOn, payloadOff)
					}
				}
				return payloadNone
			},
			command: func(ctx context.Context, ctrl *omada.Controller, mac, payload string) error {
				on, err := parseSwitch(payload)
				if err != nil {
					return err
				}
				return ctrl.Devices.SetSSIDOverride(ctx, mac, ssid, on)
			},
		})
	}
	return out
}

var controllerEntities = []controllerEntity{
	{
		desc: desc{key: "rf_planning_start", component: componentButton, name: "Start WLAN Optimization", icon: "mdi:chart-box", category: categoryConfig},
		command: func(ctx context.Context, ctrl *omada.Controller, payload string) error {
			if payload != payloadPress {
				return fmt.Errorf("unexpected button payload %q", payload)
			}
			return ctrl.StartRFPlanning(ctx)
		},
	},
	{
		desc: desc{key: "rf_planning_running", component: componentBinarySensor, name: "WLAN Optimization Running", icon: "mdi:chart-box", deviceClass: "running", category: categoryDiagnostic},
		state: func(ctrl *omada.Controller) (string, bool) {
			rf, ok := ctrl.RFPlanning()
			if !ok {
				return "", false
			}
			return onOff(rf.Running(), payloadOn, payloadOff), true
		},
	},
	overviewSensor("site_clients", "Clients", "mdi:account-multiple", "clients", omada.Overview.ClientsTotal),
	overviewSensor("site_wireless_clients", "Wireless Clients", "mdi:wifi", "clients", omada.Overview.ClientsWireless),
	overviewSensor("site_wired_clients", "Wired Clients", "mdi:ethernet", "clients", omada.Overview.ClientsWired),
	overviewSensor("site_guests", "Guests", "mdi:account-multiple-outline", "clients", omada.Overview.Guests),
	overviewSensor("site_aps_connected", "Access Points Connected", "mdi:access-point", "", omada.Overview.APsConnected),
	{
		desc: desc{key: "site_power", component: componentSensor, name: "PoE Power", unit: "W", deviceClass: "power", stateClass: "measurement"},
		state: func(ctrl *omada.Controller) (string, bool) {
			ov, ok := ctrl.Overview()
			if !ok {
				return "", false
			}
			return strconv.FormatFloat(ov.PowerConsumption(), 'f', -1, 64), true
		},
	},
}

func overviewSensor(key, name, icon, unit string, value func(omada.Overview) int64) controllerEntity {
	return controllerEntity{
		desc: desc{key: key, component: componentSensor, name: name, icon: icon, unit: unit, stateClass: "measurement"},
		state: func(ctrl *omada.Controller) (string, bool) {
			ov, ok := ctrl.Overview()
			if !ok {
				return "", false
			}
			return strconv.FormatInt(value(ov), 10), true
		},
	}
}

// releaseSummaryLimit is HA's cap on update release summaries.
const releaseSummaryLimit = 255

func firmwareState(d omada.Device) string {
	latest := d.Firmware()
	if d.NeedUpgrade() && d.LatestFirmware() != "" {
		latest = d.LatestFirmware()
	}
	state := map[string]any{
		"installed_version": d.Firmware(),
		"latest_version":    latest,
		"in_progress":       d.Updating(),
	}
	if notes := d.ReleaseNotes(); notes != "" && d.NeedUpgrade() {
		if len(notes) > releaseSummaryLimit {
			notes = notes[:releaseSummaryLimit]
		}
		state["release_summary"] = notes
	}
	return mustJSON(state)
}

func clientAttributes(v clientView) map[string]any {
	attrs := map[string]any{"mac": formatMAC(v.mac)}
	switch {
	case v.online && v.client.Wireless():
		putString(attrs, "ip", v.client.IP())
		putString(attrs, "hostname", v.client.Hostname())
		putString(attrs, "ssid", v.client.SSID())
		putString(attrs, "ap_name", v.client.APName())
		if mac := v.client.APMAC(); mac != "" {
			attrs["ap_mac"] = formatMAC(mac)
		}
		putString(attrs, "wifi_mode", v.client.WifiMode())
		putString(attrs, "radio", v.client.Radio())
		if ch, ok := v.client.Channel(); ok {
			attrs["channel"] = ch
		}
		if rssi, ok := v.client.RSSI(); ok {
			attrs["rssi"] = rssi
		}
		putInt(attrs, "signal_level", v.client.SignalLevel())
		attrs["power_save"] = v.client.PowerSave()
	case v.online:
		putString(attrs, "ip", v.client.IP())
		putString(attrs, "hostname", v.client.Hostname())
	default:
		putString(attrs, "name", v.known.Name())
		putInt(attrs, "last_seen", v.known.LastSeen())
	}
	attrs["guest"] = v.known.Guest()
	return attrs
}

func deviceAttributes(d omada.Device) map[string]any {
	attrs := map[string]any{
		"mac":          formatMAC(d.MAC()),
		"type":         d.Type(),
		"status":       d.StatusCategoryName(),
		"need_upgrade": d.NeedUpgrade(),
	}
	putString(attrs, "model", d.Model())
	putString(attrs, "firmware", d.Firmware())
	putString(attrs, "ip", d.IP())
	putString(attrs, "uplink", d.Uplink())
	if d.Mesh() {
		attrs["mesh"] = true
	}
	for _, b := range omada.Bands {
		r, ok := d.Radio(b)
		if !ok {
			continue
		}
		putString(attrs, "radio_mode_"+bandKey(b), r.Mode)
		putString(attrs, "bandwidth_"+bandKey(b), r.Bandwidth)
		if r.HasTxPower {
			attrs["tx_power_"+bandKey(b)] = r.TxPower
		}
	}
	return attrs
}

func putString(m map[string]any, k, v string) {
	if v != "" {
		m[k] = v
	}
}

func putInt(m map[string]any, k string, v int64) {
	if v != 0 {
		m[k] = v
	}
}

func onOff(v bool, on, off string) string {
	if v {
		return on
	}
	return off
}

func parseSwitch(payload string) (bool, error) {
	switch payload {
	case payloadOn:
		return true, nil
	case payloadOff:
		return false, nil
	}
	return false, fmt.Errorf("unexpected switch payload %q", payload)
}

// megabytes converts bytes (or bytes per second) to MB with two
// decimals.
func megabytes(n int64) string {
	v := math.Round(float64(n)/1048576*100) / 100
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatMAC renders AA-BB-CC-DD-EE-FF as aa:bb:cc:dd:ee:ff.
func formatMAC(mac string) string {
	return strings.ToLower(strings.ReplaceAll(mac, "-", ":"))
}

// slug reduces s to lowercase letters, digits and underscores.
func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "_") {
				b.WriteByte('_')
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
