package api

import (
	"time"

	"github.com/nugget/omada-bridge/internal/omada"
)

type radioView struct {
	Band            string `json:"band"`
	Label           string `json:"label"`
	Enabled         *bool  `json:"enabled,omitempty"`
	Mode            string `json:"mode,omitempty"`
	Bandwidth       string `json:"bandwidth,omitempty"`
	TxPower         *int64 `json:"tx_power,omitempty"`
	TxUtilization   *int64 `json:"tx_utilization,omitempty"`
	RxUtilization   *int64 `json:"rx_utilization,omitempty"`
	InterferenceUtl *int64 `json:"interference_utilization,omitempty"`
}

type ssidView struct {
	SSID    string `json:"ssid"`
	Enabled bool   `json:"enabled"`
}

type deviceView struct {
	MAC            string      `json:"mac"`
	Name           string      `json:"name"`
	Type           string      `json:"type"`
	Model          string      `json:"model,omitempty"`
	IP             string      `json:"ip,omitempty"`
	Status         string      `json:"status"`
	Connected      bool        `json:"connected"`
	Updating       bool        `json:"updating"`
	Firmware       string      `json:"firmware,omitempty"`
	LatestFirmware string      `json:"latest_firmware,omitempty"`
	NeedUpgrade    bool        `json:"need_upgrade"`
	Uptime         int64       `json:"uptime"`
	CPU            int64       `json:"cpu"`
	Memory         int64       `json:"memory"`
	Clients        int64       `json:"clients"`
	Download       int64       `json:"download"`
	Upload         int64       `json:"upload"`
	RxRate         int64       `json:"rx_rate"`
	TxRate         int64       `json:"tx_rate"`
	Details        bool        `json:"details"`
	Radios         []radioView `json:"radios,omitempty"`
	SSIDs          []ssidView  `json:"ssids,omitempty"`
}

type clientView struct {
	MAC         string `json:"mac"`
	Name        string `json:"name"`
	Hostname    string `json:"hostname,omitempty"`
	IP          string `json:"ip,omitempty"`
	Wireless    bool   `json:"wireless"`
	SSID        string `json:"ssid,omitempty"`
	APName      string `json:"ap_name,omitempty"`
	APMAC       string `json:"ap_mac,omitempty"`
	SignalLevel *int64 `json:"signal_level,omitempty"`
	RSSI        *int64 `json:"rssi,omitempty"`
	WifiMode    string `json:"wifi_mode,omitempty"`
	Radio       string `json:"radio,omitempty"`
	Guest       bool   `json:"guest"`
	TrafficDown int64  `json:"traffic_down"`
	TrafficUp   int64  `json:"traffic_up"`
	RxRate      int64  `json:"rx_rate"`
	TxRate      int64  `json:"tx_rate"`
	Uptime      *int64 `json:"uptime,omitempty"`
	Allowed     bool   `json:"allowed"`
}

type knownClientView struct {
	MAC       string     `json:"mac"`
	Name      string     `json:"name"`
	Wireless  bool       `json:"wireless"`
	Guest     bool       `json:"guest"`
	Blocked   bool       `json:"blocked"`
	Download  int64      `json:"download"`
	Upload    int64      `json:"upload"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
	Connected bool       `json:"connected"`
	Allowed   bool       `json:"allowed"`
}

func newDeviceView(d omada.Device) deviceView {
	v := deviceView{
		MAC:            d.MAC(),
		Name:           d.DisplayName(),
		Type:           d.Type(),
		Model:          d.Model(),
		IP:             d.IP(),
		Status:         d.StatusCategoryName(),
		Connected:      d.Connected(),
		Updating:       d.Updating(),
		Firmware:       d.Firmware(),
		LatestFirmware: d.LatestFirmware(),
		NeedUpgrade:    d.NeedUpgrade(),
		Uptime:         d.Uptime(),
		CPU:            d.CPU(),
		Memory:         d.Memory(),
		Clients:        d.Clients(),
		Download:       d.Download(),
		Upload:         d.Upload(),
		RxRate:         d.RxRate(),
		TxRate:         d.TxRate(),
		Details:        d.HasDetails(),
	}
	if !d.IsAccessPoint() {
		return v
	}
	for _, b := range omada.Bands {
		if !d.Supports(b) {
			continue
		}
		rv := radioView{Band: string(b), Label: b.Label()}
		if enabled, ok := d.RadioEnabled(b); ok {
			rv.Enabled = &enabled
		}
		if stats, ok := d.Radio(b); ok {
			rv.Mode = stats.Mode
			rv.Bandwidth = stats.Bandwidth
			if stats.HasTxPower {
				rv.TxPower = ptr(stats.TxPower)
			}
			if stats.HasUtilData {
				rv.TxUtilization = ptr(stats.TxUtil)
				rv.RxUtilization = ptr(stats.RxUtil)
				rv.InterferenceUtl = ptr(stats.InterUtil)
			}
		}
		v.Radios = append(v.Radios, rv)
	}
	for _, o := range d.SSIDOverrides() {
		v.SSIDs = append(v.SSIDs, ssidView{SSID: o.SSID, Enabled: o.Enabled})
	}
	return v
}

func newClientView(c omada.Client, allowed bool) clientView {
	v := clientView{
		MAC:         c.MAC(),
		Name:        c.DisplayName(),
		Hostname:    c.Hostname(),
		IP:          c.IP(),
		Wireless:    c.Wireless(),
		Guest:       c.Guest(),
		TrafficDown: c.TrafficDown(),
		TrafficUp:   c.TrafficUp(),
		RxRate:      c.RxRate(),
		TxRate:      c.TxRate(),
		Allowed:     allowed,
	}
	if up := c.Uptime(); up >= 0 {
		v.Uptime = &up
	}
	if c.Wireless() {
		v.SSID = c.SSID()
		v.APName = c.APName()
		v.APMAC = c.APMAC()
		v.SignalLevel = ptr(c.SignalLevel())
		v.WifiMode = c.WifiMode()
		v.Radio = c.Radio()
		if rssi, ok := c.RSSI(); ok {
			v.RSSI = &rssi
		}
	}
	return v
}

func newKnownClientView(k omada.KnownClient, connected, allowed bool) knownClientView {
	v := knownClientView{
		MAC:       k.MAC(),
		Name:      k.Name(),
		Wireless:  k.Wireless(),
		Guest:     k.Guest(),
		Blocked:   k.Blocked(),
		Download:  k.Download(),
		Upload:    k.Upload(),
		Connected: connected,
		Allowed:   allowed,
	}
	if ms := k.LastSeen(); ms > 0 {
		ts := time.UnixMilli(ms).UTC()
		v.LastSeen = &ts
	}
	if v.Name == "" {
		v.Name = v.MAC
	}
	return v
}

func ptr[T any](v T) *T { return &v }
