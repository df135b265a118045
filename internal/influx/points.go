package influx

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/nugget/omada-bridge/internal/omada"
)

// Measurement names.
const (
	MeasurementDevice = "omada_device"
	MeasurementClient = "omada_client"
)

// DevicePoint describes one managed device.
func DevicePoint(site string, d omada.Device, ts time.Time) *write.Point {
	p := write.NewPoint(MeasurementDevice,
		tags(map[string]string{
			"site":  site,
			"mac":   d.MAC(),
			"name":  d.DisplayName(),
			"type":  d.Type(),
			"model": d.Model(),
		}),
		map[string]any{
			"connected":    d.Connected(),
			"uptime":       d.Uptime(),
			"cpu":          d.CPU(),
			"memory":       d.Memory(),
			"clients":      d.Clients(),
			"download":     d.Download(),
			"upload":       d.Upload(),
			"rx_rate":      d.RxRate(),
			"tx_rate":      d.TxRate(),
			"need_upgrade": d.NeedUpgrade(),
		},
		ts)
	if d.IsAccessPoint() {
		p.AddField("guests", d.Guests())
		p.AddField("users", d.Users())
	}
	for _, b := range omada.Bands {
		r, ok := d.Radio(b)
		if !ok || !r.HasUtilData {
			continue
		}
		prefix := "util_" + string(b) + "_"
		p.AddField(prefix+"tx", r.TxUtil)
		p.AddField(prefix+"rx", r.RxUtil)
		p.AddField(prefix+"interference", r.InterUtil)
	}
	return p
}

// ClientPoint describes one connected client.
func ClientPoint(site string, c omada.Client, ts time.Time) *write.Point {
	t := map[string]string{
		"site": site,
		"mac":  c.MAC(),
		"name": c.DisplayName(),
	}
	if c.Wireless() {
		t["ssid"] = c.SSID()
		t["ap"] = c.APName()
	}
	p := write.NewPoint(MeasurementClient, tags(t),
		map[string]any{
			"wireless":     c.Wireless(),
			"traffic_down": c.TrafficDown(),
			"traffic_up":   c.TrafficUp(),
			"rx_rate":      c.RxRate(),
			"tx_rate":      c.TxRate(),
		},
		ts)
	if up := c.Uptime(); up >= 0 {
		p.AddField("uptime", up)
	}
	if c.Wireless() {
		p.AddField("signal_level", c.SignalLevel())
		if rssi, ok := c.RSSI(); ok {
			p.AddField("rssi", rssi)
		}
	}
	return p
}

// tags drops empty values; line protocol has no empty tag.
func tags(m map[string]string) map[string]string {
	for k, v := range m {
		if v == "" {
			delete(m, k)
		}
	}
	return m
}
