package omada

import (
	"log/slog"
)

// wifiModes decodes the wifiMode index reported for wireless clients.
var wifiModes = []string{"11a", "11b", "11g", "11na", "11ng", "11ac", "11axa", "11axg"}

// radios decodes the radioId index. Index 2 is the second 5 GHz radio
// on tri-band access points.
var radios = []string{"2.4ghz", "5ghz", "5ghz", "6ghz"}

// Client is a currently connected client.
type Client struct{ Record }

func (c Client) MAC() string            { return c.String("mac") }
func (c Client) Name() string           { return c.String("name") }
func (c Client) Hostname() string       { return c.String("hostName") }
func (c Client) DeviceType() string     { return c.String("deviceType") }
func (c Client) IP() string             { return c.String("ip") }
func (c Client) ConnectDevType() string { return c.String("connectDevType") }
func (c Client) Wireless() bool         { return c.Bool("wireless") }
func (c Client) SSID() string           { return c.String("ssid") }
func (c Client) SignalLevel() int64     { return c.Int("signalLevel", 0) }
func (c Client) SignalRank() int64      { return c.Int("signalRank", 0) }
func (c Client) APName() string         { return c.String("apName") }
func (c Client) APMAC() string          { return c.String("apMac") }
func (c Client) PowerSave() bool        { return c.Bool("powerSave") }
func (c Client) Activity() int64        { return c.Int("activity", 0) }
func (c Client) TrafficDown() int64     { return c.Int("trafficDown", 0) }
func (c Client) TrafficUp() int64       { return c.Int("trafficUp", 0) }
func (c Client) Guest() bool            { return c.Bool("guest") }
func (c Client) Active() bool           { return c.Bool("active") }
func (c Client) Manager() bool          { return c.Bool("manager") }
func (c Client) DownPacket() int64      { return c.Int("downPacket", 0) }
func (c Client) UpPacket() int64        { return c.Int("upPacket", 0) }
func (c Client) RxRate() int64          { return c.Int("rxRate", 0) }
func (c Client) TxRate() int64          { return c.Int("txRate", 0) }

// ConnectType is the raw connection type code, if reported.
func (c Client) ConnectType() (int64, bool) { return c.OptInt("connectType") }

// Channel is the wireless channel, if reported.
func (c Client) Channel() (int64, bool) { return c.OptInt("channel") }

// RSSI is the signal strength in dBm, if reported.
func (c Client) RSSI() (int64, bool) { return c.OptInt("rssi") }

// AuthStatus is the portal authentication state, if reported.
func (c Client) AuthStatus() (int64, bool) { return c.OptInt("authStatus") }

// Uptime is seconds since association, -1 when never reported.
func (c Client) Uptime() int64 { return c.Int("uptime", -1) }

// LastSeen is a millisecond timestamp, -1 when never reported.
func (c Client) LastSeen() int64 { return c.Int("lastSeen", -1) }

// WifiMode decodes wifiMode, "unknown" for indexes the table lacks.
func (c Client) WifiMode() string { return lookupTable(wifiModes, c.Int("wifiMode", 0)) }

// Radio decodes radioId, "unknown" for indexes the table lacks.
func (c Client) Radio() string { return lookupTable(radios, c.Int("radioId", 0)) }

// DisplayName prefers the configured name, then the hostname, then the
// MAC address.
func (c Client) DisplayName() string {
	if n := c.Name(); n != "" {
		return n
	}
	if h := c.Hostname(); h != "" {
		return h
	}
	return c.MAC()
}

// Clients is the collection of connected clients.
type Clients struct {
	*Collection[Client]
}

func newClients(request RequestFunc, logger *slog.Logger) *Clients {
	return &Clients{NewCollection(CollectionConfig[Client]{
		Name:     "clients",
		Endpoint: "/clients",
		Key:      "mac",
		DataKey:  "data",
		View:     func(r Record) Client { return Client{r} },
		Request:  request,
		Logger:   logger,
	})}
}
