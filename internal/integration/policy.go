package integration

import "slices"

// IsClientAllowed applies the SSID filter. Without a filter every client
// is allowed. With one, a connected wireless client is allowed only when
// its SSID is listed; wired clients and clients not currently connected
// are always allowed.
func (i *Integration) IsClientAllowed(mac string) bool {
	filter := i.Options().SSIDFilter
	if len(filter) == 0 {
		return true
	}
	c, ok := i.ctrl.Clients.Lookup(mac)
	if !ok || !c.Wireless() {
		return true
	}
	return slices.Contains(filter, c.SSID())
}

// ClientConnected reports whether the client is connected now or was
// last seen within the disconnect timeout.
func (i *Integration) ClientConnected(mac string) bool {
	if i.ctrl.Clients.Contains(mac) {
		return true
	}
	timeout := i.Options().DisconnectTimeout()
	if timeout <= 0 {
		return false
	}
	known, ok := i.ctrl.KnownClients.Lookup(mac)
	if !ok {
		return false
	}
	cutoff := i.cfg.Now().Add(-timeout).UnixMilli()
	return known.LastSeen() > cutoff
}
