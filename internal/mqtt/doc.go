// Package mqtt republishes an Omada site to Home Assistant through MQTT
// discovery. Clients, devices and the controller itself appear as HA
// devices carrying device trackers, sensors, switches, buttons, binary
// sensors and update entities.
//
// The bridge is driven by the integration's notifications: every
// data_updated event announces entities that became eligible, withdraws
// those that no longer are and publishes changed states. Switch, button
// and update commands arrive on per-entity command topics and are routed
// to controller mutations followed by an immediate refresh.
//
// Connection management uses Eclipse Paho v2's [autopaho] package. A
// will message flips the bridge availability topic to "offline" on
// unexpected disconnects; every entity is also bound to a per-site
// availability topic that mirrors controller availability.
package mqtt
