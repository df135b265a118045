package mqtt

import (
	"github.com/nugget/omada-bridge/internal/buildinfo"
	"github.com/nugget/omada-bridge/internal/omada"
)

const manufacturer = "TP-Link"

// DeviceInfo is the HA device registry block of a discovery payload.
// Entities sharing a block are grouped on one HA device page.
type DeviceInfo struct {
	Identifiers  []string    `json:"identifiers,omitempty"`
	Connections  [][2]string `json:"connections,omitempty"`
	Name         string      `json:"name,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	SWVersion    string      `json:"sw_version,omitempty"`
	ViaDevice    string      `json:"via_device,omitempty"`
}

// Availability is one entry of an entity's availability list.
type Availability struct {
	Topic string `json:"topic"`
}

// EntityConfig is the discovery payload shared by every component type.
// Fields a component does not use stay empty and are omitted.
type EntityConfig struct {
	Name                string         `json:"name"`
	UniqueID            string         `json:"unique_id"`
	ObjectID            string         `json:"object_id,omitempty"`
	Device              DeviceInfo     `json:"device"`
	Availability        []Availability `json:"availability"`
	AvailabilityMode    string         `json:"availability_mode,omitempty"`
	StateTopic          string         `json:"state_topic,omitempty"`
	CommandTopic        string         `json:"command_topic,omitempty"`
	JSONAttributesTopic string         `json:"json_attributes_topic,omitempty"`
	Icon                string         `json:"icon,omitempty"`
	DeviceClass         string         `json:"device_class,omitempty"`
	StateClass          string         `json:"state_class,omitempty"`
	UnitOfMeasurement   string         `json:"unit_of_measurement,omitempty"`
	EntityCategory      string         `json:"entity_category,omitempty"`
	SourceType          string         `json:"source_type,omitempty"`
	PayloadHome         string         `json:"payload_home,omitempty"`
	PayloadNotHome      string         `json:"payload_not_home,omitempty"`
	PayloadOn           string         `json:"payload_on,omitempty"`
	PayloadOff          string         `json:"payload_off,omitempty"`
	PayloadPress        string         `json:"payload_press,omitempty"`
	PayloadInstall      string         `json:"payload_install,omitempty"`
}

// controllerDevice groups the controller-level entities.
func controllerDevice(ctrl *omada.Controller) DeviceInfo {
	name := ctrl.Name()
	if name == "" {
		name = "Omada Controller"
	}
	return DeviceInfo{
		Identifiers:  []string{controllerIdentifier(ctrl)},
		Name:         name,
		Manufacturer: manufacturer,
		Model:        "Omada Controller",
		SWVersion:    ctrl.Version(),
	}
}

func controllerIdentifier(ctrl *omada.Controller) string {
	if id := ctrl.Session().ControllerID(); id != "" {
		return "omada_" + id
	}
	return "omada_" + ctrl.Session().URL()
}

// networkDevice describes an access point, switch or gateway.
func networkDevice(d omada.Device, via string) DeviceInfo {
	return DeviceInfo{
		Connections:  [][2]string{{"mac", formatMAC(d.MAC())}},
		Name:         d.DisplayName(),
		Manufacturer: manufacturer,
		Model:        d.Model(),
		SWVersion:    d.Firmware(),
		ViaDevice:    via,
	}
}

// clientDevice describes a known client. Clients are identified by
// their MAC only so HA can merge them with devices other integrations
// know.
func clientDevice(mac, name string) DeviceInfo {
	if name == "" {
		name = mac
	}
	return DeviceInfo{
		Connections: [][2]string{{"mac", formatMAC(mac)}},
		Name:        name,
	}
}

// bridgeDevice is the bridge process itself.
func bridgeDevice(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "omada-bridge",
		Model:        "Omada MQTT bridge",
		SWVersion:    buildinfo.Version,
	}
}
