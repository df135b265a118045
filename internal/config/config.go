// Package config handles omada-bridge configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/omada-bridge/config.yaml,
// /etc/omada-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "omada-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/omada-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all omada-bridge configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Options    OptionsConfig    `yaml:"options"`
	Poll       PollConfig       `yaml:"poll"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text or json
}

// ControllerConfig identifies one Omada controller site connection.
type ControllerConfig struct {
	URL       string    `yaml:"url"`
	Site      string    `yaml:"site"`
	Username  string    `yaml:"username"`
	Password  string    `yaml:"password"`
	VerifySSL TLSVerify `yaml:"verify_ssl"`
}

// TLSVerify is the certificate verification policy for the controller
// connection. In YAML it is either a boolean or the path of a CA bundle
// (which implies verification against that bundle only).
type TLSVerify struct {
	Enabled bool
	CAFile  string
}

// UnmarshalYAML accepts `verify_ssl: false` as well as
// `verify_ssl: /etc/ssl/omada-ca.pem`.
func (v *TLSVerify) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("verify_ssl: expected bool or CA file path (line %d)", node.Line)
	}
	var b bool
	if node.Tag == "!!bool" {
		if err := node.Decode(&b); err != nil {
			return err
		}
		*v = TLSVerify{Enabled: b}
		return nil
	}
	path := strings.TrimSpace(node.Value)
	if path == "" {
		*v = TLSVerify{Enabled: true}
		return nil
	}
	*v = TLSVerify{Enabled: true, CAFile: path}
	return nil
}

// MarshalYAML renders the policy back into its bool-or-path form.
func (v TLSVerify) MarshalYAML() (any, error) {
	if v.CAFile != "" {
		return v.CAFile, nil
	}
	return v.Enabled, nil
}

// OptionsConfig holds the per-feature toggles that decide which
// entities are published. Options can be reloaded at runtime.
type OptionsConfig struct {
	TrackClients bool     `yaml:"track_clients"`
	TrackDevices bool     `yaml:"track_devices"`
	SSIDFilter   []string `yaml:"ssid_filter"`

	// DisconnectTimeoutMinutes keeps a client marked as home for this
	// long after it was last seen. Zero disables the grace period.
	DisconnectTimeoutMinutes int `yaml:"disconnect_timeout_minutes"`

	ClientBandwidthSensors  bool `yaml:"client_bandwidth_sensors"`
	ClientUptimeSensor      bool `yaml:"client_uptime_sensor"`
	ClientBlockSwitch       bool `yaml:"client_block_switch"`
	DeviceBandwidthSensors  bool `yaml:"device_bandwidth_sensors"`
	DeviceStatisticsSensors bool `yaml:"device_statistics_sensors"`
	DeviceClientsSensors    bool `yaml:"device_clients_sensors"`
	DeviceRadioSensors      bool `yaml:"device_radio_sensors"`
	DeviceControls          bool `yaml:"device_controls"`
	DeviceUpdate            bool `yaml:"device_update"`
}

// DisconnectTimeout returns the grace period as a duration.
func (o OptionsConfig) DisconnectTimeout() time.Duration {
	return time.Duration(o.DisconnectTimeoutMinutes) * time.Minute
}

// PollConfig controls the refresh cadence.
type PollConfig struct {
	Interval        time.Duration `yaml:"interval"`
	DetailsInterval time.Duration `yaml:"details_interval"`
	SetupTimeout    time.Duration `yaml:"setup_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

// MQTTConfig defines the Home Assistant MQTT discovery bridge.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether the MQTT bridge should run.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// InfluxDBConfig defines the optional metrics writer.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"` // seconds
}

// ListenConfig defines the diagnostics API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // 0 disables the server
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			Site:      "Default",
			VerifySSL: TLSVerify{Enabled: true},
		},
		Options: OptionsConfig{
			TrackClients:            true,
			TrackDevices:            true,
			ClientBandwidthSensors:  true,
			ClientUptimeSensor:      true,
			ClientBlockSwitch:       false,
			DeviceBandwidthSensors:  true,
			DeviceStatisticsSensors: true,
			DeviceClientsSensors:    true,
			DeviceRadioSensors:      true,
			DeviceControls:          false,
			DeviceUpdate:            true,
		},
		Poll: PollConfig{
			Interval:        30 * time.Second,
			DetailsInterval: 5 * time.Minute,
			SetupTimeout:    10 * time.Second,
			RequestTimeout:  15 * time.Second,
		},
		MQTT: MQTTConfig{
			DeviceName:      "omada",
			DiscoveryPrefix: "homeassistant",
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Listen:    ListenConfig{Port: 8099},
		DataDir:   "./data",
		LogFormat: "text",
	}
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	return cfg, nil
}

// envRef matches the ${NAME} form only. A bare $ is literal, so
// passwords like "pa$$w0rd" survive loading.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} references with the environment value.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills zero values that would otherwise break the poll
// loop or the MQTT topic layout.
func (c *Config) ApplyDefaults() {
	d := Default()
	if c.Controller.Site == "" {
		c.Controller.Site = d.Controller.Site
	}
	c.Controller.URL = strings.TrimRight(c.Controller.URL, "/")
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = d.Poll.Interval
	}
	if c.Poll.DetailsInterval <= 0 {
		c.Poll.DetailsInterval = d.Poll.DetailsInterval
	}
	if c.Poll.SetupTimeout <= 0 {
		c.Poll.SetupTimeout = d.Poll.SetupTimeout
	}
	if c.Poll.RequestTimeout <= 0 {
		c.Poll.RequestTimeout = d.Poll.RequestTimeout
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = d.MQTT.DeviceName
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = d.MQTT.DiscoveryPrefix
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
}

// Validate reports every problem found in the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Controller.URL == "" {
		errs = append(errs, errors.New("controller.url is required"))
	} else if u, err := url.Parse(c.Controller.URL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("controller.url %q is not an absolute URL", c.Controller.URL))
	}
	if c.Controller.Username == "" {
		errs = append(errs, errors.New("controller.username is required"))
	}
	if c.Controller.Password == "" {
		errs = append(errs, errors.New("controller.password is required"))
	}
	if ca := c.Controller.VerifySSL.CAFile; ca != "" {
		if _, err := os.Stat(ca); err != nil {
			errs = append(errs, fmt.Errorf("controller.verify_ssl: CA file %s: %w", ca, err))
		}
	}
	if c.Options.DisconnectTimeoutMinutes < 0 {
		errs = append(errs, errors.New("options.disconnect_timeout_minutes must not be negative"))
	}
	if c.Poll.DetailsInterval < c.Poll.Interval {
		errs = append(errs, fmt.Errorf("poll.details_interval (%s) must not be shorter than poll.interval (%s)",
			c.Poll.DetailsInterval, c.Poll.Interval))
	}
	if c.MQTT.Configured() {
		if u, err := url.Parse(c.MQTT.Broker); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt.broker %q is not a valid URL", c.MQTT.Broker))
		}
	}
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, errors.New("influxdb requires url, org and bucket when enabled"))
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
