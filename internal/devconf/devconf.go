// Package devconf holds the operator-settable device configuration backed
// by the durable store. Every field has a compiled-in default so a fresh or
// wiped store always yields a usable configuration.
package devconf

import (
	"fmt"
	"strings"

	"github.com/voltlog/battery-node/internal/battery"
	"github.com/voltlog/battery-node/internal/nvstore"
)

const bucket = "config"

// Compiled-in defaults, used on first run and whenever a key is absent.
const (
	DefaultWifiSSID     = "battery-node-setup"
	DefaultWifiPassword = ""
	DefaultBrokerHost   = "mqtt.local"
	DefaultBrokerPort   = 1883
	DefaultBrokerUser   = ""
	DefaultBrokerPass   = ""
	DefaultClientID     = "battery-node"
	DefaultChemistry    = battery.ChemistryLeadAcid
	DefaultDeepSleep    = true
)

// Config is the durable device configuration.
type Config struct {
	WifiSSID     string
	WifiPassword string

	BrokerHost string
	BrokerPort int
	BrokerUser string
	BrokerPass string
	ClientID   string

	DeepSleepEnabled bool
	OTATargetVersion string
	Chemistry        string
}

// Load reads the configuration from the store, seeding defaults when the
// store has never been initialized. The second return value reports whether
// this was a first run.
func Load(store *nvstore.Store) (*Config, bool, error) {
	firstRun := !store.GetBool(bucket, "initialized", false)
	if firstRun {
		c := defaults()
		if err := c.Save(store); err != nil {
			return nil, true, fmt.Errorf("seeding default config: %w", err)
		}
		if err := store.PutBool(bucket, "initialized", true); err != nil {
			return nil, true, err
		}
		return c, true, nil
	}

	c := &Config{
		WifiSSID:         store.GetString(bucket, "wifi_ssid", DefaultWifiSSID),
		WifiPassword:     store.GetString(bucket, "wifi_pass", DefaultWifiPassword),
		BrokerHost:       store.GetString(bucket, "mqtt_srv", DefaultBrokerHost),
		BrokerPort:       store.GetInt(bucket, "mqtt_port", DefaultBrokerPort),
		BrokerUser:       store.GetString(bucket, "mqtt_user", DefaultBrokerUser),
		BrokerPass:       store.GetString(bucket, "mqtt_pass", DefaultBrokerPass),
		ClientID:         store.GetString(bucket, "mqtt_id", DefaultClientID),
		DeepSleepEnabled: store.GetBool(bucket, "deep_sleep", DefaultDeepSleep),
		OTATargetVersion: store.GetString(bucket, "ota_target", ""),
		Chemistry:        store.GetString(bucket, "chemistry", DefaultChemistry),
	}
	if _, err := battery.ProfileFor(c.Chemistry); err != nil {
		c.Chemistry = DefaultChemistry
	}
	return c, false, nil
}

func defaults() *Config {
	return &Config{
		WifiSSID:         DefaultWifiSSID,
		WifiPassword:     DefaultWifiPassword,
		BrokerHost:       DefaultBrokerHost,
		BrokerPort:       DefaultBrokerPort,
		BrokerUser:       DefaultBrokerUser,
		BrokerPass:       DefaultBrokerPass,
		ClientID:         DefaultClientID,
		DeepSleepEnabled: DefaultDeepSleep,
		OTATargetVersion: "",
		Chemistry:        DefaultChemistry,
	}
}

// Save writes the whole configuration in one transaction.
func (c *Config) Save(store *nvstore.Store) error {
	return store.PutAll(bucket, map[string]string{
		"wifi_ssid":  c.WifiSSID,
		"wifi_pass":  c.WifiPassword,
		"mqtt_srv":   c.BrokerHost,
		"mqtt_port":  fmt.Sprintf("%d", c.BrokerPort),
		"mqtt_user":  c.BrokerUser,
		"mqtt_pass":  c.BrokerPass,
		"mqtt_id":    c.ClientID,
		"deep_sleep": fmt.Sprintf("%t", c.DeepSleepEnabled),
		"ota_target": c.OTATargetVersion,
		"chemistry":  c.Chemistry,
	})
}

// Set updates a single field by its configuration key. Unknown keys and
// invalid values are rejected without mutating anything.
func (c *Config) Set(key, value string) error {
	switch strings.ToLower(key) {
	case "wifi_ssid", "ssid":
		c.WifiSSID = value
	case "wifi_password", "wifi_pass", "password":
		c.WifiPassword = value
	case "mqtt_server", "server":
		c.BrokerHost = value
	case "mqtt_port", "port":
		var port int
		if _, err := fmt.Sscanf(value, "%d", &port); err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("invalid port: %s", value)
		}
		c.BrokerPort = port
	case "mqtt_user", "user":
		c.BrokerUser = value
	case "mqtt_password", "mqtt_pass":
		c.BrokerPass = value
	case "mqtt_client_id", "client_id", "id":
		c.ClientID = value
	case "deep_sleep":
		switch strings.ToLower(value) {
		case "true", "1", "on", "enable":
			c.DeepSleepEnabled = true
		case "false", "0", "off", "disable":
			c.DeepSleepEnabled = false
		default:
			return fmt.Errorf("invalid value for deep_sleep: %s", value)
		}
	case "ota_version", "ota_target", "otaver":
		c.OTATargetVersion = value
	case "chemistry", "battery_type":
		if _, err := battery.ProfileFor(strings.ToLower(value)); err != nil {
			return err
		}
		c.Chemistry = strings.ToLower(value)
	default:
		return fmt.Errorf("unknown key: %s", key)
	}
	return nil
}

// Thresholds returns the active chemistry's threshold table.
func (c *Config) Thresholds() battery.Thresholds {
	t, err := battery.ProfileFor(c.Chemistry)
	if err != nil {
		t, _ = battery.ProfileFor(DefaultChemistry)
	}
	return t
}

// String renders the configuration for the console's show command. The WiFi
// and broker passwords are not included.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "WiFi SSID:          %s\n", c.WifiSSID)
	fmt.Fprintf(&b, "MQTT Server:        %s:%d\n", c.BrokerHost, c.BrokerPort)
	fmt.Fprintf(&b, "MQTT User:          %s\n", c.BrokerUser)
	fmt.Fprintf(&b, "MQTT Client ID:     %s\n", c.ClientID)
	fmt.Fprintf(&b, "Battery Chemistry:  %s\n", c.Chemistry)
	fmt.Fprintf(&b, "Deep Sleep:         %t\n", c.DeepSleepEnabled)
	target := c.OTATargetVersion
	if target == "" {
		target = "(not set)"
	}
	fmt.Fprintf(&b, "OTA Target Version: %s", target)
	return b.String()
}
