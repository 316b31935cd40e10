// Package config loads the YAML-backed tunables for the dual-radio
// coordination core: step timeouts, retry budgets, pool sizes and the
// serial device path, following glennswest-ipmiserial's config.Load
// pattern of defaults-then-overlay.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	AtDriver AtDriverConfig `yaml:"at_driver"`
	Radio    RadioConfig    `yaml:"radio"`
	Pool     PoolConfig     `yaml:"pool"`
	Diag     DiagConfig     `yaml:"diag"`
	Mqtt     MqttConfig     `yaml:"mqtt"`
}

type SerialConfig struct {
	Device   string `yaml:"device"`
	BaudRate int    `yaml:"baud_rate"`
}

type AtDriverConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	AfterSleepWait time.Duration `yaml:"after_sleep_wait"` // AFTER_SLEEP_WAIT_MS
	NtpServer      string        `yaml:"ntp_server"`
}

type RadioConfig struct {
	StepTimeout      time.Duration `yaml:"step_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	RSSIPollInterval time.Duration `yaml:"rssi_poll_interval"`
}

type PoolConfig struct {
	Capacity   int           `yaml:"capacity"`
	MaxPending int           `yaml:"max_pending"`
	FlushAge   time.Duration `yaml:"flush_age"` // FLUSH_AGE_MS
}

type DiagConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type MqttConfig struct {
	ClientID      string   `yaml:"client_id"`
	BrokerHost    string   `yaml:"broker_host"`
	BrokerPort    int      `yaml:"broker_port"`
	OnboardTopics []string `yaml:"onboard_topics"`
	FullTopics    []string `yaml:"full_topics"`
}

// Default returns the baseline configuration applied before any YAML
// overlay, matching the defaults atdriver/pool/radio already apply on
// their own zero-value Config structs so a missing config file still
// produces a working set of tunables.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Device:   "/dev/ttyUSB0",
			BaudRate: 115200,
		},
		AtDriver: AtDriverConfig{
			DefaultTimeout: 2 * time.Second,
			AfterSleepWait: 500 * time.Millisecond,
			NtpServer:      "pool.ntp.org",
		},
		Radio: RadioConfig{
			StepTimeout:      3 * time.Second,
			MaxRetries:       3,
			PollInterval:     50 * time.Millisecond,
			RSSIPollInterval: 30 * time.Second,
		},
		Pool: PoolConfig{
			Capacity:   64,
			MaxPending: 32,
			FlushAge:   5 * time.Second,
		},
		Diag: DiagConfig{
			ListenAddr: ":8090",
		},
		Mqtt: MqttConfig{
			ClientID:      "collar",
			BrokerPort:    8883,
			OnboardTopics: []string{"onboard/config"},
			FullTopics:    []string{"device/down", "device/ota"},
		},
	}
}

// Load reads path and overlays it on top of Default(). A missing file is
// not an error: the caller gets the defaults back untouched.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
