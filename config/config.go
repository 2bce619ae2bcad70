// Package config loads device daemon settings from YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/VanDung-dev/zsock/mq"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config describes one context and the device it runs.
type Config struct {
	IOThreads   int           `yaml:"io_threads"`
	MaxSockets  int           `yaml:"max_sockets,omitempty"`
	Linger      time.Duration `yaml:"linger"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
	Device      DeviceConfig  `yaml:"device"`
}

// DeviceConfig describes the relay and its sockets.
type DeviceConfig struct {
	Type      string        `yaml:"type"`
	Frontend  SocketConfig  `yaml:"frontend"`
	Backend   SocketConfig  `yaml:"backend"`
	Monitor   *SocketConfig `yaml:"monitor,omitempty"`
	InPrefix  *string       `yaml:"monitor_in_prefix,omitempty"`
	OutPrefix *string       `yaml:"monitor_out_prefix,omitempty"`
}

// SocketConfig describes one socket. Unset options keep the runtime
// defaults.
type SocketConfig struct {
	Pattern           string         `yaml:"pattern"`
	Bind              []string       `yaml:"bind,omitempty"`
	Connect           []string       `yaml:"connect,omitempty"`
	Identity          string         `yaml:"identity,omitempty"`
	SendHWM           *int           `yaml:"send_hwm,omitempty"`
	RecvHWM           *int           `yaml:"recv_hwm,omitempty"`
	Linger            *time.Duration `yaml:"linger,omitempty"`
	ReconnectInterval *time.Duration `yaml:"reconnect_interval,omitempty"`
	Subscribe         []string       `yaml:"subscribe,omitempty"`
}

// Default returns a streamer from tcp://*:5557 to tcp://*:5558.
func Default() Config {
	return Config{
		IOThreads: 1,
		Linger:    time.Second,
		LogLevel:  "info",
		Device: DeviceConfig{
			Type: mq.Streamer.String(),
			Frontend: SocketConfig{
				Pattern: mq.Pull.String(),
				Bind:    []string{"tcp://*:5557"},
			},
			Backend: SocketConfig{
				Pattern: mq.Push.String(),
				Bind:    []string{"tcp://*:5558"},
			},
		},
	}
}

// Load reads and validates a YAML file. Top-level settings missing from the
// file keep their Default values; the device section is taken as written.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads and validates YAML from r. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	c := Default()
	c.Device = DeviceConfig{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.IOThreads < 1 || c.IOThreads > mq.MaxIOThreads {
		invalid("io_threads %d out of range 1..%d", c.IOThreads, mq.MaxIOThreads)
	}
	if c.MaxSockets < 0 {
		invalid("max_sockets must not be negative")
	}
	if _, err := zap.ParseAtomicLevel(c.LogLevel); err != nil {
		invalid("log_level: %v", err)
	}

	if _, err := mq.ParseDeviceType(c.Device.Type); err != nil {
		invalid("device.type: %v", err)
	}
	c.Device.Frontend.validate("device.frontend", invalid)
	c.Device.Backend.validate("device.backend", invalid)
	if c.Device.Monitor != nil {
		c.Device.Monitor.validate("device.monitor", invalid)
	} else if c.Device.InPrefix != nil || c.Device.OutPrefix != nil {
		invalid("device: monitor prefixes set without a monitor")
	}

	return errors.Join(errs...)
}

func (s *SocketConfig) validate(field string, invalid func(string, ...any)) {
	p, err := mq.ParsePattern(s.Pattern)
	if err != nil {
		invalid("%s.pattern: %v", field, err)
	}
	if len(s.Bind)+len(s.Connect) == 0 {
		invalid("%s: needs at least one bind or connect endpoint", field)
	}
	for _, ep := range append(append([]string(nil), s.Bind...), s.Connect...) {
		if _, err := mq.ParseEndpoint(ep); err != nil {
			invalid("%s: %v", field, err)
		}
	}
	if s.SendHWM != nil && *s.SendHWM < 0 {
		invalid("%s.send_hwm must not be negative", field)
	}
	if s.RecvHWM != nil && *s.RecvHWM < 0 {
		invalid("%s.recv_hwm must not be negative", field)
	}
	if len(s.Subscribe) > 0 && err == nil && p != mq.Sub {
		invalid("%s.subscribe is only valid for SUB sockets", field)
	}
}
