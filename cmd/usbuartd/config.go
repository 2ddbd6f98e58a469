package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/device/usbuart"
	"github.com/ardnew/usbuart/pkg"
)

// fileConfig is the YAML configuration file layout.
type fileConfig struct {
	Speed          string        `yaml:"speed"`
	Baud           uint32        `yaml:"baud"`
	StopBits       int           `yaml:"stop_bits"`
	Parity         string        `yaml:"parity"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	HeartbeatEvery uint32        `yaml:"heartbeat_every"`
	BufferCount    uint16        `yaml:"buffer_count"`
	SerialPort     string        `yaml:"serial_port"`
	Loopback       bool          `yaml:"loopback"`
	Debug          *bool         `yaml:"debug"`
	LogLevel       string        `yaml:"log_level"`
}

// options is the resolved daemon configuration.
type options struct {
	speed      hal.Speed
	device     usbuart.Config
	serialPort string
	loopback   bool
	logLevel   string
}

func defaultOptions() options {
	return options{
		speed:    hal.SpeedHigh,
		device:   usbuart.DefaultConfig(),
		logLevel: "info",
	}
}

// loadConfig reads a YAML configuration file on top of the defaults.
func loadConfig(path string) (options, error) {
	opts := defaultOptions()
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("read config: %w", err)
	}
	if err := opts.apply(data); err != nil {
		return opts, fmt.Errorf("config %s: %w", path, err)
	}
	return opts, nil
}

func (o *options) apply(data []byte) error {
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return err
	}

	if fc.Speed != "" {
		speed, err := parseSpeed(fc.Speed)
		if err != nil {
			return err
		}
		o.speed = speed
	}
	if fc.Baud != 0 {
		o.device.LineCoding.BaudRate = fc.Baud
	}
	switch fc.StopBits {
	case 0:
	case 1:
		o.device.LineCoding.StopBits = hal.StopBitsOne
	case 2:
		o.device.LineCoding.StopBits = hal.StopBitsTwo
	default:
		return fmt.Errorf("%w: stop_bits %d", pkg.ErrInvalidParameter, fc.StopBits)
	}
	if fc.Parity != "" {
		parity, err := parseParity(fc.Parity)
		if err != nil {
			return err
		}
		o.device.LineCoding.Parity = parity
	}
	if fc.FlushInterval < 0 {
		return fmt.Errorf("%w: flush_interval %v", pkg.ErrInvalidParameter, fc.FlushInterval)
	}
	if fc.FlushInterval > 0 {
		o.device.Flusher.Interval = fc.FlushInterval
	}
	if fc.HeartbeatEvery != 0 {
		o.device.Flusher.HeartbeatEvery = fc.HeartbeatEvery
	}
	if fc.BufferCount != 0 {
		o.device.Bridge.BufferCount = fc.BufferCount
	}
	if fc.Debug != nil {
		o.device.NoDebug = !*fc.Debug
	}
	if fc.LogLevel != "" {
		if _, err := pkg.ParseLogLevel(fc.LogLevel); err != nil {
			return err
		}
		o.logLevel = fc.LogLevel
	}
	o.serialPort = fc.SerialPort
	o.loopback = fc.Loopback
	return nil
}

func parseSpeed(s string) (hal.Speed, error) {
	switch strings.ToLower(s) {
	case "full", "fs":
		return hal.SpeedFull, nil
	case "high", "hs":
		return hal.SpeedHigh, nil
	case "super", "ss":
		return hal.SpeedSuper, nil
	case "low", "ls":
		return hal.SpeedLow, nil
	default:
		return hal.SpeedUnknown, fmt.Errorf("%w: speed %q", pkg.ErrInvalidParameter, s)
	}
}

func parseParity(s string) (hal.Parity, error) {
	switch strings.ToLower(s) {
	case "none", "n":
		return hal.ParityNone, nil
	case "odd", "o":
		return hal.ParityOdd, nil
	case "even", "e":
		return hal.ParityEven, nil
	default:
		return hal.ParityNone, fmt.Errorf("%w: parity %q", pkg.ErrInvalidParameter, s)
	}
}
