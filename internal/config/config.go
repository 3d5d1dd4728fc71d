// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the icslisten configuration from defaults, a YAML or
// TOML file, ICSLISTEN_* environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/edgeo-scada/icsnpp-listeners/internal/logging"
	"github.com/edgeo-scada/icsnpp-listeners/stub"
)

// EnvPrefix prefixes environment variable overrides, e.g. ICSLISTEN_BIND.
const EnvPrefix = "ICSLISTEN"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Ports holds the listening port of every protocol. C12.22 uses one port for
// both transports.
type Ports struct {
	Modbus     int `mapstructure:"modbus" yaml:"modbus" toml:"modbus"`
	DNP3       int `mapstructure:"dnp3" yaml:"dnp3" toml:"dnp3"`
	ENIP       int `mapstructure:"enip" yaml:"enip" toml:"enip"`
	S7         int `mapstructure:"s7" yaml:"s7" toml:"s7"`
	BACnet     int `mapstructure:"bacnet" yaml:"bacnet" toml:"bacnet"`
	GESRTP     int `mapstructure:"gesrtp" yaml:"gesrtp" toml:"gesrtp"`
	Genisys    int `mapstructure:"genisys" yaml:"genisys" toml:"genisys"`
	SynchroTCP int `mapstructure:"synchro_tcp" yaml:"synchro_tcp" toml:"synchro_tcp"`
	SynchroUDP int `mapstructure:"synchro_udp" yaml:"synchro_udp" toml:"synchro_udp"`
	C1222      int `mapstructure:"c1222" yaml:"c1222" toml:"c1222"`
}

// Log configures process logging.
type Log struct {
	Level       string `mapstructure:"level" yaml:"level" toml:"level"`
	Format      string `mapstructure:"format" yaml:"format" toml:"format"`
	Connections bool   `mapstructure:"connections" yaml:"connections" toml:"connections"`
}

// Modbus configures the register-store server.
type Modbus struct {
	RegisterSpace            int `mapstructure:"register_space" yaml:"register_space" toml:"register_space"`
	MaxRequests              int `mapstructure:"max_requests" yaml:"max_requests" toml:"max_requests"`
	ConnectionTimeoutSeconds int `mapstructure:"connection_timeout_seconds" yaml:"connection_timeout_seconds" toml:"connection_timeout_seconds"`
	ReadTimeoutSeconds       int `mapstructure:"read_timeout_seconds" yaml:"read_timeout_seconds" toml:"read_timeout_seconds"`
	MaxConnections           int `mapstructure:"max_connections" yaml:"max_connections" toml:"max_connections"`
	WriteRegisterLimit       int `mapstructure:"write_register_limit" yaml:"write_register_limit" toml:"write_register_limit"`
}

// Config is the effective icslisten configuration.
type Config struct {
	Bind    string   `mapstructure:"bind" yaml:"bind" toml:"bind"`
	Ports   Ports    `mapstructure:"ports" yaml:"ports" toml:"ports"`
	Disable []string `mapstructure:"disable" yaml:"disable" toml:"disable"`
	Log     Log      `mapstructure:"log" yaml:"log" toml:"log"`
	Daemon  bool     `mapstructure:"daemon" yaml:"daemon" toml:"daemon"`
	PIDFile string   `mapstructure:"pid_file" yaml:"pid_file" toml:"pid_file"`
	Quiet   bool     `mapstructure:"quiet" yaml:"quiet" toml:"quiet"`
	Capture string   `mapstructure:"capture" yaml:"capture" toml:"capture"`
	Modbus  Modbus   `mapstructure:"modbus" yaml:"modbus" toml:"modbus"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Bind: "0.0.0.0",
		Ports: Ports{
			Modbus:     502,
			DNP3:       20000,
			ENIP:       44818,
			S7:         102,
			BACnet:     47808,
			GESRTP:     18245,
			Genisys:    10001,
			SynchroTCP: 4712,
			SynchroUDP: 4713,
			C1222:      1153,
		},
		Disable: []string{},
		Log: Log{
			Level:  "INFO",
			Format: string(logging.FormatConsole),
		},
		Modbus: Modbus{
			RegisterSpace:            20000,
			MaxRequests:              1000,
			ConnectionTimeoutSeconds: 300,
			ReadTimeoutSeconds:       10,
			WriteRegisterLimit:       123,
		},
	}
}

// Listeners returns every listener name in startup order.
func Listeners() []string {
	return append([]string{"modbus"}, stub.Names()...)
}

// SetDefaults registers Default() with v and enables environment overrides.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bind", d.Bind)
	v.SetDefault("ports.modbus", d.Ports.Modbus)
	v.SetDefault("ports.dnp3", d.Ports.DNP3)
	v.SetDefault("ports.enip", d.Ports.ENIP)
	v.SetDefault("ports.s7", d.Ports.S7)
	v.SetDefault("ports.bacnet", d.Ports.BACnet)
	v.SetDefault("ports.gesrtp", d.Ports.GESRTP)
	v.SetDefault("ports.genisys", d.Ports.Genisys)
	v.SetDefault("ports.synchro_tcp", d.Ports.SynchroTCP)
	v.SetDefault("ports.synchro_udp", d.Ports.SynchroUDP)
	v.SetDefault("ports.c1222", d.Ports.C1222)
	v.SetDefault("disable", d.Disable)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.connections", d.Log.Connections)
	v.SetDefault("daemon", d.Daemon)
	v.SetDefault("pid_file", d.PIDFile)
	v.SetDefault("quiet", d.Quiet)
	v.SetDefault("capture", d.Capture)
	v.SetDefault("modbus.register_space", d.Modbus.RegisterSpace)
	v.SetDefault("modbus.max_requests", d.Modbus.MaxRequests)
	v.SetDefault("modbus.connection_timeout_seconds", d.Modbus.ConnectionTimeoutSeconds)
	v.SetDefault("modbus.read_timeout_seconds", d.Modbus.ReadTimeoutSeconds)
	v.SetDefault("modbus.max_connections", d.Modbus.MaxConnections)
	v.SetDefault("modbus.write_register_limit", d.Modbus.WriteRegisterLimit)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Disable = splitList(cfg.Disable)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// splitList flattens comma- or space-separated entries, which is how a list
// arrives from an environment variable.
func splitList(in []string) []string {
	out := []string{}
	for _, s := range in {
		for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
			out = append(out, strings.ToLower(f))
		}
	}
	return out
}

// Validate checks ports, listener names, limits and log settings.
func (c Config) Validate() error {
	for _, name := range Listeners() {
		if p := c.Port(name); p < 0 || p > 65535 {
			return fmt.Errorf("%w: %s port %d out of range", ErrInvalid, name, p)
		}
	}
	known := Listeners()
	for _, name := range c.Disable {
		if !slices.Contains(known, name) {
			return fmt.Errorf("%w: unknown listener %q in disable (valid: %s)",
				ErrInvalid, name, strings.Join(known, " "))
		}
	}

	m := c.Modbus
	switch {
	case m.RegisterSpace <= 0 || m.RegisterSpace > 65536:
		return fmt.Errorf("%w: modbus register_space %d not in 1..65536", ErrInvalid, m.RegisterSpace)
	case m.MaxRequests <= 0:
		return fmt.Errorf("%w: modbus max_requests must be positive", ErrInvalid)
	case m.ConnectionTimeoutSeconds <= 0:
		return fmt.Errorf("%w: modbus connection_timeout_seconds must be positive", ErrInvalid)
	case m.ReadTimeoutSeconds <= 0:
		return fmt.Errorf("%w: modbus read_timeout_seconds must be positive", ErrInvalid)
	case m.MaxConnections < 0:
		return fmt.Errorf("%w: modbus max_connections must not be negative", ErrInvalid)
	case m.WriteRegisterLimit < 0:
		return fmt.Errorf("%w: modbus write_register_limit must not be negative", ErrInvalid)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := logging.ParseFormat(c.Log.Format); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Port returns the configured port of a listener, or -1 for an unknown name.
func (c Config) Port(listener string) int {
	switch listener {
	case "modbus":
		return c.Ports.Modbus
	case "dnp3":
		return c.Ports.DNP3
	case "enip":
		return c.Ports.ENIP
	case "s7":
		return c.Ports.S7
	case "bacnet":
		return c.Ports.BACnet
	case "gesrtp":
		return c.Ports.GESRTP
	case "genisys":
		return c.Ports.Genisys
	case "synchrotcp":
		return c.Ports.SynchroTCP
	case "synchroudp":
		return c.Ports.SynchroUDP
	case "c1222tcp", "c1222udp":
		return c.Ports.C1222
	}
	return -1
}

// Enabled reports whether listener is not disabled.
func (c Config) Enabled(listener string) bool {
	return !slices.Contains(c.Disable, listener)
}

// Encode writes c to w as "yaml" or "toml".
func Encode(w io.Writer, c Config, format string) error {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	case "toml":
		return toml.NewEncoder(w).Encode(c)
	}
	return fmt.Errorf("unsupported config format %q", format)
}
