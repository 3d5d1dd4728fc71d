package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/icsnpp-listeners/internal/config"
)

var (
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "icslisten",
	Short: "ICS protocol listeners for analyzer testing",
	Long: `icslisten serves industrial protocols on their native ports so that passive
analyzers can be exercised against realistic traffic without real devices.

Listeners:
  modbus      Modbus TCP with a shared register store (502/tcp)
  dnp3        DNP3 outstation (20000/tcp)
  enip        EtherNet/IP encapsulation with CIP (44818/tcp)
  s7          S7comm over ISO-on-TCP (102/tcp)
  bacnet      BACnet/IP (47808/udp)
  gesrtp      GE SRTP (18245/tcp)
  genisys     Genisys (10001/tcp)
  synchrotcp  IEEE C37.118 (4712/tcp)
  synchroudp  IEEE C37.118 (4713/udp)
  c1222tcp    ANSI C12.22 (1153/tcp)
  c1222udp    ANSI C12.22 (1153/udp)

Examples:
  # Serve everything on all interfaces
  icslisten

  # Unprivileged ports, without BACnet
  icslisten --modbus-port 5020 --s7-port 1102 --disable bacnet

  # Record every exchange to a pcap
  icslisten --capture /tmp/ics.pcap --log-connections

  # Check a running instance
  icslisten probe --host 192.168.1.50`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runListeners,
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file, YAML or TOML (default: $HOME/.icslisten.yaml)")
	pf.String("log-level", "INFO", "Log level: DEBUG, INFO, WARNING, ERROR")
	pf.String("log-format", "console", "Log format: console, text, json")
	pf.BoolVar(&noColor, "no-color", false, "Disable color output")

	f := rootCmd.Flags()
	f.String("bind", "0.0.0.0", "IP address to bind to")
	f.Int("modbus-port", 502, "Modbus TCP port")
	f.Int("dnp3-port", 20000, "DNP3 port")
	f.Int("enip-port", 44818, "EtherNet/IP port")
	f.Int("s7-port", 102, "S7comm port")
	f.Int("bacnet-port", 47808, "BACnet/IP UDP port")
	f.Int("gesrtp-port", 18245, "GE SRTP port")
	f.Int("genisys-port", 10001, "Genisys port")
	f.Int("synchro-tcp-port", 4712, "C37.118 TCP port")
	f.Int("synchro-udp-port", 4713, "C37.118 UDP port")
	f.Int("c1222-port", 1153, "C12.22 port (TCP and UDP)")
	f.StringSlice("disable", nil, "Listeners to disable: "+strings.Join(config.Listeners(), " "))
	f.Bool("log-connections", false, "Log connection open and close at INFO")
	f.Bool("daemon", false, "Run headless, logging to syslog or "+os.TempDir()+"/icsnpp_listeners.log")
	f.String("pid-file", "", "Write the process ID to this file")
	f.Bool("quiet", false, "Suppress the startup banner")
	f.String("capture", "", "Write served exchanges to this pcap file")

	f.Int("modbus-register-space", 20000, "Length of each Modbus register region")
	f.Int("modbus-max-requests", 1000, "Modbus requests per connection")
	f.Int("modbus-connection-timeout", 300, "Modbus connection lifetime in seconds")
	f.Int("modbus-read-timeout", 10, "Modbus read timeout in seconds")
	f.Int("modbus-max-connections", 0, "Concurrent Modbus connections (0 = unlimited)")
	f.Int("modbus-write-limit", 123, "Largest FC16 write quantity (0 = wire limit)")

	bindFlags(pf, map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
	})
	bindFlags(f, map[string]string{
		"bind":                              "bind",
		"ports.modbus":                      "modbus-port",
		"ports.dnp3":                        "dnp3-port",
		"ports.enip":                        "enip-port",
		"ports.s7":                          "s7-port",
		"ports.bacnet":                      "bacnet-port",
		"ports.gesrtp":                      "gesrtp-port",
		"ports.genisys":                     "genisys-port",
		"ports.synchro_tcp":                 "synchro-tcp-port",
		"ports.synchro_udp":                 "synchro-udp-port",
		"ports.c1222":                       "c1222-port",
		"disable":                           "disable",
		"log.connections":                   "log-connections",
		"daemon":                            "daemon",
		"pid_file":                          "pid-file",
		"quiet":                             "quiet",
		"capture":                           "capture",
		"modbus.register_space":             "modbus-register-space",
		"modbus.max_requests":               "modbus-max-requests",
		"modbus.connection_timeout_seconds": "modbus-connection-timeout",
		"modbus.read_timeout_seconds":       "modbus-read-timeout",
		"modbus.max_connections":            "modbus-max-connections",
		"modbus.write_register_limit":       "modbus-write-limit",
	})

	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(configCmd)
}

func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		viper.BindPFlag(key, fs.Lookup(name))
	}
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigName(".icslisten")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
	}
}

// logChangedFlags records which flags were set explicitly, since they take
// precedence over the config file.
func logChangedFlags(cmd *cobra.Command, logger *slog.Logger) {
	cmd.Flags().Visit(func(f *pflag.Flag) {
		logger.Debug("flag set", slog.String("flag", f.Name), slog.String("value", f.Value.String()))
	})
}
