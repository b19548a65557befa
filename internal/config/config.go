// Package config parses the gateway's CLI surface with the standard flag
// package and resolves TLS material and logging verbosity from flags and
// environment.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/mitchell-johnson/cbus/internal/labelmap"
)

// ArgError signals a configuration/argument problem; the caller should exit
// with status 2.
type ArgError struct{ msg string }

func (e *ArgError) Error() string { return e.msg }

func argErrorf(format string, args ...any) error {
	return &ArgError{msg: fmt.Sprintf(format, args...)}
}

// Config is the fully resolved, validated configuration for one gateway
// run.
type Config struct {
	PCITCPAddr string
	PCISerial  string

	BrokerAddress    string
	BrokerPort       int
	BrokerKeepalive  time.Duration
	BrokerDisableTLS bool
	BrokerUsername   string
	BrokerPassword   string
	BrokerCA         string
	BrokerClientCert string
	BrokerClientKey  string

	TimesyncInterval     time.Duration
	HandleClockRequests  bool
	StatusResyncInterval time.Duration

	ProjectFile  string
	CBusNetworks []string
	Labels       labelmap.Map

	LogFile   string
	Verbosity string

	MetricsAddr string
}

// stringList implements flag.Value to collect a repeatable flag into a
// slice, the way multiple --cbus-network NAME occurrences accumulate.
type stringList struct{ values *[]string }

func (s stringList) String() string {
	if s.values == nil {
		return ""
	}
	return strings.Join(*s.values, ",")
}

func (s stringList) Set(v string) error {
	*s.values = append(*s.values, v)
	return nil
}

// Parse parses args (typically os.Args[1:]) into a Config, returning an
// *ArgError for malformed or missing required arguments.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("cbusd", flag.ContinueOnError)
	fs.Usage = func() {}

	c := &Config{}
	fs.StringVar(&c.PCITCPAddr, "tcp", "", "PCI/CNI TCP address (host:port)")
	fs.StringVar(&c.PCISerial, "serial", "", "PCI serial device path")

	fs.StringVar(&c.BrokerAddress, "broker-address", "", "MQTT broker host (required)")
	fs.IntVar(&c.BrokerPort, "broker-port", 0, "MQTT broker port (0 = auto: 1883 plaintext, 8883 TLS)")
	brokerKeepalive := fs.Int("broker-keepalive", 60, "MQTT keepalive interval in seconds")
	fs.BoolVar(&c.BrokerDisableTLS, "broker-disable-tls", false, "disable TLS to the broker")
	authFile := fs.String("broker-auth", "", "path to a 2-line username/password file")
	fs.StringVar(&c.BrokerCA, "broker-ca", "", "path to a CA certificate PEM to trust")
	fs.StringVar(&c.BrokerClientCert, "broker-client-cert", "", "path to a client certificate PEM")
	fs.StringVar(&c.BrokerClientKey, "broker-client-key", "", "path to a client key PEM")

	timesync := fs.Int("timesync", 300, "clock broadcast interval in seconds, 0 disables")
	noClock := fs.Bool("no-clock", false, "disable responding to clock-request SALs")
	statusResync := fs.Int("status-resync", 300, "status resync interval in seconds, 0 disables")

	fs.StringVar(&c.ProjectFile, "project-file", "", "path to a YAML label-map file (Toolkit CBZ/XML files are not parsed)")
	fs.Var(stringList{&c.CBusNetworks}, "cbus-network", "C-Bus network name (repeatable); collected but not used when loading labels")

	fs.StringVar(&c.LogFile, "log-file", "", "path to a log file; stderr if unset")
	fs.StringVar(&c.Verbosity, "verbosity", "", "log verbosity: CRITICAL, ERROR, WARNING, INFO, DEBUG")

	fs.StringVar(&c.MetricsAddr, "metrics-addr", "", "address to serve /metrics on (empty disables it)")

	if err := fs.Parse(args); err != nil {
		return nil, argErrorf("parsing arguments: %v", err)
	}

	c.HandleClockRequests = !*noClock
	c.BrokerKeepalive = time.Duration(*brokerKeepalive) * time.Second
	c.TimesyncInterval = time.Duration(*timesync) * time.Second
	c.StatusResyncInterval = time.Duration(*statusResync) * time.Second

	if c.PCITCPAddr == "" && c.PCISerial == "" {
		return nil, argErrorf("one of --tcp or --serial is required")
	}
	if c.BrokerAddress == "" {
		return nil, argErrorf("--broker-address is required")
	}
	if (c.BrokerClientCert == "") != (c.BrokerClientKey == "") {
		return nil, argErrorf("--broker-client-cert and --broker-client-key must be supplied together")
	}
	if c.BrokerPort == 0 {
		if c.BrokerDisableTLS {
			c.BrokerPort = 1883
		} else {
			c.BrokerPort = 8883
		}
	}

	if *authFile != "" {
		user, pass, err := readAuthFile(*authFile)
		if err != nil {
			return nil, argErrorf("reading --broker-auth file: %v", err)
		}
		c.BrokerUsername, c.BrokerPassword = user, pass
	}

	if c.Verbosity == "" {
		if v := os.Getenv("CMQTTD_VERBOSITY"); v != "" {
			c.Verbosity = v
		} else {
			c.Verbosity = "INFO"
		}
	}

	if c.ProjectFile != "" {
		data, err := os.ReadFile(c.ProjectFile)
		if err != nil {
			return nil, argErrorf("reading --project-file: %v", err)
		}
		labels, err := labelmap.LoadYAML(data)
		if err != nil {
			return nil, argErrorf("parsing --project-file: %v", err)
		}
		c.Labels = labels
	} else {
		c.Labels = labelmap.Map{}
	}

	return c, nil
}

func readAuthFile(path string) (user, pass string, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	lines := strings.SplitN(strings.TrimRight(string(data), "\n"), "\n", 2)
	if len(lines) != 2 {
		return "", "", fmt.Errorf("expected exactly 2 lines (username, password), got %d", len(lines))
	}
	return lines[0], lines[1], nil
}

// TLSConfig builds the broker-facing tls.Config implied by the flags, or
// nil when TLS is disabled.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if c.BrokerDisableTLS {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.BrokerCA != "" {
		pem, err := os.ReadFile(c.BrokerCA)
		if err != nil {
			return nil, fmt.Errorf("config: reading --broker-ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: --broker-ca contains no usable certificates")
		}
		cfg.RootCAs = pool
	}

	if c.BrokerClientCert != "" {
		cert, err := tls.LoadX509KeyPair(c.BrokerClientCert, c.BrokerClientKey)
		if err != nil {
			return nil, fmt.Errorf("config: loading client certificate/key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// Logger builds the process logger, writing to --log-file when set and
// stderr otherwise. Log lines carry their severity inline
// (warning:/error:), so verbosity is validated separately.
func (c *Config) Logger() (*log.Logger, error) {
	out := os.Stderr
	if c.LogFile != "" {
		f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("config: opening --log-file: %w", err)
		}
		return log.New(f, "", log.LstdFlags|log.Lmicroseconds), nil
	}
	return log.New(out, "", log.LstdFlags|log.Lmicroseconds), nil
}

var validVerbosity = map[string]bool{
	"CRITICAL": true, "ERROR": true, "WARNING": true, "INFO": true, "DEBUG": true,
}

// ValidateVerbosity rejects an unrecognised --verbosity value.
func (c *Config) ValidateVerbosity() error {
	if !validVerbosity[strings.ToUpper(c.Verbosity)] {
		return argErrorf("--verbosity %q is not one of CRITICAL, ERROR, WARNING, INFO, DEBUG", c.Verbosity)
	}
	c.Verbosity = strings.ToUpper(c.Verbosity)
	return nil
}
