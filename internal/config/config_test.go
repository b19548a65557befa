package config

import (
	"errors"
	"testing"
	"time"
)

func TestParseAcceptsBareSecondIntervals(t *testing.T) {
	c, err := Parse([]string{
		"--tcp", "pci:10001",
		"--broker-address", "broker",
		"--broker-keepalive", "60",
		"--timesync", "300",
		"--status-resync", "120",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.BrokerKeepalive != 60*time.Second {
		t.Fatalf("BrokerKeepalive = %v, want 60s", c.BrokerKeepalive)
	}
	if c.TimesyncInterval != 300*time.Second {
		t.Fatalf("TimesyncInterval = %v, want 300s", c.TimesyncInterval)
	}
	if c.StatusResyncInterval != 120*time.Second {
		t.Fatalf("StatusResyncInterval = %v, want 120s", c.StatusResyncInterval)
	}
}

func TestParseTimesyncZeroDisables(t *testing.T) {
	c, err := Parse([]string{
		"--tcp", "pci:10001",
		"--broker-address", "broker",
		"--timesync", "0",
		"--status-resync", "0",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.TimesyncInterval != 0 {
		t.Fatalf("TimesyncInterval = %v, want 0 (disabled)", c.TimesyncInterval)
	}
	if c.StatusResyncInterval != 0 {
		t.Fatalf("StatusResyncInterval = %v, want 0 (disabled)", c.StatusResyncInterval)
	}
}

func TestParseRequiresPCITarget(t *testing.T) {
	_, err := Parse([]string{"--broker-address", "broker"})
	var argErr *ArgError
	if !errors.As(err, &argErr) {
		t.Fatalf("got %v, want an ArgError for a missing PCI target", err)
	}
}

func TestParseRejectsUnpairedClientCert(t *testing.T) {
	_, err := Parse([]string{
		"--tcp", "pci:10001",
		"--broker-address", "broker",
		"--broker-client-cert", "cert.pem",
	})
	var argErr *ArgError
	if !errors.As(err, &argErr) {
		t.Fatalf("got %v, want an ArgError for a cert without a key", err)
	}
}

func TestParsePortDefaultsFollowTLS(t *testing.T) {
	c, err := Parse([]string{"--tcp", "pci:10001", "--broker-address", "broker"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.BrokerPort != 8883 {
		t.Fatalf("BrokerPort = %d, want 8883 with TLS enabled", c.BrokerPort)
	}

	c, err = Parse([]string{"--tcp", "pci:10001", "--broker-address", "broker", "--broker-disable-tls"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.BrokerPort != 1883 {
		t.Fatalf("BrokerPort = %d, want 1883 with TLS disabled", c.BrokerPort)
	}
}
