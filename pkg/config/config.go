// Package config provides configuration management for the anonet node.
package config

import (
	"fmt"
	"time"

	"github.com/opd-ai/go-tor/pkg/autoconfig"
)

// Config represents the anonet node configuration.
type Config struct {
	// Network settings. Defaults follow spec.md §6: 51820 LAN beacon,
	// 51821 DHT, 51822 reliable-UDP data plane.
	BeaconPort    int    // LAN discovery beacon port (default: 51820)
	DHTPort       int    // Kademlia DHT UDP port (default: 51821)
	DataPort      int    // Reliable UDP data-plane port (default: 51822)
	DataDirectory string // Directory for persistent state (identity, contacts)

	// DHT tuning
	BucketSize          int           // K, contacts per k-bucket (default: 20)
	Alpha               int           // concurrency of iterative lookups (default: 3)
	RepublishInterval    time.Duration // re-announce period (default: 30m)
	RecordExpiry         time.Duration // stored record lifetime (default: 2h)
	BootstrapNodes       []string      // "host:port" seed nodes for DHT join

	// NAT traversal
	STUNServers      []string      // STUN servers to probe, in order
	PunchActiveWindow  time.Duration // active hole-punch duration (default: 5s)
	PunchPassiveWindow time.Duration // passive hole-punch duration (default: 5s)

	// Reliable UDP (RUDP) transport
	RUDPWindowSize    int           // sliding window size in segments (default: 32)
	RUDPRetransmitMin time.Duration // minimum retransmit timeout (default: 200ms)
	RUDPRetransmitMax time.Duration // maximum retransmit timeout (default: 5s)
	RUDPMaxRetries    int           // retransmit attempts before giving up (default: 10)

	// Relay settings (used when running as a relay node)
	RelayListenAddr    string        // TCP listen address for relay service
	RelaySessionTimeout time.Duration // idle session timeout (default: 5m)
	RelayRateBurst      int           // token-bucket burst size per source IP (default: 10)
	RelayRatePerSecond  float64       // token-bucket refill rate per source IP (default: 1)
	RelayServers        []string      // known relay addresses to fall back to when a direct hole punch fails

	// Onion overlay
	CircuitLifetime time.Duration // default circuit lifetime (default: 10m)

	// File transfer
	ChunkSize int // nominal chunk size in bytes (default: 1024)

	// Logging
	LogLevel string // Log level: debug, info, warn, error (default: info)

	// Metrics
	MetricsPort   int  // Prometheus /metrics HTTP port (default: 0 = disabled)
	EnableMetrics bool // Enable the metrics endpoint (default: false)
}

// DefaultConfig returns a configuration with sensible defaults. It
// auto-detects the data directory for the current platform and picks
// ports that work without special privileges.
func DefaultConfig() *Config {
	dataDir, err := autoconfig.GetDefaultDataDir()
	if err != nil {
		dataDir = "./anonet-data"
	}

	return &Config{
		BeaconPort:    autoconfig.FindAvailablePort(51820),
		DHTPort:       autoconfig.FindAvailablePort(51821),
		DataPort:      autoconfig.FindAvailablePort(51822),
		DataDirectory: dataDir,

		BucketSize:        20,
		Alpha:             3,
		RepublishInterval: 30 * time.Minute,
		RecordExpiry:      2 * time.Hour,
		BootstrapNodes:    []string{},

		STUNServers:        []string{"stun.l.google.com:19302"},
		PunchActiveWindow:  5 * time.Second,
		PunchPassiveWindow: 5 * time.Second,

		RUDPWindowSize:    32,
		RUDPRetransmitMin: 200 * time.Millisecond,
		RUDPRetransmitMax: 5 * time.Second,
		RUDPMaxRetries:    10,

		RelayListenAddr:     "0.0.0.0:51823",
		RelaySessionTimeout: 5 * time.Minute,
		RelayRateBurst:      10,
		RelayRatePerSecond:  1,
		RelayServers:        []string{},

		CircuitLifetime: 10 * time.Minute,

		ChunkSize: 1024,

		LogLevel: "info",

		MetricsPort:   0,
		EnableMetrics: false,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"BeaconPort":  c.BeaconPort,
		"DHTPort":     c.DHTPort,
		"DataPort":    c.DataPort,
		"MetricsPort": c.MetricsPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s: %d", name, port)
		}
	}

	usedPorts := make(map[int]string)
	for name, port := range map[string]int{"BeaconPort": c.BeaconPort, "DHTPort": c.DHTPort, "DataPort": c.DataPort} {
		if port == 0 {
			continue
		}
		if existing, exists := usedPorts[port]; exists {
			return fmt.Errorf("port conflict: %s (%d) conflicts with %s", name, port, existing)
		}
		usedPorts[port] = name
	}
	if c.MetricsPort > 0 {
		if existing, exists := usedPorts[c.MetricsPort]; exists {
			return fmt.Errorf("port conflict: MetricsPort (%d) conflicts with %s", c.MetricsPort, existing)
		}
	}

	if c.BucketSize < 1 {
		return fmt.Errorf("BucketSize must be at least 1")
	}
	if c.Alpha < 1 {
		return fmt.Errorf("Alpha must be at least 1")
	}
	if c.RepublishInterval <= 0 {
		return fmt.Errorf("RepublishInterval must be positive")
	}
	if c.RecordExpiry <= 0 {
		return fmt.Errorf("RecordExpiry must be positive")
	}
	if c.RUDPWindowSize < 1 {
		return fmt.Errorf("RUDPWindowSize must be at least 1")
	}
	if c.RUDPRetransmitMin <= 0 || c.RUDPRetransmitMax < c.RUDPRetransmitMin {
		return fmt.Errorf("invalid RUDP retransmit bounds: min=%v max=%v", c.RUDPRetransmitMin, c.RUDPRetransmitMax)
	}
	if c.RUDPMaxRetries < 1 {
		return fmt.Errorf("RUDPMaxRetries must be at least 1")
	}
	if c.RelayRateBurst < 1 {
		return fmt.Errorf("RelayRateBurst must be at least 1")
	}
	if c.RelayRatePerSecond <= 0 {
		return fmt.Errorf("RelayRatePerSecond must be positive")
	}
	if c.ChunkSize < 1 {
		return fmt.Errorf("ChunkSize must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid LogLevel: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.BootstrapNodes = append([]string{}, c.BootstrapNodes...)
	clone.STUNServers = append([]string{}, c.STUNServers...)
	clone.RelayServers = append([]string{}, c.RelayServers...)
	return &clone
}
