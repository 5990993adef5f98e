// Package config provides configuration file loading for anonetrc-style files.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LoadFromFile loads configuration from an anonetrc-compatible file.
// It parses the file line by line and updates the provided config.
// Lines starting with # are comments. Each line follows the format:
// Key Value.
func LoadFromFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Open(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 1 {
			continue
		}

		key := parts[0]
		value := ""
		if len(parts) > 1 {
			value = strings.Join(parts[1:], " ")
		}

		if err := processConfigOption(cfg, key, value); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

func processConfigOption(cfg *Config, key, value string) error {
	switch key {
	case "BeaconPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BeaconPort value: %s", value)
		}
		cfg.BeaconPort = port

	case "DHTPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DHTPort value: %s", value)
		}
		cfg.DHTPort = port

	case "DataPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid DataPort value: %s", value)
		}
		cfg.DataPort = port

	case "DataDirectory":
		cfg.DataDirectory = value

	case "BucketSize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BucketSize value: %s", value)
		}
		cfg.BucketSize = n

	case "Alpha":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid Alpha value: %s", value)
		}
		cfg.Alpha = n

	case "RepublishInterval":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid RepublishInterval: %w", err)
		}
		cfg.RepublishInterval = d

	case "RecordExpiry":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid RecordExpiry: %w", err)
		}
		cfg.RecordExpiry = d

	case "BootstrapNode":
		cfg.BootstrapNodes = append(cfg.BootstrapNodes, value)

	case "STUNServer":
		cfg.STUNServers = append(cfg.STUNServers, value)

	case "RUDPWindowSize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid RUDPWindowSize value: %s", value)
		}
		cfg.RUDPWindowSize = n

	case "RelayListenAddr":
		cfg.RelayListenAddr = value

	case "RelayServer":
		cfg.RelayServers = append(cfg.RelayServers, value)

	case "RelaySessionTimeout":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid RelaySessionTimeout: %w", err)
		}
		cfg.RelaySessionTimeout = d

	case "CircuitLifetime":
		d, err := parseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid CircuitLifetime: %w", err)
		}
		cfg.CircuitLifetime = d

	case "ChunkSize":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid ChunkSize value: %s", value)
		}
		cfg.ChunkSize = n

	case "LogLevel":
		cfg.LogLevel = strings.ToLower(value)

	case "MetricsPort":
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid MetricsPort value: %s", value)
		}
		cfg.MetricsPort = port

	case "EnableMetrics":
		cfg.EnableMetrics = parseBool(value)

	default:
		// Silently ignore unknown options for forward compatibility.
	}

	return nil
}

// parseDuration parses a duration string with support for common time
// units: seconds (s), minutes (m), hours (h), days (d).
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration format: %s", s)
	}

	suffix := s[len(s)-1:]
	valueStr := s[:len(s)-1]

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", s)
	}

	switch suffix {
	case "s", "S":
		return time.Duration(value) * time.Second, nil
	case "m", "M":
		return time.Duration(value) * time.Minute, nil
	case "h", "H":
		return time.Duration(value) * time.Hour, nil
	case "d", "D":
		return time.Duration(value) * 24 * time.Hour, nil
	default:
		val, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s", s)
		}
		return time.Duration(val) * time.Second, nil
	}
}

// parseBool parses a boolean value from various string formats.
// Accepts: 1/0, true/false, yes/no, on/off (case-insensitive).
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return false
	}
}

// validatePath validates a file path to prevent directory traversal attacks.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("invalid path: directory traversal detected")
	}

	if !filepath.IsAbs(path) && filepath.IsAbs(cleanPath) {
		return fmt.Errorf("invalid path: attempts to escape working directory")
	}

	return nil
}

// SaveToFile saves the configuration to an anonetrc-compatible file.
func SaveToFile(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validatePath(path); err != nil {
		return fmt.Errorf("path validation failed: %w", err)
	}

	file, err := os.Create(path) // #nosec G304 - path is validated by validatePath
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	fmt.Fprintf(writer, "# anonet configuration file\n")
	fmt.Fprintf(writer, "# Generated automatically - edit with care\n\n")

	fmt.Fprintf(writer, "# Network Settings\n")
	fmt.Fprintf(writer, "BeaconPort %d\n", cfg.BeaconPort)
	fmt.Fprintf(writer, "DHTPort %d\n", cfg.DHTPort)
	fmt.Fprintf(writer, "DataPort %d\n", cfg.DataPort)
	fmt.Fprintf(writer, "DataDirectory %s\n\n", cfg.DataDirectory)

	fmt.Fprintf(writer, "# DHT Settings\n")
	fmt.Fprintf(writer, "BucketSize %d\n", cfg.BucketSize)
	fmt.Fprintf(writer, "Alpha %d\n", cfg.Alpha)
	fmt.Fprintf(writer, "RepublishInterval %s\n", formatDuration(cfg.RepublishInterval))
	fmt.Fprintf(writer, "RecordExpiry %s\n", formatDuration(cfg.RecordExpiry))
	for _, node := range cfg.BootstrapNodes {
		fmt.Fprintf(writer, "BootstrapNode %s\n", node)
	}
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "# NAT Traversal\n")
	for _, server := range cfg.STUNServers {
		fmt.Fprintf(writer, "STUNServer %s\n", server)
	}
	fmt.Fprintf(writer, "\n")

	fmt.Fprintf(writer, "# Relay Settings\n")
	fmt.Fprintf(writer, "RelayListenAddr %s\n", cfg.RelayListenAddr)
	fmt.Fprintf(writer, "RelaySessionTimeout %s\n\n", formatDuration(cfg.RelaySessionTimeout))

	fmt.Fprintf(writer, "# Onion Overlay\n")
	fmt.Fprintf(writer, "CircuitLifetime %s\n\n", formatDuration(cfg.CircuitLifetime))

	fmt.Fprintf(writer, "# File Transfer\n")
	fmt.Fprintf(writer, "ChunkSize %d\n\n", cfg.ChunkSize)

	fmt.Fprintf(writer, "# Logging\n")
	fmt.Fprintf(writer, "LogLevel %s\n", cfg.LogLevel)

	return writer.Flush()
}

// formatDuration formats a duration for writing to config file.
func formatDuration(d time.Duration) string {
	if d%(24*time.Hour) == 0 && d >= 24*time.Hour {
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	}
	if d%time.Hour == 0 && d >= time.Hour {
		return fmt.Sprintf("%dh", d/time.Hour)
	}
	if d%time.Minute == 0 && d >= time.Minute {
		return fmt.Sprintf("%dm", d/time.Minute)
	}
	return fmt.Sprintf("%ds", d/time.Second)
}
