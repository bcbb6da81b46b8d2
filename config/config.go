// Package config loads the TOML-tunable knobs the teacher compiles in
// as constants (GOGC, GOMAXPROCS-style environment variables) but which
// spec.md §3 and §4.9 surface as explicit fields on HeapSource and the
// JDWP transport: target heap utilization, growth limit, min/max free,
// and transport selection.
//
// Decoding follows github.com/BurntSushi/toml's documented
// Decode-into-a-struct idiom directly; nothing about mapping a file to
// a Go struct needs a wrapper beyond decoding over Default(), so keys a
// file omits keep their default values.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/oakvm/heapcore/heapsource"
)

// Heap mirrors heapsource.Config's tunables so a TOML file can drive the
// heap without either package importing the other.
type Heap struct {
	InitialSizeBytes       uintptr `toml:"initial_size_bytes"`
	MaximumSizeBytes       uintptr `toml:"maximum_size_bytes"`
	GrowthLimitBytes       uintptr `toml:"growth_limit_bytes"`
	TargetUtilization      float64 `toml:"target_utilization"`
	MinFreeBytes           uintptr `toml:"min_free_bytes"`
	MaxFreeBytes           uintptr `toml:"max_free_bytes"`
	HeapTrimIdleTimeMillis int64   `toml:"heap_trim_idle_time_ms"`
}

// Transport is the JDWP §4.9/§6 "transport selection" knob: socket vs
// ADB, server vs attach-out.
type Transport struct {
	// Kind is "socket" or "adb"; cmd/jdwpd uses the socket transport
	// whatever its value.
	Kind string `toml:"kind"`
	// Server selects listening on Port (or scanning Port..PortRangeEnd
	// when PortRangeEnd is larger) over dialing Host:Port. Server and
	// Host are decoded only: cmd/jdwpd always listens, and no transport
	// in this module dials out.
	Server       bool   `toml:"server"`
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	PortRangeEnd int    `toml:"port_range_end"`
	// SuspendOnAttach is decoded only; nothing in this module reads it,
	// and no code waits on an attach condition.
	SuspendOnAttach bool `toml:"suspend_on_attach"`
	// ADBControlSocket is the unix control socket path for the ADB
	// transport; unused for the socket transport.
	ADBControlSocket string `toml:"adb_control_socket"`
}

// Metrics controls the Prometheus HTTP listener jdwpd exposes.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// Config is the top-level decoded document.
type Config struct {
	Heap      Heap      `toml:"heap"`
	Transport Transport `toml:"transport"`
	Metrics   Metrics   `toml:"metrics"`
}

// Default returns the built-in configuration: what the cmd binaries use
// when no file is given, and the base Load decodes a file over. These
// values are not applied by heapsource or the transport to zero fields;
// heapsource.New back-fills only GrowthLimit and TargetUtilization.
func Default() Config {
	return Config{
		Heap: Heap{
			InitialSizeBytes:       16 << 20,
			MaximumSizeBytes:       256 << 20,
			TargetUtilization:      0.5,
			HeapTrimIdleTimeMillis: 5000,
		},
		Transport: Transport{
			Kind:   "socket",
			Server: true,
			Port:   8700,
		},
		Metrics: Metrics{
			Enabled: true,
			Addr:    ":9400",
		},
	}
}

// Load decodes the TOML file at path over Default(), so an omitted
// table or field keeps its default rather than zeroing out.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HeapSourceConfig translates the decoded Heap table into
// heapsource.Config, threading log through to match the teacher's
// explicit-logger-from-cmd idiom.
func (h Heap) HeapSourceConfig(log *zap.Logger) heapsource.Config {
	return heapsource.Config{
		InitialSize:       h.InitialSizeBytes,
		MaximumSize:       h.MaximumSizeBytes,
		GrowthLimit:       h.GrowthLimitBytes,
		TargetUtilization: h.TargetUtilization,
		MinFree:           h.MinFreeBytes,
		MaxFree:           h.MaxFreeBytes,
		Logger:            log,
	}
}

// Validate rejects configurations that would otherwise surface as a
// confusing panic or silent no-op deep inside heapsource or the
// transport layer.
func (c Config) Validate() error {
	if c.Heap.TargetUtilization <= 0 || c.Heap.TargetUtilization > 1 {
		return fmt.Errorf("config: heap.target_utilization must be in (0,1], got %v", c.Heap.TargetUtilization)
	}
	if c.Heap.MaximumSizeBytes == 0 {
		return fmt.Errorf("config: heap.maximum_size_bytes must be > 0")
	}
	switch c.Transport.Kind {
	case "socket", "adb":
	default:
		return fmt.Errorf("config: transport.kind must be %q or %q, got %q", "socket", "adb", c.Transport.Kind)
	}
	return nil
}
