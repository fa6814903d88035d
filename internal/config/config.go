// Package config loads frontend tuning parameters from a TOML file:
// unmarshal into a struct over top of the hardcoded defaults, then
// validate the result.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/mbedhost/offloadfrontend/internal/frame"
	"github.com/mbedhost/offloadfrontend/internal/handles"
)

// FrontendConfig governs frontend tuning, never protocol semantics:
// the wire format itself (header shape, opcode table, handshake) is
// fixed and cannot be changed by a config file.
type FrontendConfig struct {
	SerialDevice string `toml:"serial_device"`
	BaudRate     int    `toml:"baud_rate"`

	// MaxStringLength caps a single RESULT item's payload length; PUSH
	// payloads are bounded by MaxAllocBytes instead. It may only lower
	// frame.MaxStringLength, never raise it.
	MaxStringLength uint32 `toml:"max_string_length"`
	// MaxAllocBytes is the largest PUSH payload the frontend will
	// actually allocate for before treating the push as an allocation
	// failure and entering OUT_OF_MEMORY. Defaults to just under 1 MiB.
	MaxAllocBytes uint32 `toml:"max_alloc_bytes"`
	// HandleTableSize may only lower handles.MaxHandles, never raise it.
	// It is validated but not applied: the handle table always has
	// handles.MaxHandles slots.
	HandleTableSize int `toml:"handle_table_size"`

	AdminAddr string `toml:"admin_addr"`
	LogLevel  string `toml:"log_level"`
}

// DefaultMaxAllocBytes is chosen to be just under 1 MiB so that a
// 1 MiB PUSH exercises the OUT_OF_MEMORY path by default.
const DefaultMaxAllocBytes = 1<<20 - 1

// DefaultConfig returns the frontend's hardcoded defaults, used both
// as the baseline before a config file is applied and as the config
// for a run with no --config flag at all.
func DefaultConfig() FrontendConfig {
	return FrontendConfig{
		SerialDevice:    "/dev/ttyUSB0",
		BaudRate:        9600,
		MaxStringLength: frame.MaxStringLength,
		MaxAllocBytes:   DefaultMaxAllocBytes,
		HandleTableSize: handles.MaxHandles,
		AdminAddr:       "",
		LogLevel:        "info",
	}
}

// LoadConfig reads path, applies its values over DefaultConfig, and
// validates the result.
func LoadConfig(path string) (FrontendConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return FrontendConfig{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := ValidateFrontendConfig(cfg); err != nil {
		return FrontendConfig{}, err
	}
	return cfg, nil
}

// ValidateFrontendConfig rejects any attempt to loosen a
// protocol-mandated bound; a config file may only lower these.
func ValidateFrontendConfig(cfg FrontendConfig) error {
	if cfg.SerialDevice == "" {
		return fmt.Errorf("config: serial_device is required")
	}
	if cfg.BaudRate != 9600 {
		return fmt.Errorf("config: baud_rate must be 9600 (protocol-mandated)")
	}
	if cfg.MaxStringLength == 0 || cfg.MaxStringLength > frame.MaxStringLength {
		return fmt.Errorf("config: max_string_length must be in (0, %d]", frame.MaxStringLength)
	}
	if cfg.HandleTableSize <= 0 || cfg.HandleTableSize > handles.MaxHandles {
		return fmt.Errorf("config: handle_table_size must be in (0, %d]", handles.MaxHandles)
	}
	if cfg.MaxAllocBytes == 0 {
		return fmt.Errorf("config: max_alloc_bytes must be positive")
	}
	return nil
}
