package rfid

import (
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/rfidgeek/internal/inventory"
	"github.com/banshee-data/rfidgeek/internal/monitoring"
	"github.com/banshee-data/rfidgeek/internal/serialmux"
)

const (
	DefaultPortName = "/dev/ttyUSB0"
	DefaultTCPAddr  = "localhost:4444"
	DefaultLogLevel = "none"
)

// Reader commands for the TRF7970A evaluation module. The set-up commands
// select the air protocol; the inventory command starts one cycle.
const (
	cmdInitialize         = "0108000304FF0000"
	cmdProtocolISO15693   = "010C00030410002101000000"
	cmdProtocolISO14443A  = "010C00030410000101000000"
	cmdInventoryISO15693  = "010B000304142401000000"
	cmdInventoryISO14443A = "0109000304A0010000"
)

// Config holds the reader component options as they appear in the config
// file.
type Config struct {
	PortName  string `json:"portname"`
	TagType   string `json:"tagtype"`
	TCPSocket bool   `json:"tcpsocket"`
	// WebSocket enables the event stream endpoint of the HTTP API. The reader
	// itself does not look at it.
	WebSocket bool   `json:"websocket"`
	TCPAddr   string `json:"tcpaddr"`
	LogLevel  string `json:"loglevel"`

	Serial serialmux.PortOptions `json:"serial"`

	InventoryCommand string   `json:"inventory_command,omitempty"`
	StopCommand      string   `json:"stop_command,omitempty"`
	InitCommands     []string `json:"init_commands,omitempty"`
	ScanTimeout      string   `json:"scan_timeout,omitempty"` // duration string like "5s"
}

// DefaultConfig returns the configuration used when no option is given.
func DefaultConfig() Config {
	return Config{
		PortName: DefaultPortName,
		TCPAddr:  DefaultTCPAddr,
		LogLevel: DefaultLogLevel,
	}
}

// Validate checks the configuration, failing on an unknown tag type.
func (c Config) Validate() error {
	if _, err := inventory.ParseTagType(c.TagType); err != nil {
		return err
	}
	if _, err := monitoring.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid loglevel: %w", err)
	}
	if _, err := c.Serial.Normalize(); err != nil {
		return fmt.Errorf("invalid serial options: %w", err)
	}
	if c.TCPSocket && c.TCPAddr == "" {
		return errors.New("tcpsocket is enabled but tcpaddr is empty")
	}
	if c.ScanTimeout != "" {
		d, err := time.ParseDuration(c.ScanTimeout)
		if err != nil {
			return fmt.Errorf("invalid scan_timeout '%s': %w", c.ScanTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("scan_timeout must not be negative, got %s", d)
		}
	}
	return nil
}

// GetTagType returns the parsed tag type, Proximity when unset.
func (c Config) GetTagType() inventory.TagType {
	t, err := inventory.ParseTagType(c.TagType)
	if err != nil {
		return inventory.Proximity
	}
	return t
}

// GetPortName returns the serial device path.
func (c Config) GetPortName() string {
	if c.PortName == "" {
		return DefaultPortName
	}
	return c.PortName
}

// GetTCPAddr returns the output forwarder address.
func (c Config) GetTCPAddr() string {
	if c.TCPAddr == "" {
		return DefaultTCPAddr
	}
	return c.TCPAddr
}

// GetScanTimeout returns the scan watchdog timeout; zero disables it.
func (c Config) GetScanTimeout() time.Duration {
	if c.ScanTimeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.ScanTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetInventoryCommand returns the command that starts an inventory cycle for
// the configured tag type.
func (c Config) GetInventoryCommand() string {
	if c.InventoryCommand != "" {
		return c.InventoryCommand
	}
	if c.GetTagType() == inventory.Vicinity {
		return cmdInventoryISO15693
	}
	return cmdInventoryISO14443A
}

// GetInitCommands returns the commands sent once when the reader is
// initialised.
func (c Config) GetInitCommands() []string {
	if len(c.InitCommands) > 0 {
		return c.InitCommands
	}
	if c.GetTagType() == inventory.Vicinity {
		return []string{cmdInitialize, cmdProtocolISO15693}
	}
	return []string{cmdInitialize, cmdProtocolISO14443A}
}
