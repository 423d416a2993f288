// Package battery defines the canonical domain types shared by every
// component of the core: device identity, readings, runtime status,
// connection state, vehicle records, and the protocol-family interface that
// binds a device's wire format to the rest of the pipeline.
package battery

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Address is a canonical BLE hardware address: six hex octets,
// colon-separated, uppercase. Identity of a device is immutable once
// registered.
type Address string

var addressPattern = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// ParseAddress validates and normalizes a hardware address string into an
// Address. Input is uppercased before validation so callers may pass either
// case; anything that does not match six colon-separated hex octets is
// rejected at construction time rather than allowed to panic downstream.
func ParseAddress(raw string) (Address, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if !addressPattern.MatchString(normalized) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return Address(normalized), nil
}

// String implements fmt.Stringer.
func (a Address) String() string {
	return string(a)
}

// ProtocolFamily enumerates the device protocol families the core
// understands.
type ProtocolFamily string

const (
	ProtocolBM6     ProtocolFamily = "BM6"
	ProtocolBM2     ProtocolFamily = "BM2"
	ProtocolGeneric ProtocolFamily = "GENERIC"
)

// DeviceStatus enumerates the lifecycle status of a device record.
type DeviceStatus string

const (
	DeviceDiscovered DeviceStatus = "discovered"
	DeviceConfigured DeviceStatus = "configured"
	DeviceError      DeviceStatus = "error"
)

// ConnectionPolicy controls reconnection behavior for one device.
type ConnectionPolicy struct {
	RetryAttempts          int           `yaml:"retry_attempts" json:"retry_attempts"`
	RetryInterval          time.Duration `yaml:"retry_interval" json:"retry_interval"`
	PostDropReconnectDelay time.Duration `yaml:"post_drop_reconnect_delay" json:"post_drop_reconnect_delay"`
}

// DefaultConnectionPolicy mirrors the reconnection controller's own
// defaults (§4.F) so a device record with a zero-value policy behaves the
// same as one that explicitly names them.
func DefaultConnectionPolicy() ConnectionPolicy {
	return ConnectionPolicy{
		RetryAttempts:          10,
		RetryInterval:          1 * time.Second,
		PostDropReconnectDelay: 5 * time.Second,
	}
}

// DeviceRecord is the persistent record of one known device. It is created
// by discovery or operator action, mutated only by the orchestrator, and
// destroyed only by explicit removal.
type DeviceRecord struct {
	Address      Address          `json:"address"`
	Protocol     ProtocolFamily   `json:"protocol"`
	FriendlyName string           `json:"friendly_name"`
	VehicleID    string           `json:"vehicle_id,omitempty"`
	Status       DeviceStatus     `json:"status"`
	DiscoveredAt time.Time        `json:"discovered_at"`
	ConfiguredAt *time.Time       `json:"configured_at,omitempty"`
	PollCadence  time.Duration    `json:"poll_cadence"`
	Policy       ConnectionPolicy `json:"connection_policy"`

	// ScriptPath, if set, names a Lua alert script evaluated against every
	// reading from this device before it reaches the event bus.
	ScriptPath string `json:"script_path,omitempty"`
}

// Polled reports whether the record is eligible for periodic polling —
// only `configured` devices are.
func (d DeviceRecord) Polled() bool {
	return d.Status == DeviceConfigured
}

// Reading is one canonical battery measurement, produced by a protocol
// parser and never mutated after construction.
type Reading struct {
	Address      Address        `json:"address"`
	Voltage      float64        `json:"voltage"`
	Current      float64        `json:"current"`
	Temperature  float64        `json:"temperature"`
	StateOfCharge float64       `json:"state_of_charge"`
	CapacityAh   *float64       `json:"capacity_ah,omitempty"`
	CycleCount   *int           `json:"cycle_count,omitempty"`
	ProtocolTag  string         `json:"protocol_tag"`
	Timestamp    time.Time      `json:"timestamp"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// Validate enforces the §3 range invariants. Readings with any NaN or
// out-of-range value are rejected by the parser and never reach the bus.
func (r Reading) Validate() error {
	switch {
	case isNaN(r.Voltage) || r.Voltage < 0 || r.Voltage > 100:
		return fmt.Errorf("%w: voltage %.3f out of range", ErrReadingInvalid, r.Voltage)
	case isNaN(r.Current) || r.Current < -1000 || r.Current > 1000:
		return fmt.Errorf("%w: current %.3f out of range", ErrReadingInvalid, r.Current)
	case isNaN(r.Temperature) || r.Temperature < -40 || r.Temperature > 125:
		return fmt.Errorf("%w: temperature %.3f out of range", ErrReadingInvalid, r.Temperature)
	case isNaN(r.StateOfCharge) || r.StateOfCharge < 0 || r.StateOfCharge > 100:
		return fmt.Errorf("%w: state of charge %.3f out of range", ErrReadingInvalid, r.StateOfCharge)
	}
	return nil
}

func isNaN(f float64) bool {
	return f != f
}

// RuntimeStatus is the live, non-persistent status of a device, updated on
// every successful or failed transport operation.
type RuntimeStatus struct {
	Connected       bool      `json:"connected"`
	LastErrorCode   string    `json:"last_error_code,omitempty"`
	LastErrorMsg    string    `json:"last_error_message,omitempty"`
	ProtocolVersion string    `json:"protocol_version,omitempty"`
	LastCommand     string    `json:"last_command,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// VehicleRecord groups devices under a single vehicle.
type VehicleRecord struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"created_at"`
	DeviceCount int       `json:"device_count"`
}

// VehicleHealth summarizes the connected/overall health of a vehicle's
// devices.
type VehicleHealth string

const (
	HealthGood     VehicleHealth = "good"
	HealthDegraded VehicleHealth = "degraded"
	HealthBad      VehicleHealth = "bad"
	HealthUnknown  VehicleHealth = "unknown"
)

// VehicleSummary is the computed, cached-by-value rollup published
// whenever a member device's reading or association changes.
type VehicleSummary struct {
	VehicleID        string        `json:"vehicle_id"`
	Timestamp        time.Time     `json:"timestamp"`
	TotalDevices      int          `json:"total_devices"`
	ConnectedDevices  int          `json:"connected_devices"`
	AverageVoltage    float64      `json:"average_voltage"`
	TotalCapacity     float64      `json:"total_capacity"`
	OverallHealth     VehicleHealth `json:"overall_health"`
	Devices           []Address    `json:"devices"`
}

// Command identifies one of the three requests a protocol family may
// support.
type Command int

const (
	CommandVoltageTempSoC Command = iota
	CommandBasicInfo
	CommandCellVoltages
)

func (c Command) String() string {
	switch c {
	case CommandVoltageTempSoC:
		return "voltage_temp_soc"
	case CommandBasicInfo:
		return "basic_info"
	case CommandCellVoltages:
		return "cell_voltages"
	default:
		return "unknown"
	}
}

// ProtocolFamilyCodec is a tagged-variant interface replacing runtime
// polymorphism (§9): each device is parameterized by exactly one
// implementation of this interface, selected by its DeviceRecord.Protocol.
type ProtocolFamilyCodec interface {
	// BuildRequest encodes a command into the bytes to write to the
	// device's write characteristic.
	BuildRequest(cmd Command) ([]byte, error)

	// ParseNotification decodes one or more notification blocks into a
	// canonical Reading. It never panics or returns a partially-populated
	// reading on error.
	ParseNotification(address Address, block []byte) (*Reading, error)

	// CharacteristicUUIDs returns the write and notify characteristic
	// UUIDs for this family.
	CharacteristicUUIDs() (write, notify string)
}
