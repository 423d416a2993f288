// Package legacy implements the BM2/generic framed protocol family: a
// plaintext command/response frame validated by start/end markers and an
// additive checksum, rather than the encrypted family's AES blocks.
package legacy

import (
	"fmt"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/parser"
)

const (
	startMarker1 = 0xDD
	startMarker2 = 0xA5
	endMarker    = 0x77
)

// Command bytes. The cell-voltage query's opcode appears in two forms
// across reference devices (0x04 in some, a variant in others); unknown
// variants are treated as ProtocolUnknownOpcode rather than a hard error,
// per the design notes' open question.
const (
	cmdVoltageTempSoC byte = 0x01
	cmdBasicInfo      byte = 0x02
	cmdCellVoltages   byte = 0x04
)

// Codec implements battery.ProtocolFamilyCodec for the legacy framed
// family.
type Codec struct {
	writeCharUUID  string
	notifyCharUUID string
}

// Default GATT characteristic UUIDs advertised by BM2/generic devices.
const (
	DefaultWriteCharUUID  = "FFE9"
	DefaultNotifyCharUUID = "FFE4"
)

// New creates a Codec for the legacy framed family using the default
// characteristic UUIDs.
func New() *Codec {
	return &Codec{
		writeCharUUID:  DefaultWriteCharUUID,
		notifyCharUUID: DefaultNotifyCharUUID,
	}
}

// CharacteristicUUIDs implements battery.ProtocolFamilyCodec.
func (c *Codec) CharacteristicUUIDs() (write, notify string) {
	return c.writeCharUUID, c.notifyCharUUID
}

// NewBuffer returns a parser.Buffer configured to extract legacy frames
// from a device's raw notification stream, for callers that need to
// accumulate partial frames across multiple transport reads.
func NewBuffer(maxSize int) *parser.Buffer {
	return parser.NewBuffer(maxSize, parser.NewDelimiterParser(parser.LegacyFrameDelimiter))
}

// NewFrameBuffer implements the session package's frame-assembly hook: the
// legacy family's notifications are delimiter-framed and may split across
// more than one BLE notification, so the session buffers raw bytes here
// before ParseNotification ever sees them.
func (c *Codec) NewFrameBuffer() *parser.Buffer {
	return NewBuffer(256)
}

func checksum(data []byte) byte {
	sum := 0
	for _, b := range data {
		sum += int(b)
	}
	return byte(0xFF - (sum % 0x100))
}

// frame builds a full legacy command frame: start marker, command byte,
// length byte, data, checksum, end marker.
func frame(cmd byte, data []byte) []byte {
	body := make([]byte, 0, len(data)+2)
	body = append(body, cmd, byte(len(data)))
	body = append(body, data...)

	out := make([]byte, 0, len(body)+4)
	out = append(out, startMarker1, startMarker2)
	out = append(out, body...)
	out = append(out, checksum(body), endMarker)
	return out
}

// BuildRequest implements battery.ProtocolFamilyCodec.
func (c *Codec) BuildRequest(cmd battery.Command) ([]byte, error) {
	switch cmd {
	case battery.CommandVoltageTempSoC:
		return frame(cmdVoltageTempSoC, nil), nil
	case battery.CommandBasicInfo:
		return frame(cmdBasicInfo, nil), nil
	case battery.CommandCellVoltages:
		return frame(cmdCellVoltages, nil), nil
	default:
		return nil, fmt.Errorf("%w: command %v", battery.ProtocolUnknownOpcode, cmd)
	}
}

// ParseNotification implements battery.ProtocolFamilyCodec. It validates
// the start marker, end marker, and checksum before dispatching on the
// command byte, mirroring the modbus-style "validate framing, then decode"
// shape the rest of the core's codecs follow.
func (c *Codec) ParseNotification(address battery.Address, raw []byte) (*battery.Reading, error) {
	if len(raw) < 6 {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", battery.ProtocolFramingError, len(raw))
	}
	if raw[0] != startMarker1 || raw[1] != startMarker2 {
		return nil, fmt.Errorf("%w: bad start marker", battery.ProtocolFramingError)
	}
	if raw[len(raw)-1] != endMarker {
		return nil, fmt.Errorf("%w: bad end marker", battery.ProtocolFramingError)
	}

	cmd := raw[2]
	length := int(raw[3])
	dataStart := 4
	dataEnd := dataStart + length
	if dataEnd+2 != len(raw) {
		return nil, fmt.Errorf("%w: declared length %d does not match frame size", battery.ProtocolFramingError, length)
	}

	data := raw[dataStart:dataEnd]
	gotChecksum := raw[dataEnd]
	wantChecksum := checksum(raw[2:dataEnd])
	if gotChecksum != wantChecksum {
		return nil, fmt.Errorf("%w: checksum mismatch", battery.ProtocolFramingError)
	}

	switch cmd {
	case cmdVoltageTempSoC:
		return parseVoltageTempSoC(address, data)
	case cmdBasicInfo, cmdCellVoltages:
		return nil, fmt.Errorf("%w: command byte 0x%02X not yet decoded into a Reading", battery.ProtocolUnknownOpcode, cmd)
	default:
		return nil, fmt.Errorf("%w: command byte 0x%02X", battery.ProtocolUnknownOpcode, cmd)
	}
}

func parseVoltageTempSoC(address battery.Address, data []byte) (*battery.Reading, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("%w: voltage/temp/soc payload too short (%d bytes)", battery.ProtocolFramingError, len(data))
	}

	voltageRaw := int(data[0])<<8 | int(data[1])
	tempRaw := int(data[2])<<8 | int(data[3])
	socRaw := int(data[4])<<8 | int(data[5])

	reading := &battery.Reading{
		Address:       address,
		Voltage:       float64(voltageRaw) / 100.0,
		Temperature:   float64(tempRaw) / 10.0,
		StateOfCharge: float64(socRaw),
		ProtocolTag:   string(battery.ProtocolGeneric),
		Timestamp:     time.Now().UTC(),
	}

	if err := reading.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v (raw frame %x)", battery.ProtocolParseError, err, data)
	}

	return reading, nil
}
