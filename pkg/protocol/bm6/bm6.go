// Package bm6 implements the encrypted-monitor protocol family: AES-framed
// commands and notifications for BM6-class battery monitors.
package bm6

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/bm6crypto"
	"github.com/batteryhawk/core/pkg/parser"
)

// blockSize is the AES block size the encrypted-monitor family's
// notifications arrive in.
const blockSize = 16

// Notification type nibble carried in the high nibble of the first
// decrypted byte. Only one composite reading type is defined by the
// reference capture: voltage, temperature and state-of-charge arrive
// together in one block.
const (
	notifyVoltageTempSoC byte = 0x1
	notifyBasicInfo      byte = 0x2
	notifyCellVoltages   byte = 0x3
)

// Command opcodes, right-padded to a full block before encryption.
var (
	opcodeVoltageTempSoC = []byte{0xD1, 0x55, 0x00}
	opcodeBasicInfo      = []byte{0xD1, 0x56, 0x00}
	opcodeCellVoltages   = []byte{0xD1, 0x57, 0x00}
)

// Codec implements battery.ProtocolFamilyCodec for the encrypted-monitor
// family.
type Codec struct {
	writeCharUUID  string
	notifyCharUUID string
}

// Default GATT characteristic UUIDs advertised by BM6-class devices.
const (
	DefaultWriteCharUUID  = "FFF3"
	DefaultNotifyCharUUID = "FFF4"
)

// New creates a Codec for the encrypted-monitor family using the default
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

// NewFrameBuffer implements the session package's frame-assembly hook: the
// encrypted-monitor family's notifications are fixed 16-byte AES blocks
// that may still split across more than one BLE notification on small-MTU
// links, so the session accumulates whole blocks here before decrypting.
func (c *Codec) NewFrameBuffer() *parser.Buffer {
	fixed, _ := parser.NewFixedParser(parser.FixedConfig{PacketSize: blockSize})
	return parser.NewBuffer(16*blockSize, fixed)
}

// BuildRequest implements battery.ProtocolFamilyCodec. Each command is a
// short opcode payload right-padded with zeros to 16 bytes, then encrypted
// with the family's fixed key.
func (c *Codec) BuildRequest(cmd battery.Command) ([]byte, error) {
	var opcode []byte
	switch cmd {
	case battery.CommandVoltageTempSoC:
		opcode = opcodeVoltageTempSoC
	case battery.CommandBasicInfo:
		opcode = opcodeBasicInfo
	case battery.CommandCellVoltages:
		opcode = opcodeCellVoltages
	default:
		return nil, fmt.Errorf("%w: command %v", battery.ProtocolUnknownOpcode, cmd)
	}

	block, err := bm6crypto.PadCommand(opcode)
	if err != nil {
		return nil, err
	}

	return bm6crypto.Encrypt(block)
}

// ParseNotification implements battery.ProtocolFamilyCodec. It decrypts
// the block, then routes on the type nibble in the first decrypted byte.
// Out-of-range values and unrecognized opcodes never panic into the
// transport layer; they are surfaced as classified errors.
func (c *Codec) ParseNotification(address battery.Address, raw []byte) (*battery.Reading, error) {
	plaintext, err := bm6crypto.Decrypt(raw)
	if err != nil {
		return nil, err
	}
	if len(plaintext) < 7 {
		return nil, fmt.Errorf("%w: decrypted block too short (%d bytes)", battery.ProtocolFramingError, len(plaintext))
	}

	typeNibble := plaintext[0] >> 4
	signNibble := plaintext[0] & 0x0F

	switch typeNibble {
	case notifyVoltageTempSoC:
		return parseVoltageTempSoC(address, plaintext, signNibble)
	case notifyBasicInfo, notifyCellVoltages:
		return nil, fmt.Errorf("%w: notification type 0x%X not yet decoded into a Reading", battery.ProtocolUnknownOpcode, typeNibble)
	default:
		return nil, fmt.Errorf("%w: notification type nibble 0x%X", battery.ProtocolUnknownOpcode, typeNibble)
	}
}

func parseVoltageTempSoC(address battery.Address, block []byte, signNibble byte) (*battery.Reading, error) {
	voltageRaw := binary.BigEndian.Uint16(block[1:3])
	temperatureRaw := binary.BigEndian.Uint16(block[3:5])
	socRaw := binary.BigEndian.Uint16(block[5:7])

	voltage := float64(voltageRaw) / 100.0
	temperature := float64(temperatureRaw) / 10.0
	if signNibble&0x01 != 0 {
		temperature = -temperature
	}
	soc := float64(socRaw)

	reading := &battery.Reading{
		Address:       address,
		Voltage:       voltage,
		Temperature:   temperature,
		StateOfCharge: soc,
		ProtocolTag:   string(battery.ProtocolBM6),
		Timestamp:     time.Now().UTC(),
	}

	if err := reading.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v (raw block %x)", battery.ProtocolParseError, err, block)
	}

	return reading, nil
}
