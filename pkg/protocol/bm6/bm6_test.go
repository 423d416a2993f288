package bm6

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/bm6crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = battery.Address("AA:BB:CC:DD:EE:01")

func encryptedNotification(t *testing.T, voltageCenti, tempDeci uint16, negative bool, soc uint16) []byte {
	t.Helper()
	block := make([]byte, 16)
	sign := byte(0)
	if negative {
		sign = 0x01
	}
	block[0] = notifyVoltageTempSoC<<4 | sign
	binary.BigEndian.PutUint16(block[1:3], voltageCenti)
	binary.BigEndian.PutUint16(block[3:5], tempDeci)
	binary.BigEndian.PutUint16(block[5:7], soc)

	ciphertext, err := bm6crypto.Encrypt(block)
	require.NoError(t, err)
	return ciphertext
}

func TestParseNotificationVoltageTempSoC(t *testing.T) {
	codec := New()
	notification := encryptedNotification(t, 1260, 251, false, 85)

	reading, err := codec.ParseNotification(testAddress, notification)
	require.NoError(t, err)
	require.NotNil(t, reading)

	assert.Equal(t, testAddress, reading.Address)
	assert.InDelta(t, 12.60, reading.Voltage, 0.001)
	assert.InDelta(t, 25.1, reading.Temperature, 0.001)
	assert.InDelta(t, 85.0, reading.StateOfCharge, 0.001)
	assert.Equal(t, string(battery.ProtocolBM6), reading.ProtocolTag)
}

func TestParseNotificationNegativeTemperature(t *testing.T) {
	codec := New()
	notification := encryptedNotification(t, 1150, 50, true, 40)

	reading, err := codec.ParseNotification(testAddress, notification)
	require.NoError(t, err)
	assert.InDelta(t, -5.0, reading.Temperature, 0.001)
}

func TestParseNotificationRejectsOutOfRangeSoC(t *testing.T) {
	codec := New()
	// SoC field decodes to 250, an out-of-range value.
	notification := encryptedNotification(t, 1260, 251, false, 250)

	reading, err := codec.ParseNotification(testAddress, notification)
	require.Error(t, err)
	assert.Nil(t, reading)
	assert.True(t, errors.Is(err, battery.ProtocolParseError))
}

func TestParseNotificationRejectsBadFramingLength(t *testing.T) {
	codec := New()
	_, err := codec.ParseNotification(testAddress, []byte{0x01, 0x02, 0x03})
	require.Error(t, err)
	assert.True(t, errors.Is(err, battery.ProtocolFramingError))
}

func TestParseNotificationUnknownType(t *testing.T) {
	codec := New()
	block := make([]byte, 16)
	block[0] = 0x9 << 4 // unrecognized type nibble

	ciphertext, err := bm6crypto.Encrypt(block)
	require.NoError(t, err)

	_, err = codec.ParseNotification(testAddress, ciphertext)
	require.Error(t, err)
	assert.True(t, errors.Is(err, battery.ProtocolUnknownOpcode))
}

func TestBuildRequestKnownCommands(t *testing.T) {
	codec := New()

	for _, cmd := range []battery.Command{
		battery.CommandVoltageTempSoC,
		battery.CommandBasicInfo,
		battery.CommandCellVoltages,
	} {
		encoded, err := codec.BuildRequest(cmd)
		require.NoError(t, err)
		assert.Len(t, encoded, 16)
	}
}

func TestBuildRequestUnknownCommand(t *testing.T) {
	codec := New()
	_, err := codec.BuildRequest(battery.Command(99))
	require.Error(t, err)
	assert.True(t, errors.Is(err, battery.ProtocolUnknownOpcode))
}

func TestCharacteristicUUIDs(t *testing.T) {
	codec := New()
	write, notify := codec.CharacteristicUUIDs()
	assert.NotEmpty(t, write)
	assert.NotEmpty(t, notify)
	assert.NotEqual(t, write, notify)
}
