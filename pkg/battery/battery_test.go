package battery

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{name: "already uppercase", input: "AA:BB:CC:DD:EE:01", want: "AA:BB:CC:DD:EE:01"},
		{name: "lowercase normalized", input: "aa:bb:cc:dd:ee:01", want: "AA:BB:CC:DD:EE:01"},
		{name: "whitespace trimmed", input: "  AA:BB:CC:DD:EE:01  ", want: "AA:BB:CC:DD:EE:01"},
		{name: "too few octets", input: "AA:BB:CC:DD:EE", wantErr: true},
		{name: "non-hex octet", input: "AA:BB:CC:DD:EE:ZZ", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrInvalidAddress))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadingValidate(t *testing.T) {
	base := Reading{Voltage: 12.6, Current: 2.5, Temperature: 25.1, StateOfCharge: 85.0}

	t.Run("valid reading passes", func(t *testing.T) {
		assert.NoError(t, base.Validate())
	})

	tests := []struct {
		name string
		mut  func(r Reading) Reading
	}{
		{"voltage too high", func(r Reading) Reading { r.Voltage = 101; return r }},
		{"voltage negative", func(r Reading) Reading { r.Voltage = -1; return r }},
		{"current out of range", func(r Reading) Reading { r.Current = 1001; return r }},
		{"temperature too low", func(r Reading) Reading { r.Temperature = -41; return r }},
		{"temperature too high", func(r Reading) Reading { r.Temperature = 126; return r }},
		{"soc out of range", func(r Reading) Reading { r.StateOfCharge = 250; return r }},
		{"voltage NaN", func(r Reading) Reading { r.Voltage = math.NaN(); return r }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := tt.mut(base)
			err := r.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrReadingInvalid))
		})
	}
}

func TestDeviceRecordPolled(t *testing.T) {
	d := DeviceRecord{Status: DeviceDiscovered}
	assert.False(t, d.Polled())

	d.Status = DeviceConfigured
	assert.True(t, d.Polled())

	d.Status = DeviceError
	assert.False(t, d.Polled())
}

func TestDefaultConnectionPolicy(t *testing.T) {
	p := DefaultConnectionPolicy()
	assert.Equal(t, 10, p.RetryAttempts)
	assert.Greater(t, p.RetryInterval.Seconds(), 0.0)
}
