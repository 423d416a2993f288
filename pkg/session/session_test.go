package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/blepool"
	"github.com/batteryhawk/core/pkg/parser"
	"github.com/batteryhawk/core/pkg/transport/ble/faketransport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = battery.Address("AA:BB:CC:DD:EE:01")

// fakeCodec is a minimal ProtocolFamilyCodec double: requests encode the
// command as a single byte, notifications decode a single byte back into
// a fixed, valid reading.
type fakeCodec struct {
	mu        sync.Mutex
	buildErr  error
	builtCmds []battery.Command
	parseErr  error
	parsed    [][]byte
}

func (c *fakeCodec) BuildRequest(cmd battery.Command) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buildErr != nil {
		return nil, c.buildErr
	}
	c.builtCmds = append(c.builtCmds, cmd)
	return []byte{byte(cmd)}, nil
}

func (c *fakeCodec) ParseNotification(address battery.Address, block []byte) (*battery.Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parsed = append(c.parsed, append([]byte(nil), block...))
	if c.parseErr != nil {
		return nil, c.parseErr
	}
	return &battery.Reading{
		Address:       address,
		Voltage:       12.6,
		Current:       1.2,
		Temperature:   25,
		StateOfCharge: 80,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func (c *fakeCodec) CharacteristicUUIDs() (string, string) {
	return "FFF3", "FFF4"
}

// bufferedCodec wraps fakeCodec with a frame buffer, exercising the
// session's frame-assembly path the way the legacy/bm6 codecs do.
type bufferedCodec struct {
	fakeCodec
}

func (c *bufferedCodec) NewFrameBuffer() *parser.Buffer {
	return parser.NewBuffer(64, parser.NewDelimiterParser(parser.DelimiterConfig{
		StartDelimiter:    []byte{0xAA},
		EndDelimiter:      []byte{0xBB},
		IncludeDelimiters: true,
		MaxPacketSize:     64,
	}))
}

func newTestSession(t *testing.T) (*Session, *faketransport.Double, *fakeCodec) {
	t.Helper()
	adapter := faketransport.New()
	pool := blepool.New(adapter, blepool.DefaultConfig())
	codec := &fakeCodec{}
	cfg := DefaultConfig()
	cfg.CommandTimeout = 200 * time.Millisecond
	s := New(pool, testAddress, codec, cfg)
	return s, adapter, codec
}

func TestOpenSubscribesAndRequestRoundTrips(t *testing.T) {
	s, adapter, codec := newTestSession(t)
	require.NoError(t, s.Open(context.Background()))

	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = adapter.Notify(testAddress, []byte{0x00})
	}()

	reading, err := s.RequestVoltageTempSoC(context.Background())
	require.NoError(t, err)
	require.NotNil(t, reading)
	assert.Equal(t, testAddress, reading.Address)
	assert.Equal(t, []battery.Command{battery.CommandVoltageTempSoC}, codec.builtCmds)
}

func TestRequestTimesOutAndCountsFailure(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Open(context.Background()))

	_, err := s.RequestBasicInfo(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, battery.CommandTimeout))
	assert.Equal(t, 1, s.ConsecutiveFailures())
}

func TestForcedReconnectFiresAtThreshold(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.cfg.FailureThreshold = 2
	require.NoError(t, s.Open(context.Background()))

	var triggered battery.Address
	s.OnForcedReconnect = func(addr battery.Address) { triggered = addr }

	_, err := s.RequestBasicInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, s.ConsecutiveFailures())
	assert.Empty(t, triggered)

	_, err = s.RequestBasicInfo(context.Background())
	require.Error(t, err)
	assert.Equal(t, testAddress, triggered)
	assert.Equal(t, 0, s.ConsecutiveFailures())
}

func TestRequestsAreSerializedPerDevice(t *testing.T) {
	s, adapter, _ := newTestSession(t)
	require.NoError(t, s.Open(context.Background()))

	var order []string
	var mu sync.Mutex

	go func() {
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "notify-1")
		mu.Unlock()
		_ = adapter.Notify(testAddress, []byte{0x00})
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.RequestVoltageTempSoC(context.Background())
		mu.Lock()
		order = append(order, "req-1-done")
		mu.Unlock()
	}()

	time.Sleep(5 * time.Millisecond)
	go func() {
		defer wg.Done()
		_, _ = s.RequestBasicInfo(context.Background())
		mu.Lock()
		order = append(order, "req-2-done")
		mu.Unlock()
	}()

	wg.Wait()
	assert.Len(t, adapter.Writes(testAddress), 2)
	mu.Lock()
	assert.Equal(t, []string{"notify-1", "req-1-done", "req-2-done"}, order)
	mu.Unlock()
}

func TestReadingAfterCloseIsNotDelivered(t *testing.T) {
	s, adapter, _ := newTestSession(t)
	require.NoError(t, s.Open(context.Background()))

	delivered := make(chan battery.Reading, 1)
	s.OnReading = func(r battery.Reading) { delivered <- r }

	require.NoError(t, s.Close())

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.handleNotification(testAddress, []byte{0x00})

	select {
	case <-delivered:
		t.Fatal("reading delivered after close")
	case <-time.After(20 * time.Millisecond):
	}
	_ = adapter
}

func TestParseErrorDiscardsNotificationWithoutDelivering(t *testing.T) {
	s, _, codec := newTestSession(t)
	require.NoError(t, s.Open(context.Background()))

	codec.mu.Lock()
	codec.parseErr = errors.New("bad frame")
	codec.mu.Unlock()

	delivered := make(chan battery.Reading, 1)
	s.OnReading = func(r battery.Reading) { delivered <- r }

	s.handleNotification(testAddress, []byte{0xDE, 0xAD})

	select {
	case <-delivered:
		t.Fatal("reading delivered for a notification that failed to parse")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFrameAssemblyAccumulatesSplitNotifications(t *testing.T) {
	adapter := faketransport.New()
	pool := blepool.New(adapter, blepool.DefaultConfig())
	codec := &bufferedCodec{}
	s := New(pool, testAddress, codec, DefaultConfig())
	require.NoError(t, s.Open(context.Background()))

	delivered := make(chan battery.Reading, 1)
	s.OnReading = func(r battery.Reading) { delivered <- r }

	// The frame splits across two transport reads; nothing should decode
	// until the end delimiter arrives.
	s.handleNotification(testAddress, []byte{0xAA, 0x01, 0x02})
	codec.mu.Lock()
	assert.Empty(t, codec.parsed)
	codec.mu.Unlock()

	s.handleNotification(testAddress, []byte{0x03, 0xBB})

	select {
	case r := <-delivered:
		assert.Equal(t, testAddress, r.Address)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for assembled reading")
	}

	codec.mu.Lock()
	require.Len(t, codec.parsed, 1)
	assert.Equal(t, []byte{0xAA, 0x01, 0x02, 0x03, 0xBB}, codec.parsed[0])
	codec.mu.Unlock()
}

func TestOnReadingReceivesUnsolicitedNotifications(t *testing.T) {
	s, adapter, _ := newTestSession(t)
	require.NoError(t, s.Open(context.Background()))

	delivered := make(chan battery.Reading, 1)
	s.OnReading = func(r battery.Reading) { delivered <- r }

	require.NoError(t, adapter.Notify(testAddress, []byte{0x00}))

	select {
	case r := <-delivered:
		assert.Equal(t, testAddress, r.Address)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unsolicited reading")
	}
}
