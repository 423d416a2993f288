// Package core provides Engine, the orchestrator that maintains the
// authoritative in-memory device/vehicle registry, drives discovery,
// starts and stops per-device sessions as configuration changes, and fans
// out events to the bus.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/batteryhawk/core/pkg/battery"
	"github.com/batteryhawk/core/pkg/blepool"
	"github.com/batteryhawk/core/pkg/blepool/reconnect"
	"github.com/batteryhawk/core/pkg/config"
	"github.com/batteryhawk/core/pkg/metrics"
	"github.com/batteryhawk/core/pkg/protocol/bm6"
	"github.com/batteryhawk/core/pkg/protocol/legacy"
	"github.com/batteryhawk/core/pkg/registrystore"
	"github.com/batteryhawk/core/pkg/rules"
	"github.com/batteryhawk/core/pkg/scheduler"
	"github.com/batteryhawk/core/pkg/session"
	"github.com/batteryhawk/core/pkg/transport/ble"
	mqttclient "github.com/batteryhawk/core/pkg/transport/mqtt"
)

// Common errors.
var (
	ErrEngineNotStarted   = errors.New("core: engine not started")
	ErrEngineStopped      = errors.New("core: engine stopped")
	ErrDeviceNotFound     = errors.New("core: device not found")
	ErrDeviceExists       = errors.New("core: device already registered")
	ErrVehicleNotFound    = errors.New("core: vehicle not found")
	ErrVehicleExists      = errors.New("core: vehicle already registered")
	ErrUnsupportedFamily  = errors.New("core: unsupported protocol family")
)

// DefaultShutdownGrace is how long Stop waits for the MQTT client's queue
// to drain before closing it.
const DefaultShutdownGrace = 10 * time.Second

// Engine is the main orchestrator: device/vehicle registry, discovery
// driver, session lifecycle, bus owner. Grounded on the teacher's
// pkg/core/engine.go (Start/Stop/single-mutex/panic-recovery idiom kept;
// the gateway concept is replaced by one session.Session per configured
// device, and AI/cluster/plugin/bridge/REST concerns are dropped as
// Non-goals — see DESIGN.md).
type Engine struct {
	mu sync.RWMutex

	adapter    ble.Adapter
	pool       *blepool.Pool
	scheduler  *scheduler.Scheduler
	reconciler *reconnect.Controller
	bus        *Bus
	protocols  *ProtocolRegistry
	store      registrystore.Store
	cfg        *config.Config
	logger     *slog.Logger
	mqttClient *mqttclient.Client
	mqttTopics mqttclient.Config

	devices   map[battery.Address]*battery.DeviceRecord
	vehicles  map[string]*battery.VehicleRecord
	sessions  map[battery.Address]*session.Session
	readings  map[battery.Address]battery.Reading
	summaries map[string]battery.VehicleSummary
	ruleEngines map[battery.Address]rules.Engine

	started           bool
	discoveryEnabled  atomic.Bool
	startedAt         time.Time
	ctx               context.Context
	cancel            context.CancelFunc
	discoveryDone     chan struct{}
	systemStatusDone  chan struct{}
}

// Version is the orchestrator's reported version for system status
// snapshots.
const Version = "0.1.0"

// New creates an Engine against the given adapter and registry store. cfg
// must already be validated (config.Validate). mqttClient may be nil if
// MQTT publishing is disabled.
func New(adapter ble.Adapter, store registrystore.Store, cfg *config.Config, logger *slog.Logger, mqttClient *mqttclient.Client) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	protocols := NewProtocolRegistry()
	_ = protocols.Register(battery.ProtocolBM6, func() battery.ProtocolFamilyCodec { return bm6.New() })
	_ = protocols.Register(battery.ProtocolBM2, func() battery.ProtocolFamilyCodec { return legacy.New() })
	_ = protocols.Register(battery.ProtocolGeneric, func() battery.ProtocolFamilyCodec { return legacy.New() })

	poolCfg := blepool.DefaultConfig()
	poolCfg.Cap = cfg.Bluetooth.MaxConcurrentConnections
	poolCfg.ConnectTimeout = cfg.ConnectionTimeout()

	e := &Engine{
		adapter:     adapter,
		pool:        blepool.New(adapter, poolCfg),
		scheduler:   scheduler.New(cfg.Bluetooth.MaxConcurrentConnections, time.Now().UnixNano()),
		reconciler:  reconnect.New(reconnect.DefaultConfig(), time.Now().UnixNano()),
		bus:         NewBus(DefaultQueueSize),
		protocols:   protocols,
		store:       store,
		cfg:         cfg,
		logger:      logger,
		mqttClient:  mqttClient,
		mqttTopics:  mqttclient.Config{TopicPrefix: cfg.MQTT.TopicPrefix},
		devices:     make(map[battery.Address]*battery.DeviceRecord),
		vehicles:    make(map[string]*battery.VehicleRecord),
		sessions:    make(map[battery.Address]*session.Session),
		readings:    make(map[battery.Address]battery.Reading),
		summaries:   make(map[string]battery.VehicleSummary),
		ruleEngines: make(map[battery.Address]rules.Engine),
	}
	e.reconciler.OnOutcome = e.handleReconnectOutcome
	return e
}

// Bus exposes the event bus for subscribers outside the orchestrator.
func (e *Engine) Bus() *Bus { return e.bus }

// Start hydrates the registry from the store, starts the connection
// pool's sweep, starts a session for every already-configured device, and
// launches the discovery driver.
func (e *Engine) Start(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic recovered in Engine.Start", "error", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("core: start panicked: %v", r)
		}
	}()

	if e.started {
		return nil
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	devices, err := e.store.LoadDevices()
	if err != nil {
		return fmt.Errorf("core: hydrate devices: %w", err)
	}
	for i := range devices {
		d := devices[i]
		e.devices[d.Address] = &d
	}

	vehicles, err := e.store.LoadVehicles()
	if err != nil {
		return fmt.Errorf("core: hydrate vehicles: %w", err)
	}
	for i := range vehicles {
		v := vehicles[i]
		e.vehicles[v.ID] = &v
	}

	for addr, d := range e.devices {
		if d.ScriptPath == "" {
			continue
		}
		engine, err := rules.NewLuaEngine(d.ScriptPath)
		if err != nil {
			e.logger.Warn("failed to load alert script", "device", addr, "script_path", d.ScriptPath, "error", err)
			continue
		}
		e.ruleEngines[addr] = engine
	}

	e.pool.StartSweep()

	for _, d := range e.devices {
		if d.Polled() {
			e.startDeviceSessionLocked(d)
		}
	}

	e.discoveryEnabled.Store(true)
	e.discoveryDone = make(chan struct{})
	go e.discoveryLoop()

	if e.mqttClient != nil {
		e.systemStatusDone = make(chan struct{})
		go e.systemStatusLoop()
	}

	e.started = true
	e.startedAt = time.Now().UTC()
	e.logger.Info("engine started", "devices", len(e.devices), "vehicles", len(e.vehicles))
	return nil
}

// Stop runs the documented shutdown sequence: stop discovery, stop all
// poll drivers, close all sessions, stop the MQTT worker (bounded grace
// period), publish system.shutdown, close the bus.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	cancel := e.cancel
	sessions := make(map[battery.Address]*session.Session, len(e.sessions))
	for addr, s := range e.sessions {
		sessions[addr] = s
	}
	ruleEngines := make(map[battery.Address]rules.Engine, len(e.ruleEngines))
	for addr, r := range e.ruleEngines {
		ruleEngines[addr] = r
	}
	e.mu.Unlock()

	cancel()
	if e.discoveryDone != nil {
		<-e.discoveryDone
	}
	if e.systemStatusDone != nil {
		<-e.systemStatusDone
	}

	e.scheduler.Stop()
	e.pool.StopSweep()

	for addr, s := range sessions {
		if err := s.Close(); err != nil {
			e.logger.Warn("error closing session", "device", addr, "error", err)
		}
	}
	for addr, r := range ruleEngines {
		if err := r.Close(); err != nil {
			e.logger.Warn("error closing alert script", "device", addr, "error", err)
		}
	}

	if e.mqttClient != nil {
		grace := make(chan struct{})
		go func() {
			_ = e.mqttClient.Close()
			close(grace)
		}()
		select {
		case <-grace:
		case <-time.After(DefaultShutdownGrace):
			e.logger.Warn("mqtt client close did not finish within grace period")
		}
	}

	e.bus.Publish(TopicSystemShutdown, struct{}{})
	e.bus.Close()

	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("error closing registry store", "error", err)
		}
	}

	e.logger.Info("engine stopped")
	return nil
}

// startDeviceSessionLocked creates and opens a session for d, registering
// it with the scheduler on success or handing it to the reconnection
// controller on failure. Callers must hold e.mu.
func (e *Engine) startDeviceSessionLocked(d *battery.DeviceRecord) {
	codec, err := e.protocols.Create(d.Protocol)
	if err != nil {
		e.logger.Error("no codec for device", "device", d.Address, "protocol", d.Protocol, "error", err)
		return
	}

	sess := session.New(e.pool, d.Address, codec, session.DefaultConfig())
	sess.SetLogger(e.logger.With("device", d.Address))
	address := d.Address

	sess.OnReading = func(reading battery.Reading) {
		e.handleReading(address, reading)
	}
	sess.OnForcedReconnect = func(addr battery.Address) {
		e.handleForcedReconnect(addr)
	}

	e.sessions[address] = sess

	if err := sess.Open(e.ctx); err != nil {
		e.logger.Warn("initial session open failed, starting reconnection", "device", address, "error", err)
		e.startReconnectLoop(address, sess)
		return
	}

	e.registerPollingLocked(d, sess)
	e.publishConnection(address, "disconnected", "connected")
}

func (e *Engine) registerPollingLocked(d *battery.DeviceRecord, sess *session.Session) {
	cadence := d.PollCadence
	if cadence <= 0 {
		cadence = 30 * time.Second
	}
	address := d.Address
	e.scheduler.RegisterDevice(e.ctx, address, cadence, func(ctx context.Context) error {
		_, err := sess.RequestVoltageTempSoC(ctx)
		if err != nil {
			metrics.IncPoll(string(address), metrics.StatusFailed)
			return err
		}
		metrics.IncPoll(string(address), metrics.StatusSuccess)
		return nil
	})
}

func (e *Engine) startReconnectLoop(address battery.Address, sess *session.Session) {
	e.reconciler.Start(e.ctx, address, func(ctx context.Context) error {
		return sess.Open(ctx)
	}, nil)
}

// handleReconnectOutcome is the Controller's single OnOutcome callback,
// shared by every device's reconnection loop and dispatched by address.
func (e *Engine) handleReconnectOutcome(outcome reconnect.Outcome) {
	if outcome.Err != nil {
		metrics.IncReconnect(string(outcome.Address), metrics.OutcomeExhausted)
		e.publishConnection(outcome.Address, "reconnecting", "error")
		return
	}
	metrics.IncReconnect(string(outcome.Address), metrics.OutcomeConnected)
	e.publishConnection(outcome.Address, "reconnecting", "connected")

	e.mu.Lock()
	d, dOk := e.devices[outcome.Address]
	sess, sOk := e.sessions[outcome.Address]
	if dOk && sOk {
		e.registerPollingLocked(d, sess)
	}
	e.mu.Unlock()
}

func (e *Engine) handleForcedReconnect(address battery.Address) {
	e.scheduler.UnregisterDevice(address)
	metrics.IncReconnect(string(address), metrics.OutcomeCancelled)
	e.publishConnection(address, "connected", "reconnecting")

	e.mu.RLock()
	sess := e.sessions[address]
	e.mu.RUnlock()
	if sess == nil {
		return
	}

	e.startReconnectLoop(address, sess)
}

func (e *Engine) publishConnection(address battery.Address, oldState, newState string) {
	e.bus.Publish(TopicDeviceConnection, DeviceConnection{Address: address, OldState: oldState, NewState: newState})
	e.publishDeviceStatus(address, newState == "connected")
}

// publishDeviceStatus fans a device's live runtime status out to the bus
// and, if MQTT is configured, the device_status topic.
func (e *Engine) publishDeviceStatus(address battery.Address, connected bool) {
	runtime := battery.RuntimeStatus{
		Connected: connected,
		UpdatedAt: time.Now().UTC(),
	}
	e.bus.Publish(TopicDeviceStatus, DeviceStatus{Address: address, Runtime: runtime})

	if e.mqttClient != nil {
		if payload, err := json.Marshal(runtime); err == nil {
			topic := e.mqttTopics.DeviceStatusTopic(string(address))
			_ = e.mqttClient.Publish(mqttclient.TopicDeviceStatus, topic, payload)
		}
	}
}

// handleReading applies optional per-device alert scripting, records the
// reading, publishes it, and recomputes the owning vehicle's summary.
func (e *Engine) handleReading(address battery.Address, reading battery.Reading) {
	e.mu.RLock()
	ruleEngine := e.ruleEngines[address]
	vehicleID := ""
	if d, ok := e.devices[address]; ok {
		vehicleID = d.VehicleID
	}
	e.mu.RUnlock()

	if ruleEngine != nil {
		keep, err := ruleEngine.Evaluate(&reading)
		if err != nil {
			e.logger.Warn("alert script error", "device", address, "error", err)
		}
		if !keep {
			return
		}
	}

	e.mu.Lock()
	e.readings[address] = reading
	e.mu.Unlock()

	e.bus.Publish(TopicDeviceReading, DeviceReading{Address: address, Reading: reading})

	if e.mqttClient != nil {
		if payload, err := json.Marshal(reading); err == nil {
			topic := e.mqttTopics.DeviceReadingTopic(string(address))
			_ = e.mqttClient.Publish(mqttclient.TopicDeviceReading, topic, payload)
		}
	}

	if vehicleID != "" {
		e.recomputeVehicleSummary(vehicleID)
	}
}

// recomputeVehicleSummary rolls up every member device's latest reading
// and connection state, publishing only when the computed summary
// (ignoring its timestamp) differs from the cached one.
func (e *Engine) recomputeVehicleSummary(vehicleID string) {
	e.mu.Lock()
	var members []battery.Address
	for addr, d := range e.devices {
		if d.VehicleID == vehicleID {
			members = append(members, addr)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })

	var totalVoltage, totalCapacity float64
	var voltageSamples int
	connected := 0
	for _, addr := range members {
		if _, subscribed := e.pool.Health(addr); subscribed {
			connected++
		}
		if r, ok := e.readings[addr]; ok {
			totalVoltage += r.Voltage
			voltageSamples++
			if r.CapacityAh != nil {
				totalCapacity += *r.CapacityAh
			}
		}
	}

	var avgVoltage float64
	if voltageSamples > 0 {
		avgVoltage = totalVoltage / float64(voltageSamples)
	}

	health := battery.HealthUnknown
	switch {
	case len(members) == 0:
		health = battery.HealthUnknown
	case connected == len(members):
		health = battery.HealthGood
	case connected == 0:
		health = battery.HealthBad
	default:
		health = battery.HealthDegraded
	}

	summary := battery.VehicleSummary{
		VehicleID:        vehicleID,
		TotalDevices:     len(members),
		ConnectedDevices: connected,
		AverageVoltage:   avgVoltage,
		TotalCapacity:    totalCapacity,
		OverallHealth:    health,
		Devices:          members,
	}

	previous, hadPrevious := e.summaries[vehicleID]
	unchanged := hadPrevious && summariesEqualIgnoringTimestamp(previous, summary)

	summary.Timestamp = time.Now().UTC()
	e.summaries[vehicleID] = summary
	e.mu.Unlock()

	if unchanged {
		return
	}
	e.bus.Publish(TopicVehicleSummary, VehicleSummaryEvent{VehicleID: vehicleID, Summary: summary})

	if e.mqttClient != nil {
		if payload, err := json.Marshal(summary); err == nil {
			topic := e.mqttTopics.VehicleSummaryTopic(vehicleID)
			_ = e.mqttClient.Publish(mqttclient.TopicVehicleSummary, topic, payload)
		}
	}
}

func summariesEqualIgnoringTimestamp(a, b battery.VehicleSummary) bool {
	a.Timestamp, b.Timestamp = time.Time{}, time.Time{}
	if a.VehicleID != b.VehicleID || a.TotalDevices != b.TotalDevices ||
		a.ConnectedDevices != b.ConnectedDevices || a.AverageVoltage != b.AverageVoltage ||
		a.TotalCapacity != b.TotalCapacity || a.OverallHealth != b.OverallHealth ||
		len(a.Devices) != len(b.Devices) {
		return false
	}
	for i := range a.Devices {
		if a.Devices[i] != b.Devices[i] {
			return false
		}
	}
	return true
}

// discoveryLoop runs the initial scan (if configured) and then a scan
// every PeriodicInterval, until the engine's context is cancelled.
// Grounded on the teacher's cluster.Manager heartbeat loop shape.
func (e *Engine) discoveryLoop() {
	defer close(e.discoveryDone)

	if e.cfg.Discovery.InitialScan {
		e.discoverOnce()
	}

	interval := e.cfg.DiscoveryPeriodicInterval()
	if interval <= 0 {
		interval = scheduler.DefaultDiscoveryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.discoveryEnabled.Load() {
				e.discoverOnce()
			}
		}
	}
}

// systemStatusLoop publishes a SystemStatus snapshot to the MQTT
// system_status topic on the configured health-check cadence, until the
// engine's context is cancelled. Only started when an MQTT client is
// configured.
func (e *Engine) systemStatusLoop() {
	defer close(e.systemStatusDone)

	interval := time.Duration(e.cfg.MQTT.HealthCheckIntervalS) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.publishSystemStatus()
		}
	}
}

func (e *Engine) publishSystemStatus() {
	status := e.Status()
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	_ = e.mqttClient.Publish(mqttclient.TopicSystemStatus, e.mqttTopics.SystemStatusTopic(), payload)
}

// StartDiscovery re-enables periodic discovery and runs one scan
// immediately. No-op if discovery is already enabled.
func (e *Engine) StartDiscovery() {
	if e.discoveryEnabled.CompareAndSwap(false, true) {
		go e.discoverOnce()
	}
}

// StopDiscovery disables periodic discovery until StartDiscovery is
// called again. Does not interrupt a scan already in progress.
func (e *Engine) StopDiscovery() {
	e.discoveryEnabled.Store(false)
}

// discoverOnce excludes the scheduler's poll admissions for the scan's
// duration, since scan and connect both require exclusive adapter access.
func (e *Engine) discoverOnce() {
	e.scheduler.PauseForDiscovery(func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.DiscoveryScanDuration())
		defer cancel()

		results, err := e.adapter.Scan(ctx, e.cfg.DiscoveryScanDuration())
		if err != nil {
			e.logger.Error("discovery scan failed", "error", err)
			return
		}

		for result := range results {
			e.handleScanResult(result)
		}
	})
}

func (e *Engine) handleScanResult(result ble.ScanResult) {
	address, err := battery.ParseAddress(result.Address)
	if err != nil {
		return
	}

	e.mu.Lock()
	_, known := e.devices[address]
	if known {
		e.mu.Unlock()
		return
	}

	record := &battery.DeviceRecord{
		Address:      address,
		Protocol:     battery.ProtocolGeneric,
		FriendlyName: result.LocalName,
		Status:       battery.DeviceDiscovered,
		DiscoveredAt: time.Now().UTC(),
		Policy:       battery.DefaultConnectionPolicy(),
	}
	e.devices[address] = record
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.SaveDevice(*record); err != nil {
			e.logger.Warn("failed to persist discovered device", "device", address, "error", err)
		}
	}

	hints := make(map[string]string, len(result.ManufacturerData))
	for id, data := range result.ManufacturerData {
		hints[fmt.Sprintf("manufacturer_%d", id)] = fmt.Sprintf("%x", data)
	}
	discovered := DeviceDiscovered{Address: address, Hints: hints}
	e.bus.Publish(TopicDeviceDiscovered, discovered)

	if e.mqttClient != nil {
		if payload, err := json.Marshal(discovered); err == nil {
			_ = e.mqttClient.Publish(mqttclient.TopicDiscoveryFound, e.mqttTopics.DiscoveryFoundTopic(), payload)
		}
	}
}

// ListDevices returns a snapshot of every known device, sorted by
// address.
func (e *Engine) ListDevices() []battery.DeviceRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]battery.DeviceRecord, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// GetDevice returns a snapshot of one device's record.
func (e *Engine) GetDevice(address battery.Address) (battery.DeviceRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.devices[address]
	if !ok {
		return battery.DeviceRecord{}, ErrDeviceNotFound
	}
	return *d, nil
}

// AddDevice registers a device record directly, e.g. an operator entering
// a known address without running discovery first.
func (e *Engine) AddDevice(record battery.DeviceRecord) error {
	e.mu.Lock()
	if _, exists := e.devices[record.Address]; exists {
		e.mu.Unlock()
		return ErrDeviceExists
	}
	if record.DiscoveredAt.IsZero() {
		record.DiscoveredAt = time.Now().UTC()
	}
	if record.Status == "" {
		record.Status = battery.DeviceDiscovered
	}
	if record.Policy == (battery.ConnectionPolicy{}) {
		record.Policy = battery.DefaultConnectionPolicy()
	}
	stored := record
	e.devices[record.Address] = &stored

	running := e.started
	if running && stored.Polled() {
		e.startDeviceSessionLocked(&stored)
	}
	e.mu.Unlock()

	if record.ScriptPath != "" {
		e.loadRuleEngine(record.Address, record.ScriptPath)
	}

	if e.store != nil {
		return e.store.SaveDevice(record)
	}
	return nil
}

// loadRuleEngine compiles address's alert script and installs it, logging
// and leaving the device without scripting rather than failing device
// registration/configuration on a bad script.
func (e *Engine) loadRuleEngine(address battery.Address, scriptPath string) {
	engine, err := rules.NewLuaEngine(scriptPath)
	if err != nil {
		e.logger.Warn("failed to load alert script", "device", address, "script_path", scriptPath, "error", err)
		return
	}

	e.mu.Lock()
	previous := e.ruleEngines[address]
	e.ruleEngines[address] = engine
	e.mu.Unlock()

	if previous != nil {
		_ = previous.Close()
	}
}

// ConfigureDevice assigns a protocol family, poll cadence, and optional
// alert script to a discovered device and, if the engine is running,
// starts its session.
func (e *Engine) ConfigureDevice(address battery.Address, protocol battery.ProtocolFamily, cadence time.Duration, friendlyName string, scriptPath string) error {
	e.mu.Lock()
	d, ok := e.devices[address]
	if !ok {
		e.mu.Unlock()
		return ErrDeviceNotFound
	}
	if _, err := e.protocols.Create(protocol); err != nil {
		e.mu.Unlock()
		return ErrUnsupportedFamily
	}

	now := time.Now().UTC()
	d.Protocol = protocol
	d.PollCadence = cadence
	d.FriendlyName = friendlyName
	d.ScriptPath = scriptPath
	d.Status = battery.DeviceConfigured
	d.ConfiguredAt = &now

	running := e.started
	if running {
		e.startDeviceSessionLocked(d)
	}
	snapshot := *d
	e.mu.Unlock()

	if scriptPath != "" {
		e.loadRuleEngine(address, scriptPath)
	}

	if e.store != nil {
		return e.store.SaveDevice(snapshot)
	}
	return nil
}

// RemoveDevice stops and removes a device's session, unregisters its
// scheduler driver, and deletes its record.
func (e *Engine) RemoveDevice(address battery.Address) error {
	e.mu.Lock()
	_, ok := e.devices[address]
	if !ok {
		e.mu.Unlock()
		return ErrDeviceNotFound
	}
	sess := e.sessions[address]
	ruleEngine := e.ruleEngines[address]
	delete(e.devices, address)
	delete(e.sessions, address)
	delete(e.readings, address)
	delete(e.ruleEngines, address)
	e.mu.Unlock()

	e.scheduler.UnregisterDevice(address)
	e.reconciler.Cancel(address)
	if sess != nil {
		_ = sess.Close()
	}
	if ruleEngine != nil {
		_ = ruleEngine.Close()
	}

	if e.store != nil {
		if err := e.store.DeleteDevice(address); err != nil && !errors.Is(err, registrystore.ErrNotFound) {
			return err
		}
	}
	return nil
}

// ForceReconnect closes and reopens a device's session outside its normal
// failure-threshold path, e.g. at operator request.
func (e *Engine) ForceReconnect(address battery.Address) error {
	e.mu.RLock()
	sess, ok := e.sessions[address]
	e.mu.RUnlock()
	if !ok {
		return ErrDeviceNotFound
	}

	e.scheduler.UnregisterDevice(address)
	_ = sess.Close()
	e.startReconnectLoop(address, sess)
	return nil
}

// AddVehicle registers a new vehicle record.
func (e *Engine) AddVehicle(record battery.VehicleRecord) error {
	e.mu.Lock()
	if _, exists := e.vehicles[record.ID]; exists {
		e.mu.Unlock()
		return ErrVehicleExists
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	e.vehicles[record.ID] = &record
	e.mu.Unlock()

	if e.store != nil {
		return e.store.SaveVehicle(record)
	}
	return nil
}

// RemoveVehicle deletes a vehicle record. Member devices keep their
// VehicleID, which now dangles; callers should reassign or clear it.
func (e *Engine) RemoveVehicle(vehicleID string) error {
	e.mu.Lock()
	if _, ok := e.vehicles[vehicleID]; !ok {
		e.mu.Unlock()
		return ErrVehicleNotFound
	}
	delete(e.vehicles, vehicleID)
	delete(e.summaries, vehicleID)
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.DeleteVehicle(vehicleID); err != nil && !errors.Is(err, registrystore.ErrNotFound) {
			return err
		}
	}
	return nil
}

// ListVehicles returns a snapshot of every known vehicle, sorted by ID.
func (e *Engine) ListVehicles() []battery.VehicleRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]battery.VehicleRecord, 0, len(e.vehicles))
	for _, v := range e.vehicles {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AssociateDevice assigns address to vehicleID, updates each vehicle's
// device count, and publishes vehicle.associated.
func (e *Engine) AssociateDevice(address battery.Address, vehicleID string) error {
	e.mu.Lock()
	d, ok := e.devices[address]
	if !ok {
		e.mu.Unlock()
		return ErrDeviceNotFound
	}
	if _, ok := e.vehicles[vehicleID]; !ok {
		e.mu.Unlock()
		return ErrVehicleNotFound
	}

	previous := d.VehicleID
	d.VehicleID = vehicleID
	e.recountVehicleLocked(previous)
	e.recountVehicleLocked(vehicleID)
	snapshot := *d
	e.mu.Unlock()

	e.bus.Publish(TopicVehicleAssociated, VehicleAssociated{VehicleID: vehicleID, Address: address})
	e.recomputeVehicleSummary(vehicleID)

	if e.store != nil {
		return e.store.SaveDevice(snapshot)
	}
	return nil
}

// recountVehicleLocked refreshes a vehicle's cached DeviceCount. Callers
// must hold e.mu. No-op if vehicleID is empty or unknown.
func (e *Engine) recountVehicleLocked(vehicleID string) {
	if vehicleID == "" {
		return
	}
	v, ok := e.vehicles[vehicleID]
	if !ok {
		return
	}
	count := 0
	for _, d := range e.devices {
		if d.VehicleID == vehicleID {
			count++
		}
	}
	v.DeviceCount = count
}

// LatestReading returns the most recent reading recorded for address.
func (e *Engine) LatestReading(address battery.Address) (battery.Reading, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.readings[address]
	return r, ok
}

// VehicleSummary returns the most recently computed summary for
// vehicleID.
func (e *Engine) VehicleSummary(vehicleID string) (battery.VehicleSummary, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.summaries[vehicleID]
	return s, ok
}

// HealthSnapshot is the point-in-time status surface for operator
// health/status endpoints.
type HealthSnapshot struct {
	PoolStats    blepool.Stats
	DeviceStates map[battery.Address]string
}

// Health returns a snapshot of pool occupancy and per-device connection
// state.
func (e *Engine) Health() HealthSnapshot {
	e.mu.RLock()
	addresses := make([]battery.Address, 0, len(e.devices))
	for addr := range e.devices {
		addresses = append(addresses, addr)
	}
	e.mu.RUnlock()

	connected := 0
	states := make(map[battery.Address]string, len(addresses))
	for _, addr := range addresses {
		state, subscribed := e.pool.Health(addr)
		states[addr] = state.String()
		if subscribed {
			connected++
		}
	}

	poolStats := e.pool.Stats()
	metrics.SetConnectedDevices(connected)
	metrics.SetPoolQueueDepth(poolStats.Queued)
	if e.mqttClient != nil {
		metrics.SetMQTTQueueDepth(e.mqttClient.Stats().QueueSize)
	}

	return HealthSnapshot{PoolStats: poolStats, DeviceStates: states}
}

// SystemStatus is the point-in-time system status snapshot published to
// the system.status MQTT topic and exposed to health endpoints.
type SystemStatus struct {
	Timestamp       time.Time `json:"timestamp"`
	Running         bool      `json:"running"`
	UptimeS         float64   `json:"uptime_s"`
	Version         string    `json:"version"`
	StorageEnabled  bool      `json:"storage_enabled"`
	MQTTConnected   bool      `json:"mqtt_connected"`
	BluetoothActive bool      `json:"bluetooth_active"`
}

// Status returns a SystemStatus snapshot.
func (e *Engine) Status() SystemStatus {
	e.mu.RLock()
	running := e.started
	startedAt := e.startedAt
	e.mu.RUnlock()

	var uptime float64
	if running {
		uptime = time.Since(startedAt).Seconds()
	}

	mqttConnected := false
	if e.mqttClient != nil {
		mqttConnected = e.mqttClient.Stats().State == mqttclient.StateConnected
	}

	return SystemStatus{
		Timestamp:       time.Now().UTC(),
		Running:         running,
		UptimeS:         uptime,
		Version:         Version,
		StorageEnabled:  e.cfg.Storage.Enabled,
		MQTTConnected:   mqttConnected,
		BluetoothActive: running,
	}
}
