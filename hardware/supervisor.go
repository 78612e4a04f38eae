package hardware

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/electricautomaticchile/Websocket-api/errors"
	"github.com/electricautomaticchile/Websocket-api/event"
	"github.com/electricautomaticchile/Websocket-api/metric"
	"github.com/electricautomaticchile/Websocket-api/natsclient"
	"github.com/electricautomaticchile/Websocket-api/permission"
	"github.com/electricautomaticchile/Websocket-api/pkg/breaker"
	"github.com/electricautomaticchile/Websocket-api/pkg/retry"
	"github.com/electricautomaticchile/Websocket-api/registry"
)

// LinkState is the supervisor's view of the physical link
type LinkState int32

// Link states
const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
)

// String returns the string representation of LinkState
func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds supervisor configuration
type Config struct {
	Serial SerialConfig `yaml:"serial"`
	// ReconnectDelay is the fixed delay between reconnection attempts
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// MaxReconnectAttempts halts automatic retry once exceeded; operator
	// intervention (ResetReconnectAttempts) resumes it
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
	// SettleDelay is how long to wait after connecting before sending
	// restore directives, giving the endpoint time to finish booting
	SettleDelay time.Duration `yaml:"settle_delay"`
	// MaxConsecutiveMalformed bounds tolerance for corrupt lines before
	// the link is treated as unhealthy and recycled
	MaxConsecutiveMalformed int `yaml:"max_consecutive_malformed"`
	// DrainTimeout bounds the best-effort snapshot drain on close
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// DefaultConfig returns the default supervisor configuration
func DefaultConfig() Config {
	return Config{
		Serial:                  DefaultSerialConfig(),
		ReconnectDelay:          5 * time.Second,
		MaxReconnectAttempts:    10,
		SettleDelay:             2 * time.Second,
		MaxConsecutiveMalformed: 25,
		DrainTimeout:            5 * time.Second,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.ReconnectDelay <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Supervisor", "Validate",
			"reconnect delay must be positive")
	}
	if c.MaxReconnectAttempts <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Supervisor", "Validate",
			"max reconnect attempts must be positive")
	}
	if c.MaxConsecutiveMalformed <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Supervisor", "Validate",
			"malformed frame tolerance must be positive")
	}
	return nil
}

// Supervisor owns the physical link exclusively: endpoint discovery, the
// frame pump, the device registry, restore directives after reconnect, and
// all outbound writes (gated by the circuit breaker). No other component
// touches the link directly.
type Supervisor struct {
	cfg        Config
	discoverer Discoverer
	directory  Directory
	devices    *DeviceRegistry
	rooms      *registry.Registry
	snapshots  *natsclient.SnapshotStore
	breaker    *breaker.Breaker
	metrics    *metric.MetricsRegistry
	logger     *slog.Logger

	state             atomic.Int32
	reconnectAttempts atomic.Int32

	// endpointMu guards the open endpoint and the per-epoch restore set
	endpointMu   sync.Mutex
	endpoint     Endpoint
	endpointName string
	restored     map[string]bool

	lifecycleMu sync.Mutex
	running     bool
	stop        chan struct{}
	kick        chan struct{}
	wg          sync.WaitGroup
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithDiscoverer overrides endpoint discovery (tests use an in-memory pipe)
func WithDiscoverer(d Discoverer) Option {
	return func(s *Supervisor) { s.discoverer = d }
}

// WithDirectory sets the external device directory
func WithDirectory(d Directory) Option {
	return func(s *Supervisor) { s.directory = d }
}

// WithSnapshotStore enables the drain and restore-seed store (nil disables)
func WithSnapshotStore(store *natsclient.SnapshotStore) Option {
	return func(s *Supervisor) { s.snapshots = store }
}

// WithBreaker overrides the outbound write breaker
func WithBreaker(b *breaker.Breaker) Option {
	return func(s *Supervisor) { s.breaker = b }
}

// WithMetricsRegistry enables supervisor metrics (nil disables)
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(s *Supervisor) { s.metrics = registry }
}

// WithLogger sets the structured logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger.With("component", "hardware")
		}
	}
}

// New creates a supervisor publishing readings through the given registry
func New(cfg Config, rooms *registry.Registry, opts ...Option) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:       cfg,
		rooms:     rooms,
		devices:   NewDeviceRegistry(),
		directory: NullDirectory(),
		logger:    slog.Default().With("component", "hardware"),
		restored:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.discoverer == nil {
		s.discoverer = NewSerialDiscoverer(cfg.Serial)
	}
	if s.breaker == nil {
		s.breaker = breaker.New("hardware-link", breaker.DefaultConfig(),
			breaker.WithMetricsRegistry(s.metrics, "hardware-link"))
	}
	return s, nil
}

// Devices exposes the device registry for ownership lookups
func (s *Supervisor) Devices() *DeviceRegistry {
	return s.devices
}

// Breaker exposes the outbound write breaker for operational override
func (s *Supervisor) Breaker() *breaker.Breaker {
	return s.breaker
}

// State returns the current link state
func (s *Supervisor) State() LinkState {
	return LinkState(s.state.Load())
}

// ReconnectAttempts returns the consecutive failed reconnection attempts
func (s *Supervisor) ReconnectAttempts() int {
	return int(s.reconnectAttempts.Load())
}

// MaxReconnectAttempts returns the configured reconnection cap
func (s *Supervisor) MaxReconnectAttempts() int {
	return s.cfg.MaxReconnectAttempts
}

// ResetReconnectAttempts clears the attempt counter and resumes automatic
// reconnection after the cap halted it
func (s *Supervisor) ResetReconnectAttempts() {
	s.reconnectAttempts.Store(0)
	select {
	case s.kick <- struct{}{}:
	default:
	}
	s.logger.Info("reconnect attempts reset")
}

// Start launches the supervision loop
func (s *Supervisor) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return errors.ErrAlreadyStarted
	}
	s.running = true
	s.stop = make(chan struct{})
	s.kick = make(chan struct{}, 1)

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop tears the link down and waits for the loop to exit
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	s.closeEndpoint()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Supervisor", "Stop",
			"supervision loop did not exit in time")
	}
}

// run is the supervision loop: connect, pump frames, drain, reconnect
func (s *Supervisor) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connect(); err != nil {
			attempts := s.reconnectAttempts.Add(1)
			s.logger.Warn("link connect failed",
				"attempt", attempts,
				"max", s.cfg.MaxReconnectAttempts,
				"error", err)

			if int(attempts) >= s.cfg.MaxReconnectAttempts {
				s.logger.Error("automatic reconnect halted, awaiting operator reset",
					"error", errors.ErrReconnectExhausted)
				if !s.awaitKick(ctx) {
					return
				}
				continue
			}
			if !s.sleep(ctx, s.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		s.reconnectAttempts.Store(0)
		err := s.pumpFrames(ctx)
		s.teardown(ctx, err)

		if !s.sleep(ctx, s.cfg.ReconnectDelay) {
			return
		}
	}
}

// connect discovers and opens the endpoint and arms the restore timer
func (s *Supervisor) connect() error {
	s.setState(LinkConnecting)

	endpoint, name, err := s.discoverer.Discover()
	if err != nil {
		s.setState(LinkDisconnected)
		return err
	}

	s.endpointMu.Lock()
	s.endpoint = endpoint
	s.endpointName = name
	s.endpointMu.Unlock()

	s.setState(LinkConnected)
	s.logger.Info("link connected", "endpoint", name)

	// Restore runs after a settle delay so a freshly power-cycled endpoint
	// is not hit mid-boot
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-time.After(s.cfg.SettleDelay):
			s.restoreDevices()
		case <-s.stop:
		}
	}()

	return nil
}

// pumpFrames reads newline-delimited frames until the link fails or the
// malformed-frame tolerance is exhausted
func (s *Supervisor) pumpFrames(ctx context.Context) error {
	s.endpointMu.Lock()
	endpoint := s.endpoint
	s.endpointMu.Unlock()
	if endpoint == nil {
		return errors.ErrLinkClosed
	}

	scanner := bufio.NewScanner(endpoint)
	scanner.Buffer(make([]byte, 4096), 64*1024)
	consecutiveMalformed := 0

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		frame, ok, err := event.ParseFrame(line)
		if err != nil {
			consecutiveMalformed++
			s.countFrame("malformed")
			s.logger.Warn("malformed frame discarded",
				"consecutive", consecutiveMalformed, "error", err)
			if consecutiveMalformed >= s.cfg.MaxConsecutiveMalformed {
				return errors.WrapTransient(errors.ErrFrameFloodUnhealthy, "Supervisor", "pumpFrames",
					fmt.Sprintf("%d consecutive malformed frames", consecutiveMalformed))
			}
			continue
		}
		consecutiveMalformed = 0

		if !ok {
			s.countFrame("skipped")
			continue
		}

		s.countFrame("data")
		if err := s.handleFrame(ctx, frame); err != nil {
			s.logger.Warn("frame handling failed", "device", frame.DeviceID, "error", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.WrapTransient(err, "Supervisor", "pumpFrames", "link read")
	}
	return errors.ErrLinkClosed
}

// handleFrame registers unknown devices, updates the device registry, and
// republishes the reading through the room registry
func (s *Supervisor) handleFrame(ctx context.Context, frame event.DeviceFrame) error {
	if !s.devices.Known(frame.DeviceID) {
		ownership, err := s.directory.LookupOrCreate(ctx, frame.DeviceID, frame.CustomerID)
		if err != nil {
			return errors.Wrap(err, "Supervisor", "handleFrame",
				fmt.Sprintf("register device %s", frame.DeviceID))
		}
		state := s.devices.Register(ownership)
		s.seedFromSnapshot(ctx, state)
		s.logger.Info("device registered",
			"device", ownership.DeviceID,
			"customer", ownership.CustomerID)
	}

	reading := frame.Reading(time.Now())
	previous, _ := s.devices.UpdateReading(frame.DeviceID, reading)

	ownership, _ := s.devices.Ownership(frame.DeviceID)
	s.publishReading(ctx, ownership, reading, previous)
	return nil
}

// seedFromSnapshot pre-loads the last persisted reading so restore
// directives survive a process restart, not only a link cycle
func (s *Supervisor) seedFromSnapshot(ctx context.Context, state *DeviceState) {
	if s.snapshots == nil {
		return
	}
	snapshot, err := s.snapshots.Load(ctx, state.Ownership.DeviceID)
	if err != nil || snapshot == nil {
		return
	}
	s.devices.UpdateReading(state.Ownership.DeviceID, snapshot.Reading)
}

// publishReading fans the measurement out to the device and customer rooms
func (s *Supervisor) publishReading(ctx context.Context, ownership permission.DeviceOwnership, reading, previous event.Reading) {
	publish := func(name string, payload map[string]any) {
		ev := event.New(name, payload)
		ev.DeviceID = ownership.DeviceID
		ev.OwnerCustomerID = ownership.CustomerID
		ev.OwnerOrganizationID = ownership.OrganizationID

		s.rooms.Publish(ctx, fmt.Sprintf("device:%s", ownership.DeviceID), ev)
		if ownership.CustomerID != "" {
			s.rooms.Publish(ctx, fmt.Sprintf("customer:%s", ownership.CustomerID), ev)
		}
	}

	publish(event.VoltageUpdate, map[string]any{"deviceId": ownership.DeviceID, "voltage": reading.Voltage})
	publish(event.CurrentUpdate, map[string]any{"deviceId": ownership.DeviceID, "current": reading.Current})
	publish(event.PowerUpdate, map[string]any{
		"deviceId":    ownership.DeviceID,
		"activePower": reading.ActivePower,
	})
	publish(event.MetricsUpdate, map[string]any{
		"deviceId": ownership.DeviceID,
		"energy":   reading.Energy,
		"cost":     reading.Cost,
		"uptime":   reading.Uptime,
	})

	if relaysChanged(previous.Relays, reading.Relays) {
		publish(event.RelayUpdate, map[string]any{
			"deviceId": ownership.DeviceID,
			"relays":   reading.Relays,
		})
	}
}

func relaysChanged(previous, current map[string]bool) bool {
	if len(previous) != len(current) {
		return true
	}
	for name, state := range current {
		if previous[name] != state {
			return true
		}
	}
	return false
}

// restoreDevices re-sends the restore directive for every device seen but
// not yet restored in this connection epoch
func (s *Supervisor) restoreDevices() {
	for _, state := range s.devices.Snapshot() {
		deviceID := state.Ownership.DeviceID

		s.endpointMu.Lock()
		alreadyRestored := s.restored[deviceID]
		s.endpointMu.Unlock()
		if alreadyRestored {
			continue
		}

		// zero accumulators restore as zeros; every tracked device gets
		// exactly one directive per epoch
		directive := event.RestoreDirective(state.LastReading.Energy, state.LastReading.Cost)
		if err := s.writeThroughBreaker(directive); err != nil {
			s.logger.Warn("restore directive failed", "device", deviceID, "error", err)
			continue
		}

		s.endpointMu.Lock()
		s.restored[deviceID] = true
		s.endpointMu.Unlock()

		s.logger.Info("restore directive sent",
			"device", deviceID,
			"energy", state.LastReading.Energy,
			"cost", state.LastReading.Cost)
	}
}

// outboundCommand is the wire form of a command written to the link
type outboundCommand struct {
	Type      string `json:"type"`
	DeviceID  string `json:"deviceId"`
	Command   string `json:"command"`
	CommandID string `json:"commandId,omitempty"`
}

// SendCommand writes a command to the link through the circuit breaker.
// Callers are expected to have already passed the permission filter. An
// open circuit surfaces as errors.ErrCircuitOpen.
func (s *Supervisor) SendCommand(_ context.Context, deviceID, command, commandID string) error {
	if s.State() != LinkConnected {
		return errors.WrapTransient(errors.ErrLinkClosed, "Supervisor", "SendCommand",
			fmt.Sprintf("link %s", s.State()))
	}

	data, err := json.Marshal(outboundCommand{
		Type:      "command",
		DeviceID:  deviceID,
		Command:   command,
		CommandID: commandID,
	})
	if err != nil {
		return errors.WrapInvalid(err, "Supervisor", "SendCommand", "marshal command")
	}

	return s.writeThroughBreaker(append(data, '\n'))
}

// writeThroughBreaker serializes outbound writes and gates them with the
// circuit breaker
func (s *Supervisor) writeThroughBreaker(data []byte) error {
	return s.breaker.Execute(func() error {
		s.endpointMu.Lock()
		defer s.endpointMu.Unlock()

		if s.endpoint == nil {
			return errors.ErrLinkClosed
		}
		_, err := s.endpoint.Write(data)
		return err
	})
}

// teardown drains snapshots, closes the endpoint, and clears the per-epoch
// restore set exactly once per disconnect
func (s *Supervisor) teardown(ctx context.Context, cause error) {
	s.logger.Warn("link closed", "endpoint", s.endpointName, "cause", cause)

	s.drain(ctx)
	s.closeEndpoint()

	s.endpointMu.Lock()
	s.restored = make(map[string]bool)
	s.endpointMu.Unlock()

	s.setState(LinkDisconnected)
}

// drain best-effort persists the last-known reading of every tracked
// device. Each save gets a short retry inside the drain window; a device
// whose snapshot still fails is logged and skipped.
func (s *Supervisor) drain(ctx context.Context) {
	if s.snapshots == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	retryCfg := retry.Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	for _, state := range s.devices.Snapshot() {
		if state.LastSeen.IsZero() {
			continue
		}
		snapshot := natsclient.DeviceSnapshot{
			DeviceID:   state.Ownership.DeviceID,
			CustomerID: state.Ownership.CustomerID,
			Reading:    state.LastReading,
			SavedAt:    time.Now(),
		}
		err := retry.Do(ctx, retryCfg, func() error {
			return s.snapshots.Save(ctx, snapshot)
		})
		if err != nil {
			s.logger.Warn("snapshot drain failed",
				"device", state.Ownership.DeviceID, "error", err)
		}
	}
}

func (s *Supervisor) closeEndpoint() {
	s.endpointMu.Lock()
	defer s.endpointMu.Unlock()
	if s.endpoint != nil {
		_ = s.endpoint.Close()
		s.endpoint = nil
	}
}

func (s *Supervisor) setState(state LinkState) {
	s.state.Store(int32(state))
	if s.metrics != nil {
		s.metrics.Metrics.HardwareLinkState.Set(float64(state))
	}
}

func (s *Supervisor) countFrame(outcome string) {
	if s.metrics != nil {
		s.metrics.Metrics.HardwareFramesTotal.WithLabelValues(outcome).Inc()
	}
}

// sleep waits for the duration unless stopped; returns false on stop
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

// awaitKick blocks until an operator resets the attempt counter; returns
// false on stop
func (s *Supervisor) awaitKick(ctx context.Context) bool {
	select {
	case <-s.kick:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}
