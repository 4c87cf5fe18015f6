// Package monitor drives the periodic polling loop on top of the helper
// session: one critical status round-trip per tick, a hardware-info refresh
// at a coarser cadence, and a staleness watchdog that forces a reconnect
// when status stops flowing.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"fanctl-go/bus"
	"fanctl-go/errcode"
	"fanctl-go/logger"
	"fanctl-go/protocol"
	"fanctl-go/supervisor"
)

// Retained topics. A late subscriber always sees the last good snapshot.
var (
	TopicStatus = bus.T("status")
	TopicHWInfo = bus.T("hwinfo")
)

// Helper is the slice of the supervisor the monitor drives. Tests substitute
// a scripted fake.
type Helper interface {
	Roundtrip(ctx context.Context, req protocol.Request) (protocol.Response, error)
	Reconnect(ctx context.Context) error
	State() supervisor.State
}

// Options tune the polling cadences.
type Options struct {
	// PollInterval is the critical status cadence.
	PollInterval time.Duration
	// InfoEvery refreshes hardware info every Nth tick. Hardware identity
	// changes at most across reboots, so this is deliberately coarse.
	InfoEvery int
	// StaleAfter is how long the snapshot may age before the session is
	// presumed wedged and torn down.
	StaleAfter time.Duration
	// Now is the clock. Tests inject a fake.
	Now func() time.Time
}

func (o *Options) fill() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.InfoEvery <= 0 {
		o.InfoEvery = 30
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Monitor owns the poll loop and the last-known-good snapshot.
type Monitor struct {
	helper Helper
	conn   *bus.Connection
	opts   Options

	mu           sync.Mutex
	status       *protocol.Status
	statusAt     time.Time
	info         *protocol.HardwareInfo
	ticks        int
	reconnecting bool
	retryHalted  bool // last reconnect failed in a way only the user can clear
}

// New builds a monitor. conn may be nil; snapshots are then only reachable
// through Status and HardwareInfo.
func New(helper Helper, conn *bus.Connection, opts Options) *Monitor {
	opts.fill()
	return &Monitor{helper: helper, conn: conn, opts: opts}
}

// Run polls until ctx is cancelled. One tick runs at most one critical and
// one non-critical round-trip; the supervisor serializes them against any
// concurrent control request.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one poll cycle.
func (m *Monitor) tick(ctx context.Context) {
	m.checkStale(ctx)

	resp, err := m.helper.Roundtrip(ctx, protocol.GetStatus())
	if err != nil {
		logger.Error("status poll: %v", err)
		if errcode.Of(err) == errcode.ProcessLost {
			m.kickReconnect(ctx)
		}
	} else if resp.Status != nil {
		m.mu.Lock()
		m.status = resp.Status
		m.statusAt = m.opts.Now()
		m.mu.Unlock()
		if m.conn != nil {
			m.conn.Publish(&bus.Message{Topic: TopicStatus, Payload: resp.Status, Retained: true})
		}
	}

	m.mu.Lock()
	m.ticks++
	wantInfo := m.info == nil || m.ticks%m.opts.InfoEvery == 0
	m.mu.Unlock()
	if !wantInfo {
		return
	}

	// Non-critical: failure is logged and the stale info (if any) stands.
	resp, err = m.helper.Roundtrip(ctx, protocol.GetHardwareInfo())
	if err != nil {
		logger.Error("hwinfo poll: %v", err)
		return
	}
	if resp.Info != nil {
		m.mu.Lock()
		m.info = resp.Info
		m.mu.Unlock()
		if m.conn != nil {
			m.conn.Publish(&bus.Message{Topic: TopicHWInfo, Payload: resp.Info, Retained: true})
		}
	}
}

// checkStale tears a wedged session down: no status inside StaleAfter means
// the session is presumed dead whatever state it reports, except while a
// connect attempt is already in flight.
func (m *Monitor) checkStale(ctx context.Context) {
	m.mu.Lock()
	at := m.statusAt
	m.mu.Unlock()

	if at.IsZero() || m.helper.State() == supervisor.Connecting {
		return
	}
	if age := m.opts.Now().Sub(at); age > m.opts.StaleAfter {
		logger.Error("status stale for %s, forcing reconnect", age.Round(time.Second))
		m.kickReconnect(ctx)
	}
}

// kickReconnect starts one background reconnect. Calls while one is running
// are dropped here; the supervisor additionally rejects overlap with busy.
// A reconnect that failed with a non-transient code (declined elevation,
// missing hardware, no write support) halts further kicks: retrying without
// the user would just repeat the elevation prompt or the failure. The next
// explicit control command re-arms.
func (m *Monitor) kickReconnect(ctx context.Context) {
	m.mu.Lock()
	if m.reconnecting || m.retryHalted {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	go func() {
		err := m.helper.Reconnect(ctx)
		m.mu.Lock()
		m.reconnecting = false
		if err != nil && !errcode.Transient(errcode.Of(err)) {
			m.retryHalted = true
		}
		m.mu.Unlock()
		if err != nil {
			logger.Error("reconnect: %v", err)
		}
	}()
}

// -----------------------------------------------------------------------------
// Snapshot accessors and controls
// -----------------------------------------------------------------------------

// Status returns the last good snapshot and its age. ok is false until the
// first successful poll.
func (m *Monitor) Status() (st protocol.Status, age time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return protocol.Status{}, 0, false
	}
	return *m.status, m.opts.Now().Sub(m.statusAt), true
}

// HardwareInfo returns the last hardware identity snapshot.
func (m *Monitor) HardwareInfo() (protocol.HardwareInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.info == nil {
		return protocol.HardwareInfo{}, false
	}
	return *m.info, true
}

// SetCoolerBoost toggles the boost bit and refreshes the snapshot.
func (m *Monitor) SetCoolerBoost(ctx context.Context, enabled bool) error {
	return m.control(ctx, protocol.SetCoolerBoost(enabled))
}

// SetFanSpeed pins both fans to a fixed duty percentage.
func (m *Monitor) SetFanSpeed(ctx context.Context, percent int) error {
	return m.control(ctx, protocol.SetFanSpeed(percent))
}

// SetFanMode selects the firmware fan profile.
func (m *Monitor) SetFanMode(ctx context.Context, mode string) error {
	return m.control(ctx, protocol.SetFanMode(mode))
}

// control runs one write command and, on success, polls immediately so the
// published snapshot reflects the change without waiting a full tick. As an
// explicit user action it also re-arms a halted reconnect policy.
func (m *Monitor) control(ctx context.Context, req protocol.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.retryHalted = false
	m.mu.Unlock()
	if _, err := m.helper.Roundtrip(ctx, req); err != nil {
		if errcode.Of(err) == errcode.ProcessLost {
			m.kickReconnect(ctx)
		}
		return err
	}
	_ = m.Poll(ctx)
	return nil
}

// Poll runs one immediate status refresh outside the ticker cadence.
func (m *Monitor) Poll(ctx context.Context) error {
	resp, err := m.helper.Roundtrip(ctx, protocol.GetStatus())
	if err != nil {
		return err
	}
	if resp.Status == nil {
		return errcode.New(errcode.ProtocolError, "poll", errors.New("status response without payload"))
	}
	m.mu.Lock()
	m.status = resp.Status
	m.statusAt = m.opts.Now()
	m.mu.Unlock()
	if m.conn != nil {
		m.conn.Publish(&bus.Message{Topic: TopicStatus, Payload: resp.Status, Retained: true})
	}
	return nil
}
