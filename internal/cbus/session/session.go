// Package session implements the PCI session state machine: the reset
// sequence, pending-send retry loop, time synchronisation loop, and the
// dispatch of decoded packets to event callbacks.
package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mitchell-johnson/cbus/internal/cbus/confirm"
	"github.com/mitchell-johnson/cbus/internal/cbus/frame"
	"github.com/mitchell-johnson/cbus/internal/cbus/packet"
	"github.com/mitchell-johnson/cbus/internal/metrics"
)

// State is one of the three PCI session lifecycle states.
type State int

const (
	Disconnected State = iota
	Resetting
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Resetting:
		return "resetting"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	preWriteGap  = 100 * time.Millisecond
	retryPeriod  = 1 * time.Second
	maxRetries   = 3
	maxGroupsPer = 9
	statusBlock  = packet.StatusBlockSize

	consecutiveAbandonWarnThreshold = 10
)

// Callbacks is the narrow event interface the session calls into. Every
// field is optional; a nil callback is simply not invoked.
type Callbacks struct {
	OnLightingOn            func(source, group byte, app packet.Application)
	OnLightingOff           func(source, group byte, app packet.Application)
	OnLightingRamp          func(source, group byte, app packet.Application, duration int, level byte)
	OnLightingTerminateRamp func(source, group byte, app packet.Application)
	OnLevelReport           func(app packet.Application, blockStart byte, levels [statusBlock]*byte)
	OnBinaryReport          func(app packet.Application, blockStart byte, states [statusBlock]bool)
	OnClockRequest          func(source byte)
	OnConnectionUp          func()
	OnConnectionDown        func(err error)
	OnCommandFailed         func(code byte)
	OnError                 func(reason string)
}

type pendingSend struct {
	encoded     []byte
	attempts    int
	lastAttempt time.Time
}

// Options configures a Session.
type Options struct {
	HandleClockRequests bool
	TimesyncInterval    time.Duration // 0 disables the periodic clock broadcast
	ConfirmTimeout      time.Duration
	Logger              *log.Logger
	Stat                *metrics.Stat
}

// Session owns one PCI transport connection: the byte stream, the
// confirmation registry, and the pending-send table.
type Session struct {
	transport io.ReadWriteCloser
	br        *bufio.Reader
	confirm   *confirm.Registry
	cb        Callbacks
	opts      Options
	logger    *log.Logger

	mu                  sync.Mutex
	state               State
	pending             map[byte]*pendingSend
	consecutiveAbandons int
}

// SetCallbacks replaces the session's event callbacks. It must be called
// before Run starts the read loop; the gateway, which itself needs a
// reference to the session it is wired to, uses this for the two-phase
// construction (session first, then gateway, then callbacks back onto the
// session).
func (s *Session) SetCallbacks(cb Callbacks) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
}

// New constructs a Session bound to transport. The session does not begin
// communicating until Run is called.
func New(transport io.ReadWriteCloser, cb Callbacks, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	s := &Session{
		transport: transport,
		br:        bufio.NewReader(transport),
		cb:        cb,
		opts:      opts,
		logger:    logger,
		pending:   make(map[byte]*pendingSend),
	}
	s.confirm = confirm.New(
		confirm.WithTimeout(orDefault(opts.ConfirmTimeout, confirm.DefaultTimeout)),
		confirm.WithEvictionHandler(s.onCodeEvicted),
	)
	return s
}

func orDefault(d, def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return d
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	if s.opts.Stat != nil {
		if st == Ready {
			s.opts.Stat.SessionUp.Set(1)
		} else {
			s.opts.Stat.SessionUp.Set(0)
		}
	}
}

// Run drives the session to completion: it performs the reset sequence,
// then runs the read loop, retry loop and timesync loop concurrently until
// ctx is cancelled or the transport fails. It always returns once the
// connection is no longer usable.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	s.setState(Resetting)
	if err := s.resetSequence(gctx); err != nil {
		s.teardown(err)
		return err
	}
	s.setState(Ready)
	if s.cb.OnConnectionUp != nil {
		s.cb.OnConnectionUp()
	}

	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.retryLoop(gctx) })
	g.Go(func() error { return s.timesyncLoop(gctx) })

	err := g.Wait()
	s.teardown(err)
	return err
}

func (s *Session) teardown(err error) {
	s.setState(Disconnected)
	s.mu.Lock()
	s.pending = make(map[byte]*pendingSend)
	s.consecutiveAbandons = 0
	s.mu.Unlock()
	if s.cb.OnConnectionDown != nil {
		s.cb.OnConnectionDown(err)
	}
}

// resetSequence performs the fixed reset/option-negotiation handshake.
// Every step is basic-mode, no confirmation, per the PCI session contract.
func (s *Session) resetSequence(ctx context.Context) error {
	for i := 0; i < 3; i++ {
		if err := s.writeRaw(ctx, frame.EncodeCommand(nil, 0, false, true)); err != nil {
			return fmt.Errorf("session: reset packet %d/3: %w", i+1, err)
		}
	}
	dmSteps := []packet.DeviceManagement{
		{Parameter: 0x21, Value: 0xFF},
		{Parameter: 0x22, Value: 0xFF},
		{Parameter: 0x42, Value: 0x0E},
		{Parameter: 0x30, Value: 0x79},
	}
	for _, dm := range dmSteps {
		raw, err := packet.EncodePacket(dm)
		if err != nil {
			return fmt.Errorf("session: encode device-management: %w", err)
		}
		if err := s.writeRaw(ctx, frame.EncodeCommand(raw, 0, false, true)); err != nil {
			return fmt.Errorf("session: device-management 0x%02X: %w", dm.Parameter, err)
		}
	}
	return nil
}

func (s *Session) writeRaw(ctx context.Context, encoded []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(preWriteGap):
	}
	_, err := s.transport.Write(encoded)
	if err == nil && s.opts.Stat != nil {
		s.opts.Stat.PacketsSent.Inc()
	}
	return err
}

// SendOptions controls how Send frames an outgoing packet.
type SendOptions struct {
	Confirmation bool
	BasicMode    bool
}

// Send encodes p, optionally registers a pending send under a freshly
// acquired confirmation code, and writes it to the transport. It returns
// the allocated confirmation code, or 0 if Confirmation was false.
func (s *Session) Send(ctx context.Context, p packet.Packet, opts SendOptions) (byte, error) {
	raw, err := packet.EncodePacket(p)
	if err != nil {
		return 0, fmt.Errorf("session: encode: %w", err)
	}

	var code byte
	hasConfirm := opts.Confirmation
	if hasConfirm {
		code, err = s.confirm.Acquire(ctx)
		if err != nil {
			return 0, fmt.Errorf("session: acquire confirmation code: %w", err)
		}
	}

	encoded := frame.EncodeCommand(raw, code, hasConfirm, opts.BasicMode)

	if hasConfirm {
		s.mu.Lock()
		s.pending[code] = &pendingSend{encoded: encoded, attempts: 1, lastAttempt: time.Now()}
		s.mu.Unlock()
	}

	if err := s.writeRaw(ctx, encoded); err != nil {
		if hasConfirm {
			s.mu.Lock()
			delete(s.pending, code)
			s.mu.Unlock()
			s.confirm.Release(code)
		}
		return 0, fmt.Errorf("session: write: %w", err)
	}
	return code, nil
}

func splitGroups(groups []byte) error {
	if len(groups) > maxGroupsPer {
		return fmt.Errorf("session: %d group addresses exceeds the %d-per-packet limit", len(groups), maxGroupsPer)
	}
	return nil
}

// LightingOn sends an on command for up to 9 groups in a single packet.
func (s *Session) LightingOn(ctx context.Context, groups []byte, app packet.Application) (byte, error) {
	if err := splitGroups(groups); err != nil {
		return 0, err
	}
	sals := make([]packet.SAL, len(groups))
	for i, g := range groups {
		sals[i] = packet.LightingOn{App: app, Group: g}
	}
	return s.Send(ctx, packet.PointToMultipoint{SAL: sals}, SendOptions{Confirmation: true})
}

// LightingOff sends an off command for up to 9 groups in a single packet.
func (s *Session) LightingOff(ctx context.Context, groups []byte, app packet.Application) (byte, error) {
	if err := splitGroups(groups); err != nil {
		return 0, err
	}
	sals := make([]packet.SAL, len(groups))
	for i, g := range groups {
		sals[i] = packet.LightingOff{App: app, Group: g}
	}
	return s.Send(ctx, packet.PointToMultipoint{SAL: sals}, SendOptions{Confirmation: true})
}

// LightingRamp fades a single group to level over duration seconds.
func (s *Session) LightingRamp(ctx context.Context, group byte, app packet.Application, duration int, level byte) (byte, error) {
	sal := packet.LightingRamp{App: app, Group: group, Duration: duration, Level: level}
	return s.Send(ctx, packet.PointToMultipoint{SAL: []packet.SAL{sal}}, SendOptions{Confirmation: true})
}

// LightingTerminateRamp halts ramping for up to 9 groups.
func (s *Session) LightingTerminateRamp(ctx context.Context, groups []byte, app packet.Application) (byte, error) {
	if err := splitGroups(groups); err != nil {
		return 0, err
	}
	sals := make([]packet.SAL, len(groups))
	for i, g := range groups {
		sals[i] = packet.LightingTerminateRamp{App: app, Group: g}
	}
	return s.Send(ctx, packet.PointToMultipoint{SAL: sals}, SendOptions{Confirmation: true})
}

// RequestStatus requests a StatusBlockSize-group status block starting at
// groupStart for app.
func (s *Session) RequestStatus(ctx context.Context, groupStart byte, app packet.Application) (byte, error) {
	sal := packet.StatusRequestSAL{App: app, GroupStart: groupStart, GroupCount: statusBlock, LevelRequest: true}
	return s.Send(ctx, packet.PointToMultipoint{SAL: []packet.SAL{sal}}, SendOptions{Confirmation: true})
}

// Identify sends an IDENTIFY CAL to unitAddress for the given attribute.
func (s *Session) Identify(ctx context.Context, unitAddress byte, attribute byte) (byte, error) {
	p := packet.PointToPoint{Unit: unitAddress, CAL: []packet.CAL{packet.Identify{Attribute: attribute}}}
	return s.Send(ctx, p, SendOptions{Confirmation: true})
}

// ClockBroadcast sends the current (or given) time to the network.
func (s *Session) ClockBroadcast(ctx context.Context, when time.Time) (byte, error) {
	sal := packet.ClockUpdate{App: packet.Clock, When: when}
	return s.Send(ctx, packet.PointToMultipoint{SAL: []packet.SAL{sal}}, SendOptions{Confirmation: true})
}

func (s *Session) onCodeEvicted(code byte) {
	s.mu.Lock()
	delete(s.pending, code)
	s.mu.Unlock()
	if s.opts.Stat != nil {
		s.opts.Stat.ConfirmEvictions.Inc()
	}
}

// readLoop consumes frame units from the transport and dispatches them
// until a read error terminates the connection.
func (s *Session) readLoop(ctx context.Context) error {
	r := frame.NewReader(s.br)
	r.StrictChecksum = true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		unit, err := r.ReadUnit()
		if errors.Is(err, frame.ErrMalformed) {
			s.logger.Printf("session: warning: %v", err)
			if s.opts.Stat != nil {
				s.opts.Stat.CodecErrors.Inc()
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("session: read: %w", err)
		}
		s.dispatchUnit(unit)
	}
}

func (s *Session) dispatchUnit(u frame.Unit) {
	switch u.Kind {
	case frame.KindPowerOn:
		s.logger.Printf("session: power-on / smart-mode prompt received")
	case frame.KindPCIError:
		s.logger.Printf("session: warning: PCI cannot accept data")
		if s.opts.Stat != nil {
			s.opts.Stat.PCINak.Inc()
		}
		if s.cb.OnError != nil {
			s.cb.OnError("pci cannot accept data")
		}
	case frame.KindConfirmation:
		s.handleConfirmation(u.Code, u.Success)
	case frame.KindPayload:
		p, consumed := packet.DecodePacket(u.Payload)
		if consumed != len(u.Payload) {
			if _, ok := p.(packet.InvalidPacket); !ok {
				s.logger.Printf("session: warning: trailing bytes after decoding %T", p)
			}
		}
		if s.opts.Stat != nil {
			if _, invalid := p.(packet.InvalidPacket); invalid {
				s.opts.Stat.CodecErrors.Inc()
			} else {
				s.opts.Stat.PacketsReceived.Inc()
			}
		}
		s.dispatchPacket(p)
	}
}

func (s *Session) handleConfirmation(code byte, success bool) {
	s.mu.Lock()
	_, known := s.pending[code]
	delete(s.pending, code)
	s.mu.Unlock()

	if !known {
		s.logger.Printf("session: warning: confirmation for unknown code %q", code)
		return
	}
	s.confirm.Release(code)
	if !success && s.cb.OnCommandFailed != nil {
		s.cb.OnCommandFailed(code)
	}
}

func (s *Session) dispatchPacket(p packet.Packet) {
	switch v := p.(type) {
	case packet.InvalidPacket:
		s.logger.Printf("session: warning: malformed frame (%s): %x", v.Reason, v.Raw)
	case packet.PointToMultipoint:
		s.dispatchPointToMultipoint(v)
	case packet.PointToPoint:
		s.dispatchPointToPoint(v)
	case packet.Reset, packet.DeviceManagement:
		// Monitor-mode echo of our own reset/device-management traffic;
		// nothing to act on.
	default:
		s.logger.Printf("session: debug: unhandled packet %T", p)
	}
}

func (s *Session) dispatchPointToMultipoint(p packet.PointToMultipoint) {
	var source byte
	if p.Source != nil {
		source = *p.Source
	}
	for _, sal := range p.SAL {
		switch v := sal.(type) {
		case packet.LightingOn:
			if s.cb.OnLightingOn != nil {
				s.cb.OnLightingOn(source, v.Group, v.App)
			}
		case packet.LightingOff:
			if s.cb.OnLightingOff != nil {
				s.cb.OnLightingOff(source, v.Group, v.App)
			}
		case packet.LightingRamp:
			if s.cb.OnLightingRamp != nil {
				s.cb.OnLightingRamp(source, v.Group, v.App, v.Duration, v.Level)
			}
		case packet.LightingTerminateRamp:
			if s.cb.OnLightingTerminateRamp != nil {
				s.cb.OnLightingTerminateRamp(source, v.Group, v.App)
			}
		case packet.ClockRequest:
			if s.cb.OnClockRequest != nil {
				s.cb.OnClockRequest(source)
			}
			if s.opts.HandleClockRequests {
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), retryPeriod)
					defer cancel()
					if _, err := s.ClockBroadcast(ctx, time.Now()); err != nil {
						s.logger.Printf("session: clock broadcast in response to request failed: %v", err)
					}
				}()
			}
		case packet.ClockUpdate:
			// Another unit's time broadcast; no action required of this gateway.
		default:
			s.logger.Printf("session: debug: unhandled SAL %T", sal)
		}
	}
}

func (s *Session) dispatchPointToPoint(p packet.PointToPoint) {
	for _, cal := range p.CAL {
		ext, ok := cal.(packet.ExtendedReport)
		if !ok {
			continue
		}
		switch report := ext.Report.(type) {
		case packet.BinaryReport:
			if s.cb.OnBinaryReport != nil {
				s.cb.OnBinaryReport(ext.ChildApp, ext.BlockStart, report.States)
			}
		case packet.LevelReport:
			if s.cb.OnLevelReport != nil {
				s.cb.OnLevelReport(ext.ChildApp, ext.BlockStart, report.Levels)
			}
		}
	}
}

// retryLoop re-transmits unacknowledged sends and abandons them after
// maxRetries attempts.
func (s *Session) retryLoop(ctx context.Context) error {
	ticker := time.NewTicker(retryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.confirm.Reap(now)
			s.runRetryPass(ctx, now)
			if s.opts.Stat != nil {
				s.opts.Stat.ConfirmInUse.Set(float64(s.confirm.InUse()))
			}
		}
	}
}

func (s *Session) runRetryPass(ctx context.Context, now time.Time) {
	type retryItem struct {
		code    byte
		encoded []byte
	}
	var toRetry []retryItem
	var toAbandon []byte

	s.mu.Lock()
	for code, p := range s.pending {
		if now.Sub(p.lastAttempt) < retryPeriod {
			continue
		}
		if p.attempts < maxRetries {
			p.attempts++
			p.lastAttempt = now
			toRetry = append(toRetry, retryItem{code: code, encoded: p.encoded})
		} else {
			toAbandon = append(toAbandon, code)
		}
	}
	for _, code := range toAbandon {
		delete(s.pending, code)
	}
	s.mu.Unlock()

	for _, code := range toAbandon {
		s.confirm.Release(code)
		s.logger.Printf("session: warning: abandoning confirmation code %q after %d attempts", code, maxRetries)
		if s.opts.Stat != nil {
			s.opts.Stat.CommandAbandoned.Inc()
		}
		if s.cb.OnCommandFailed != nil {
			s.cb.OnCommandFailed(code)
		}
	}

	s.mu.Lock()
	if len(toAbandon) > 0 {
		s.consecutiveAbandons += len(toAbandon)
	} else {
		s.consecutiveAbandons = 0
	}
	tally := s.consecutiveAbandons
	s.mu.Unlock()
	if tally >= consecutiveAbandonWarnThreshold {
		s.logger.Printf("session: error: %d consecutive abandonments, connection may be unstable", tally)
		s.mu.Lock()
		s.consecutiveAbandons = 0
		s.mu.Unlock()
	}

	for _, item := range toRetry {
		if err := s.writeRaw(ctx, item.encoded); err != nil {
			s.logger.Printf("session: retry write for code %q failed: %v", item.code, err)
		}
	}
}

// timesyncLoop periodically broadcasts the current time, if configured.
func (s *Session) timesyncLoop(ctx context.Context) error {
	if s.opts.TimesyncInterval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(s.opts.TimesyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.ClockBroadcast(ctx, time.Now()); err != nil {
				s.logger.Printf("session: debug: timesync broadcast failed: %v", err)
			}
		}
	}
}
