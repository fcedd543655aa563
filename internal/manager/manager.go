package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bedrest/internal/device"
	"github.com/srg/bedrest/internal/groutine"
	"github.com/srg/bedrest/internal/session"
)

const eventBuffer = 64

// Manager discovers the configured beds, connects them once all are present and
// keeps the session registry in step with link state.
//
// All registry mutation happens on the goroutine running Run.
type Manager struct {
	opts     Options
	open     device.CentralFactory
	registry *session.Registry
	logger   *logrus.Logger

	known     map[string]string // address -> label
	events    chan any
	state     atomic.Int32
	sightings *hashmap.Map[string, Sighting]

	// event-loop owned
	ctx        context.Context
	central    device.Central
	scanCancel context.CancelFunc
	scanDone   chan struct{}
	attempts   map[*session.Session]*attempt
	group      groutine.Group
}

// attempt tracks an in-flight connect/discovery, or a pending retry, for one session.
type attempt struct {
	backoff  backoff.BackOff
	timer    *time.Timer
	inFlight bool
}

type (
	advertised struct{ adv device.Advertisement }
	dialed     struct {
		s    *session.Session
		link device.Link
		err  error
	}
	discovered struct {
		s    *session.Session
		link device.Link
		char device.Characteristic
		err  error
	}
	linkLost struct {
		s    *session.Session
		link device.Link
	}
	retryDue  struct{ s *session.Session }
	scanEnded struct {
		done chan struct{}
		err  error
	}
	rescanDue struct{}
)

// New creates a Manager. open is called from Run until the adapter is available.
func New(open device.CentralFactory, registry *session.Registry, opts Options, logger *logrus.Logger) (*Manager, error) {
	if len(opts.Beds) == 0 {
		return nil, errors.New("at least one bed must be configured")
	}
	known := make(map[string]string, len(opts.Beds))
	labels := make(map[string]struct{}, len(opts.Beds))
	for _, b := range opts.Beds {
		addr := device.NormalizeAddress(b.Address)
		if _, dup := known[addr]; dup {
			return nil, fmt.Errorf("duplicate bed address %q", b.Address)
		}
		if _, dup := labels[b.Label]; dup {
			return nil, fmt.Errorf("duplicate bed label %q", b.Label)
		}
		known[addr] = b.Label
		labels[b.Label] = struct{}{}
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Manager{
		opts:      opts,
		open:      open,
		registry:  registry,
		logger:    logger,
		known:     known,
		events:    make(chan any, eventBuffer),
		sightings: hashmap.New[string, Sighting](),
		attempts:  make(map[*session.Session]*attempt),
	}, nil
}

// State returns the current lifecycle state. Safe from any goroutine.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Sightings returns the latest advertisement per address, ordered by address.
func (m *Manager) Sightings() []Sighting {
	out := make([]Sighting, 0, m.sightings.Len())
	m.sightings.Range(func(_ string, s Sighting) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Run opens the adapter and drives the state machine until ctx is cancelled.
// On return scanning is stopped and every link is closed.
func (m *Manager) Run(ctx context.Context) error {
	m.ctx = ctx

	central, err := m.openCentral(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	m.central = central
	defer m.shutdown()

	m.startScan()
	m.updateState()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-m.events:
			m.handle(ev)
			m.updateState()
		}
	}
}

func (m *Manager) openCentral(ctx context.Context) (device.Central, error) {
	interval := m.opts.AdapterRetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	var central device.Central
	op := func() error {
		c, err := m.open()
		if err != nil {
			return err
		}
		central = c
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.logger.WithFields(logrus.Fields{
			"error": err,
			"retry": next,
		}).Warn("BLE adapter not ready")
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, err
	}
	m.logger.Info("BLE adapter ready")
	return central, nil
}

func (m *Manager) shutdown() {
	m.stopScan()
	for s, a := range m.attempts {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(m.attempts, s)
	}
	for _, s := range m.registry.Sessions() {
		if link := s.Link(); link != nil {
			if err := link.Close(); err != nil {
				m.logger.WithFields(logrus.Fields{"bed": s.Label(), "error": err}).Warn("Failed to close link")
			}
		}
		s.MarkDisconnected()
		m.registry.Remove(s)
	}
	m.group.Wait()
	m.drainEvents()
	if err := m.central.Close(); err != nil {
		m.logger.WithField("error", err).Warn("Failed to close BLE adapter")
	}
	m.state.Store(int32(Idle))
	m.logger.Info("Connection manager stopped")
}

// drainEvents discards events left unhandled at shutdown, closing any link they carry.
func (m *Manager) drainEvents() {
	for {
		select {
		case ev := <-m.events:
			switch e := ev.(type) {
			case dialed:
				closeQuietly(e.link)
			case discovered:
				closeQuietly(e.link)
			}
		default:
			return
		}
	}
}

// post hands ev to the event loop; false once the manager is shutting down.
func (m *Manager) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) updateState() {
	var s State
	switch {
	case m.scanCancel != nil:
		s = Scanning
	case len(m.attempts) > 0:
		s = Connecting
	default:
		s = Steady
	}
	if prev := State(m.state.Swap(int32(s))); prev != s {
		m.logger.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("Manager state changed")
	}
}

func (m *Manager) handle(ev any) {
	switch e := ev.(type) {
	case advertised:
		m.onAdvertised(e.adv)
	case dialed:
		m.onDialed(e)
	case discovered:
		m.onDiscovered(e)
	case linkLost:
		m.onLinkLost(e)
	case retryDue:
		m.onRetryDue(e.s)
	case scanEnded:
		m.onScanEnded(e)
	case rescanDue:
		if m.registry.Len() < len(m.known) {
			m.startScan()
		}
	}
}

// ----------------------------
// Scanning
// ----------------------------

func (m *Manager) startScan() {
	if m.scanCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	done := make(chan struct{})
	m.scanCancel, m.scanDone = cancel, done

	m.logger.WithFields(logrus.Fields{
		"service_uuid": m.opts.ServiceUUID,
		"found":        m.registry.Len(),
		"expected":     len(m.known),
	}).Info("Scanning for beds...")

	m.group.Go(ctx, "bed-scan", func(ctx context.Context) {
		defer close(done)
		err := m.central.Scan(ctx, m.opts.ServiceUUID, func(adv device.Advertisement) {
			m.record(adv)
			select {
			case m.events <- advertised{adv: adv}:
			case <-ctx.Done():
			}
		})
		if ctx.Err() == nil {
			// scan stopped on its own
			select {
			case m.events <- scanEnded{done: done, err: err}:
			case <-ctx.Done():
			}
		}
	})
}

// stopScan cancels the active scan and waits for its goroutine to return.
func (m *Manager) stopScan() {
	if m.scanCancel == nil {
		return
	}
	m.scanCancel()
	<-m.scanDone
	m.scanCancel, m.scanDone = nil, nil
	m.logger.Debug("Scan stopped")
}

func (m *Manager) onScanEnded(e scanEnded) {
	if m.scanDone != e.done {
		return
	}
	m.scanCancel()
	m.scanCancel, m.scanDone = nil, nil

	m.logger.WithField("error", e.err).Error("Scan ended unexpectedly, restarting")
	time.AfterFunc(m.adapterRetryInterval(), func() { m.post(rescanDue{}) })
}

func (m *Manager) adapterRetryInterval() time.Duration {
	if m.opts.AdapterRetryInterval > 0 {
		return m.opts.AdapterRetryInterval
	}
	return 5 * time.Second
}

// record updates the sightings table; runs on the scan goroutine.
func (m *Manager) record(adv device.Advertisement) {
	addr := device.NormalizeAddress(adv.Address)
	label, known := m.known[addr]
	m.sightings.Set(addr, Sighting{
		Address:  addr,
		Label:    label,
		Name:     adv.LocalName,
		RSSI:     adv.RSSI,
		Known:    known,
		LastSeen: time.Now(),
	})
}

func (m *Manager) onAdvertised(adv device.Advertisement) {
	if m.scanCancel == nil {
		// late delivery from a scan that has been stopped
		return
	}

	addr := device.NormalizeAddress(adv.Address)
	label, ok := m.known[addr]
	if !ok {
		m.logger.WithField("address", addr).Debug("Ignoring unconfigured device")
		return
	}
	if _, tracked := m.registry.LookupByAddress(addr); tracked {
		return
	}

	s := session.New(label, addr)
	if err := m.registry.Put(s); err != nil {
		m.logger.WithFields(logrus.Fields{"bed": label, "error": err}).Error("Failed to track bed")
		return
	}
	m.logger.WithFields(logrus.Fields{
		"bed":     label,
		"address": addr,
		"rssi":    adv.RSSI,
	}).Info("Found bed")

	if m.registry.Len() < len(m.known) {
		return
	}

	m.logger.WithField("beds", m.registry.Len()).Info("All beds found, connecting")
	m.stopScan()
	for _, s := range m.registry.Sessions() {
		if s.State() != session.Discovered {
			continue
		}
		a, ok := m.attempts[s]
		if !ok {
			a = &attempt{backoff: m.opts.Retry.newBackOff()}
			m.attempts[s] = a
		}
		if a.inFlight || a.timer != nil {
			continue
		}
		m.connect(s, a)
	}
}

// ----------------------------
// Connecting
// ----------------------------

func (m *Manager) connect(s *session.Session, a *attempt) {
	a.inFlight = true
	s.BeginConnect()
	m.logger.WithFields(logrus.Fields{
		"bed":     s.Label(),
		"address": s.Address(),
		"timeout": m.opts.ConnectTimeout,
	}).Info("Connecting to bed...")

	m.group.Go(m.ctx, "bed-connect-"+s.Label(), func(ctx context.Context) {
		dialCtx, cancel := withTimeout(ctx, m.opts.ConnectTimeout)
		defer cancel()

		link, err := m.central.Dial(dialCtx, s.Address())
		if ctx.Err() != nil || !m.post(dialed{s: s, link: link, err: err}) {
			closeQuietly(link)
		}
	})
}

func (m *Manager) onDialed(e dialed) {
	if !m.isCurrent(e.s) {
		closeQuietly(e.link)
		return
	}
	if e.err != nil {
		m.logger.WithFields(logrus.Fields{
			"bed":     e.s.Label(),
			"address": e.s.Address(),
			"error":   e.err,
		}).Error("Error connecting to bed")
		m.fail(e.s)
		return
	}

	e.s.Attach(e.link)
	m.watch(e.s, e.link)

	m.group.Go(m.ctx, "bed-discover-"+e.s.Label(), func(ctx context.Context) {
		discCtx, cancel := withTimeout(ctx, m.opts.DiscoveryTimeout)
		defer cancel()

		char, err := e.link.DiscoverCharacteristic(discCtx, m.opts.ServiceUUID, m.opts.CharacteristicUUID)
		if err != nil && ctx.Err() != nil {
			return
		}
		m.post(discovered{s: e.s, link: e.link, char: char, err: err})
	})
}

// watch forwards the link's disconnect notification to the event loop.
func (m *Manager) watch(s *session.Session, link device.Link) {
	m.group.Go(m.ctx, "bed-watch-"+s.Label(), func(ctx context.Context) {
		select {
		case <-link.Disconnected():
			m.post(linkLost{s: s, link: link})
		case <-ctx.Done():
		}
	})
}

func (m *Manager) onDiscovered(e discovered) {
	if !m.isCurrent(e.s) || e.s.Link() != e.link {
		return
	}
	if e.err != nil {
		m.logger.WithFields(logrus.Fields{
			"bed":   e.s.Label(),
			"error": e.err,
		}).Error("Error discovering bed characteristic")
		m.fail(e.s)
		return
	}

	e.s.Ready(e.char)
	delete(m.attempts, e.s)
	m.logger.WithFields(logrus.Fields{
		"bed":       e.s.Label(),
		"address":   e.s.Address(),
		"char_uuid": e.char.UUID(),
	}).Info("Bed ready")
}

// fail tears down a failed attempt and schedules a retry or evicts the session.
func (m *Manager) fail(s *session.Session) {
	if link := s.Detach(); link != nil {
		closeQuietly(link)
	}

	a, ok := m.attempts[s]
	if !ok {
		a = &attempt{backoff: m.opts.Retry.newBackOff()}
		m.attempts[s] = a
	}
	a.inFlight = false

	next := a.backoff.NextBackOff()
	if next == backoff.Stop {
		m.logger.WithField("bed", s.Label()).Warn("Giving up on bed, resuming scan")
		m.evict(s)
		m.startScan()
		return
	}

	m.logger.WithFields(logrus.Fields{
		"bed":   s.Label(),
		"retry": next,
	}).Info("Retrying bed connection")
	a.timer = time.AfterFunc(next, func() { m.post(retryDue{s: s}) })
}

func (m *Manager) onRetryDue(s *session.Session) {
	a, ok := m.attempts[s]
	if !ok || !m.isCurrent(s) {
		return
	}
	a.timer = nil
	if m.scanCancel != nil {
		// another bed is missing; reconnect once the set is complete again
		m.logger.WithField("bed", s.Label()).Debug("Deferring retry until all beds are found")
		return
	}
	m.connect(s, a)
}

func (m *Manager) onLinkLost(e linkLost) {
	if !m.isCurrent(e.s) || e.s.Link() != e.link {
		// link already replaced or torn down by a failed attempt
		return
	}

	m.logger.WithFields(logrus.Fields{
		"bed":     e.s.Label(),
		"address": e.s.Address(),
	}).Warn("Disconnected from bed, attempting to reconnect")

	m.evict(e.s)
	m.startScan()
}

func (m *Manager) evict(s *session.Session) {
	if a, ok := m.attempts[s]; ok {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(m.attempts, s)
	}
	if link := s.Link(); link != nil {
		closeQuietly(link)
	}
	s.MarkDisconnected()
	m.registry.Remove(s)
}

func (m *Manager) isCurrent(s *session.Session) bool {
	return m.registry.Contains(s)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func closeQuietly(link device.Link) {
	if link != nil {
		_ = link.Close()
	}
}
