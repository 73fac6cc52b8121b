package callctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/psapconsole/internal/console/events"
	"github.com/sebas/psapconsole/internal/store"
)

// LineConfig describes one line appearance at the position.
type LineConfig struct {
	ID       string
	Type     LineType
	Sharing  LineSharing
	Prefixes []string
}

// Line is a line appearance. It hosts at most one active call.
type Line struct {
	LineConfig
	call *Call
}

// Config holds position configuration.
type Config struct {
	// PositionID names the position in events and logs.
	PositionID string

	// Device is the operator device that owns acquired bridge resources.
	Device string

	Lines []LineConfig

	// RingingTimeout bounds the wait for a dialed call to alert or answer.
	RingingTimeout time.Duration

	// DialPause is the delay for a ',' in a dial string.
	DialPause time.Duration

	// ReconcileTimeout bounds the wait for an in-flight operation before a
	// conference is created from a participant snapshot.
	ReconcileTimeout time.Duration

	// RelocationTimeout bounds the wait for a patched internode call to
	// be reported on the local node.
	RelocationTimeout time.Duration

	// CleanupTimeout bounds fire-and-forget hangups and releases.
	CleanupTimeout time.Duration

	// RebidInterval is the repeat delay of a forced continuous rebid when
	// the call has no rule.
	RebidInterval time.Duration

	// FinishedRetention is how long finished calls remain listed.
	FinishedRetention time.Duration
}

// DefaultConfig returns a Config with default timings.
func DefaultConfig() Config {
	return Config{
		PositionID:        "pos1",
		Device:            "pos1",
		RingingTimeout:    30 * time.Second,
		DialPause:         2 * time.Second,
		ReconcileTimeout:  3 * time.Second,
		RelocationTimeout: 5 * time.Second,
		CleanupTimeout:    5 * time.Second,
		RebidInterval:     30 * time.Second,
		FinishedRetention: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PositionID == "" {
		c.PositionID = d.PositionID
	}
	if c.Device == "" {
		c.Device = c.PositionID
	}
	if c.RingingTimeout <= 0 {
		c.RingingTimeout = d.RingingTimeout
	}
	if c.DialPause <= 0 {
		c.DialPause = d.DialPause
	}
	if c.ReconcileTimeout <= 0 {
		c.ReconcileTimeout = d.ReconcileTimeout
	}
	if c.RelocationTimeout <= 0 {
		c.RelocationTimeout = d.RelocationTimeout
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = d.CleanupTimeout
	}
	if c.RebidInterval <= 0 {
		c.RebidInterval = d.RebidInterval
	}
	if c.FinishedRetention <= 0 {
		c.FinishedRetention = d.FinishedRetention
	}
}

// Deps are the collaborators a position drives.
type Deps struct {
	Phone      Phone
	Node       Node
	ALI        ALIDecoder
	RebidRules RebidRuleManager
	Rebid      RebidRequester
	Publisher  events.Publisher
	Metrics    *Metrics
	Logger     *slog.Logger
}

// Position is one operator position. All call and conference state of the
// position is guarded by a single mutex which is released around every
// remote call; methods re-check state after each such suspension.
type Position struct {
	mu sync.Mutex

	cfg     Config
	phone   Phone
	node    Node
	ali     ALIDecoder
	rules   RebidRuleManager
	rebid   RebidRequester
	pub     events.Publisher
	events  *events.Builder
	metrics *Metrics
	log     *slog.Logger

	lines     []*Line
	calls     *CallRegistry
	confs     *ConferenceRegistry
	tracker   *ParticipantTracker
	factory   *ConferenceFactory
	retired   *store.TTLStore[string, CallSnapshot]
	relocated map[*Call]chan struct{}

	nextCallID uint64
	nextConfID uint64

	// forceConnect is the call targeted by the registered force-connect
	// workflow, or nil.
	forceConnect *Call

	monitor *monitorSession
	closed  bool
}

type monitorSession struct {
	nodeID    string
	sessionID string
}

// NewPosition constructs a position.
func NewPosition(cfg Config, deps Deps) (*Position, error) {
	if deps.Phone == nil {
		return nil, errors.New("position: phone is required")
	}
	if deps.Node == nil {
		return nil, errors.New("position: node is required")
	}
	cfg.applyDefaults()

	p := &Position{
		cfg:       cfg,
		phone:     deps.Phone,
		node:      deps.Node,
		ali:       deps.ALI,
		rules:     deps.RebidRules,
		rebid:     deps.Rebid,
		pub:       deps.Publisher,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		calls:     newCallRegistry(),
		confs:     newConferenceRegistry(),
		relocated: make(map[*Call]chan struct{}),
	}
	if p.rules == nil {
		p.rules = noRebidRules{}
	}
	if p.pub == nil {
		p.pub = events.NewNoopPublisher()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With("position", cfg.PositionID)
	p.events = events.NewBuilder(cfg.PositionID).WithDevice(cfg.Device)

	seen := make(map[string]bool)
	for _, lc := range cfg.Lines {
		if lc.ID == "" || seen[lc.ID] {
			return nil, fmt.Errorf("position: invalid or duplicate line id %q", lc.ID)
		}
		seen[lc.ID] = true
		p.lines = append(p.lines, &Line{LineConfig: lc})
	}

	p.tracker = newParticipantTracker(p)
	p.factory = &ConferenceFactory{pos: p}
	p.retired = store.NewTTLStore[string, CallSnapshot](cfg.FinishedRetention/2, nil)

	return p, nil
}

// ID returns the position id.
func (p *Position) ID() string { return p.cfg.PositionID }

// Device returns the operator device.
func (p *Position) Device() string { return p.cfg.Device }

// Factory returns the conference factory.
func (p *Position) Factory() *ConferenceFactory { return p.factory }

// await runs fn with the position unlocked. Callers must re-validate state
// after it returns.
func (p *Position) await(fn func() error) error {
	p.mu.Unlock()
	defer p.mu.Lock()
	return fn()
}

// afterFunc schedules fn to run with the position locked.
func (p *Position) afterFunc(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed {
			return
		}
		fn()
	})
}

// goCleanup runs a best-effort remote cleanup in the background.
func (p *Position) goCleanup(what string, attrs []any, fn func(ctx context.Context) error) {
	timeout := p.cfg.CleanupTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			p.log.Warn("[Position] Cleanup failed", append([]any{"what", what, "error", err}, attrs...)...)
		}
	}()
}

func (p *Position) updateGauges() {
	p.metrics.setActive(p.calls.Len(), p.confs.Len())
}

// --- lines ---

func (p *Position) line(id string) *Line {
	for _, l := range p.lines {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// freeLine returns the first free line accepted by match.
func (p *Position) freeLine(match func(*Line) bool) *Line {
	for _, l := range p.lines {
		if l.call == nil && match(l) {
			return l
		}
	}
	return nil
}

func (p *Position) assignLine(c *Call, l *Line) error {
	if l.call != nil && l.call != c {
		return &Error{Kind: KindLineLocked, Op: OpNone, Entity: "call", ID: c.id,
			Msg: fmt.Sprintf("line %s hosts call %d", l.ID, l.call.id)}
	}
	if c.line != nil && c.line != l {
		c.line.call = nil
	}
	l.call = c
	c.line = l
	return nil
}

// --- calls ---

// IncomingOffer is a signaling offer presented to the position.
type IncomingOffer struct {
	NodeID    string
	SessionID string
	LineID    string
	Info      CallInfo
}

// Offer registers an incoming call in the Offered state.
func (p *Position) Offer(ctx context.Context, offer IncomingOffer) (*Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if offer.SessionID == "" {
		return nil, fmt.Errorf("offer: %w: missing session id", ErrIncapable)
	}
	if c := p.calls.FindBySession(offer.SessionID); c != nil {
		return c, nil
	}

	var l *Line
	if offer.LineID != "" {
		if l = p.line(offer.LineID); l == nil {
			return nil, fmt.Errorf("offer: %w: unknown line %s", ErrIncapable, offer.LineID)
		}
		if l.call != nil {
			return nil, fmt.Errorf("offer: %w: line %s hosts call %d", ErrLineLocked, l.ID, l.call.id)
		}
	}

	c := p.newCall(CallOffered, offer.NodeID, offer.Info)
	c.setSession(offer.SessionID)
	if l != nil {
		_ = p.assignLine(c, l)
	}
	c.info.IsText = c.info.IsText || (l != nil && l.Type == LineText)
	c.info.IsSIP = c.info.IsSIP || (l != nil && l.Type == LineSIP)
	c.updateTransferBlock()

	p.log.Info("[Call] Offered",
		"call_id", c.id,
		"session_id", c.sessionID,
		"line", c.lineID(),
		"calling", c.info.CallingParty,
		"is_911", c.info.Is911)
	c.publishState("")
	c.publishInfo()
	return c, nil
}

// NewCall seizes a line for an outgoing call in the Idle state. An empty
// lineID picks the first free trunk or SIP line.
func (p *Position) NewCall(lineID string, info CallInfo) (*Call, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var l *Line
	if lineID != "" {
		if l = p.line(lineID); l == nil {
			return nil, fmt.Errorf("new call: %w: unknown line %s", ErrIncapable, lineID)
		}
		if l.call != nil {
			return nil, fmt.Errorf("new call: %w: line %s hosts call %d", ErrLineLocked, l.ID, l.call.id)
		}
	} else if l = p.freeLine(func(l *Line) bool { return !l.Type.restricted() }); l == nil {
		return nil, fmt.Errorf("new call: %w: no free line", ErrIncapable)
	}

	c := p.newCall(CallIdle, "", info)
	c.outgoing = true
	_ = p.assignLine(c, l)
	c.info.IsSIP = c.info.IsSIP || l.Type == LineSIP
	p.log.Info("[Call] Seized line", "call_id", c.id, "line", l.ID)
	c.publishState("")
	return c, nil
}

func (p *Position) newCall(initial CallState, nodeID string, info CallInfo) *Call {
	p.nextCallID++
	id := p.nextCallID
	if info.ContextID == 0 {
		info.ContextID = id
	}
	c := &Call{
		pos:       p,
		id:        id,
		sm:        newCallStateMachine(id, initial),
		state:     initial,
		nodeID:    nodeID,
		info:      info,
		createdAt: time.Now(),
	}
	c.tone = toneFor(initial)
	c.rebid.call = c
	c.guard.onEnd = func(op Op) {
		p.pub.PublishAsync(p.events.OperationDone(events.EntityCall, c.idString(), op.String()))
	}
	p.calls.Add(c)
	p.updateGauges()
	return c
}

// retire removes a finished call from the registry and keeps its snapshot
// for late signaling events and history.
func (p *Position) retire(c *Call) {
	p.calls.Remove(c)
	if ch, ok := p.relocated[c]; ok {
		close(ch)
		delete(p.relocated, c)
	}
	key := c.sessionKey()
	p.retired.Set(key, c.snapshot(), p.cfg.FinishedRetention)
	p.updateGauges()
}

// Call returns a live call by id.
func (p *Position) Call(id uint64) (*Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.calls.Get(id)
	return c, c != nil
}

// CallBySession returns the live call bound to a signaling session.
func (p *Position) CallBySession(sessionID string) (*Call, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.calls.FindBySession(sessionID)
	return c, c != nil
}

// Calls returns snapshots of all live calls ordered by id.
func (p *Position) Calls() []CallSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.calls.All()
	out := make([]CallSnapshot, len(all))
	for i, c := range all {
		out[i] = c.snapshot()
	}
	return out
}

// RecentCalls returns snapshots of recently finished calls, newest first.
func (p *Position) RecentCalls() []CallSnapshot {
	return p.retired.Values()
}

// Conference returns a live conference by id.
func (p *Position) Conference(id uint64) (*Conference, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cf := p.confs.Get(id)
	return cf, cf != nil
}

// ConferenceSnapshots returns snapshots of all live conferences.
func (p *Position) ConferenceSnapshots() []ConferenceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	all := p.confs.All()
	out := make([]ConferenceSnapshot, len(all))
	for i, cf := range all {
		out[i] = cf.snapshot()
	}
	return out
}

// ForceConnectInProgress reports whether a force-connect workflow is
// registered.
func (p *Position) ForceConnectInProgress() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forceConnect != nil
}

// holdConnected holds every connected call other than except so that except
// can be connected.
func (p *Position) holdConnected(ctx context.Context, except *Call) error {
	for _, other := range p.calls.Find(func(c *Call) bool { return c != except && c.state == CallConnected }) {
		if other.state != CallConnected {
			continue
		}
		if except.conference != nil && other.conference == except.conference {
			continue
		}
		p.log.Debug("[Position] Holding connected call", "call_id", other.id, "for_call", except.id)
		if err := other.hold(ctx, true); err != nil {
			return fmt.Errorf("hold connected call %d: %w", other.id, err)
		}
	}
	return nil
}

// --- monitoring ---

// StartMonitoring dials a silent monitoring leg toward target.
func (p *Position) StartMonitoring(ctx context.Context, nodeID, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.monitor != nil {
		return fmt.Errorf("monitor: %w: session already active", ErrIncapable)
	}
	var sessionID string
	err := p.await(func() error {
		var err error
		sessionID, err = p.phone.MakeVccCall(ctx, DialRequest{NodeID: nodeID, Target: target})
		return err
	})
	if err != nil {
		return fmt.Errorf("monitor %s: %w", target, err)
	}
	if p.monitor != nil || p.closed {
		p.goCleanup("monitor hangup", nil, func(ctx context.Context) error {
			return p.phone.Hangup(ctx, nodeID, sessionID)
		})
		return fmt.Errorf("monitor: %w: session already active", ErrIncapable)
	}
	p.monitor = &monitorSession{nodeID: nodeID, sessionID: sessionID}
	p.log.Info("[Position] Monitoring started", "target", target, "session_id", sessionID)
	return nil
}

// StopMonitoring ends the monitoring session, if any.
func (p *Position) StopMonitoring(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelMonitor(ctx)
}

func (p *Position) cancelMonitor(ctx context.Context) error {
	m := p.monitor
	if m == nil {
		return nil
	}
	p.monitor = nil
	p.log.Info("[Position] Monitoring cancelled", "session_id", m.sessionID)
	return p.await(func() error {
		return p.phone.Hangup(ctx, m.nodeID, m.sessionID)
	})
}

// --- asynchronous inputs ---

// SessionEventKind is a signaling notification about a session.
type SessionEventKind int

const (
	SessionRinging SessionEventKind = iota
	SessionAnswered
	SessionTerminated
	SessionRecalled
)

// String returns the string representation of SessionEventKind.
func (k SessionEventKind) String() string {
	switch k {
	case SessionRinging:
		return "ringing"
	case SessionAnswered:
		return "answered"
	case SessionTerminated:
		return "terminated"
	case SessionRecalled:
		return "recalled"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// SessionEvent is an asynchronous signaling notification.
type SessionEvent struct {
	NodeID    string
	SessionID string
	Kind      SessionEventKind
}

// HandleSessionEvent applies a signaling notification to its call.
func (p *Position) HandleSessionEvent(ctx context.Context, ev SessionEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.calls.FindBySession(ev.SessionID)
	if c == nil {
		if p.retired.Has(ev.SessionID) {
			p.log.Debug("[Position] Event for finished call", "session_id", ev.SessionID, "kind", ev.Kind)
			return
		}
		if m := p.monitor; m != nil && m.sessionID == ev.SessionID && ev.Kind == SessionTerminated {
			p.monitor = nil
			return
		}
		p.log.Warn("[Position] Event for unknown session", "session_id", ev.SessionID, "kind", ev.Kind)
		return
	}
	c.handleSessionEvent(ctx, ev)
}

// HandleParticipants feeds a bridge participant snapshot to the tracker.
func (p *Position) HandleParticipants(ctx context.Context, snap ParticipantSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tracker.handle(ctx, snap)
}

// HandleRelocation records that the call bridged on channelID is now
// served by nodeID and wakes a patch waiting for it.
func (p *Position) HandleRelocation(channelID, nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := p.calls.FindByChannel(channelID)
	if c == nil {
		p.log.Debug("[Position] Relocation for unknown channel", "channel_id", channelID)
		return
	}
	c.nodeID = nodeID
	p.log.Info("[Call] Relocated", "call_id", c.id, "node_id", nodeID)
	if ch, ok := p.relocated[c]; ok {
		close(ch)
		delete(p.relocated, c)
	}
}

// waitRelocation blocks until HandleRelocation reports c or the timeout.
func (p *Position) waitRelocation(ctx context.Context, c *Call) error {
	ch, ok := p.relocated[c]
	if !ok {
		ch = make(chan struct{})
		p.relocated[c] = ch
	}
	timeout := p.cfg.RelocationTimeout
	return p.await(func() error {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-ch:
			return nil
		case <-t.C:
			return fmt.Errorf("relocation of call %d: %w", c.id, ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Close hangs up every live signaling leg and stops timers.
func (p *Position) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	type leg struct {
		callID            uint64
		nodeID, sessionID string
	}
	var legs []leg
	for _, c := range p.calls.All() {
		c.rebid.stop()
		if c.sessionID != "" {
			legs = append(legs, leg{c.id, c.nodeID, c.sessionID})
		}
	}
	if m := p.monitor; m != nil {
		legs = append(legs, leg{0, m.nodeID, m.sessionID})
		p.monitor = nil
	}
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, l := range legs {
		g.Go(func() error {
			if err := p.phone.Hangup(gctx, l.nodeID, l.sessionID); err != nil {
				p.log.Warn("[Position] Hangup on close failed",
					"call_id", l.callID,
					"session_id", l.sessionID,
					"error", err)
			}
			return nil
		})
	}
	err := g.Wait()
	p.retired.Close()
	p.log.Info("[Position] Closed", "legs", len(legs))
	return err
}

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}
