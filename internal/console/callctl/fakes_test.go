package callctl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sebas/psapconsole/internal/console/events"
)

// fakePhone records signaling requests. Methods listed in gates block until
// the gate is closed; entered is signalled when a gated method starts.
type fakePhone struct {
	mu       sync.Mutex
	requests []string
	dials    []DialRequest
	next     int
	errs     map[string]error
	outcomes []SessionOutcome
	waitErr  error
	// waitForever makes WaitOutcome block until its context ends.
	waitForever bool
	gates       map[string]chan struct{}
	entered     chan string
}

func newFakePhone() *fakePhone {
	return &fakePhone{
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 16),
	}
}

func (f *fakePhone) record(method, arg string) error {
	f.mu.Lock()
	f.requests = append(f.requests, method+":"+arg)
	err := f.errs[method]
	gate := f.gates[method]
	f.mu.Unlock()
	if gate != nil {
		f.entered <- method
		<-gate
	}
	return err
}

func (f *fakePhone) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if len(r) > len(method) && r[:len(method)+1] == method+":" {
			n++
		}
	}
	return n
}

func (f *fakePhone) Answer(ctx context.Context, nodeID, sessionID string) error {
	return f.record("Answer", sessionID)
}

func (f *fakePhone) Hold(ctx context.Context, nodeID, sessionID string) error {
	return f.record("Hold", sessionID)
}

func (f *fakePhone) Unhold(ctx context.Context, nodeID, sessionID string) error {
	return f.record("Unhold", sessionID)
}

func (f *fakePhone) Reject(ctx context.Context, nodeID, sessionID string) error {
	return f.record("Reject", sessionID)
}

func (f *fakePhone) Cancel(ctx context.Context, nodeID, sessionID string) error {
	return f.record("Cancel", sessionID)
}

func (f *fakePhone) Hangup(ctx context.Context, nodeID, sessionID string) error {
	return f.record("Hangup", sessionID)
}

func (f *fakePhone) newSession(req DialRequest) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.dials = append(f.dials, req)
	return fmt.Sprintf("out-%d", f.next)
}

func (f *fakePhone) MakeCall(ctx context.Context, req DialRequest) (string, error) {
	if err := f.record("MakeCall", req.Target); err != nil {
		return "", err
	}
	return f.newSession(req), nil
}

func (f *fakePhone) MakeVccCall(ctx context.Context, req DialRequest) (string, error) {
	if err := f.record("MakeVccCall", req.Target); err != nil {
		return "", err
	}
	return f.newSession(req), nil
}

func (f *fakePhone) WaitOutcome(ctx context.Context, nodeID, sessionID string) (SessionOutcome, error) {
	if err := f.record("WaitOutcome", sessionID); err != nil {
		return OutcomeFailed, err
	}
	f.mu.Lock()
	forever := f.waitForever
	var out SessionOutcome = OutcomeAnswered
	if len(f.outcomes) > 0 {
		out = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	werr := f.waitErr
	f.mu.Unlock()

	if forever {
		<-ctx.Done()
		return OutcomeNone, ctx.Err()
	}
	return out, werr
}

func (f *fakePhone) SendDigits(ctx context.Context, nodeID, sessionID, digits string) error {
	return f.record("SendDigits", digits)
}

func (f *fakePhone) Hookflash(ctx context.Context, nodeID, sessionID string) error {
	return f.record("Hookflash", sessionID)
}

func (f *fakePhone) TandemTransfer(ctx context.Context, nodeID, sessionID, target string) error {
	return f.record("TandemTransfer", target)
}

// fakeNode records bridging RPCs and returns configured results.
type fakeNode struct {
	mu       sync.Mutex
	requests []string
	reqs     map[string][]BridgeRequest
	results  map[string]BridgeResult
	errs     map[string]error
	gates    map[string]chan struct{}
	entered  chan string
	// onCall runs after a method is recorded, outside the fake's lock.
	onCall func(method string, req BridgeRequest)
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		reqs:    make(map[string][]BridgeRequest),
		results: make(map[string]BridgeResult),
		errs:    make(map[string]error),
		gates:   make(map[string]chan struct{}),
		entered: make(chan string, 16),
	}
}

func (f *fakeNode) do(method string, req BridgeRequest) (BridgeResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, method)
	f.reqs[method] = append(f.reqs[method], req)
	res, err := f.results[method], f.errs[method]
	gate := f.gates[method]
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(method, req)
	}
	if gate != nil {
		f.entered <- method
		<-gate
	}
	return res, err
}

func (f *fakeNode) called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs[method])
}

// firstCall returns the position of method's first request, or -1.
func (f *fakeNode) firstCall(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.requests {
		if m == method {
			return i
		}
	}
	return -1
}

func (f *fakeNode) CallPark(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("CallPark", req)
}

func (f *fakeNode) CallUnpark(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("CallUnpark", req)
}

func (f *fakeNode) CallHold(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("CallHold", req)
}

func (f *fakeNode) CallUnhold(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("CallUnhold", req)
}

func (f *fakeNode) CallBarge(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("CallBarge", req)
}

func (f *fakeNode) CallDrop(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("CallDrop", req)
}

func (f *fakeNode) ConferenceAcquire(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("ConferenceAcquire", req)
}

func (f *fakeNode) ConferenceLock(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("ConferenceLock", req)
}

func (f *fakeNode) ConferenceUnlock(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("ConferenceUnlock", req)
}

func (f *fakeNode) ConferenceJoin(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("ConferenceJoin", req)
}

func (f *fakeNode) ConferenceRemove(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("ConferenceRemove", req)
}

func (f *fakeNode) CallPatch(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("CallPatch", req)
}

func (f *fakeNode) ConferenceRelease(ctx context.Context, req BridgeRequest) (BridgeResult, error) {
	return f.do("ConferenceRelease", req)
}

type fakeRequester struct {
	mu    sync.Mutex
	count int
	pidf  []bool
}

func (f *fakeRequester) RequestRebid(ctx context.Context, nodeID, uci string, pidfLO bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.pidf = append(f.pidf, pidfLO)
	return nil
}

func (f *fakeRequester) requests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeRules struct{ rule *RebidRule }

func (f fakeRules) Match(CallInfo) (*RebidRule, bool) { return f.rule, f.rule != nil }

type fakeALI struct{}

func (fakeALI) Decode(raw string) (ALIRecord, error) {
	switch raw {
	case "":
		return ALIRecord{}, fmt.Errorf("empty ALI")
	case "NO-ANI":
		return ALIRecord{ClassOfService: "VOIP"}, nil
	}
	return ALIRecord{ANI: raw, ClassOfService: "WPH2", Wireless: true}, nil
}

func (fakeALI) SubstituteCallback(rec ALIRecord, callback string) ALIRecord {
	rec.ANI = callback
	return rec
}

type harness struct {
	pos   *Position
	phone *fakePhone
	node  *fakeNode
	pub   *events.ChannelPublisher
	rebid *fakeRequester
}

var defaultLines = []LineConfig{
	{ID: "trunk1", Type: LineTrunk, Sharing: SharingShared, Prefixes: []string{"9", "8"}},
	{ID: "trunk2", Type: LineTrunk, Sharing: SharingPrivate},
	{ID: "sip1", Type: LineSIP, Sharing: SharingPrivate},
	{ID: "icm1", Type: LineIntercom, Sharing: SharingPrivate},
}

func newHarness(t *testing.T, mutate ...func(*Config, *Deps)) *harness {
	t.Helper()
	h := &harness{
		phone: newFakePhone(),
		node:  newFakeNode(),
		pub:   events.NewChannelPublisher(4096),
		rebid: &fakeRequester{},
	}
	cfg := Config{
		PositionID:       "pos1",
		Device:           "dev1",
		Lines:            defaultLines,
		RingingTimeout:   time.Second,
		DialPause:        time.Millisecond,
		ReconcileTimeout: 200 * time.Millisecond,
		CleanupTimeout:   time.Second,
	}
	deps := Deps{
		Phone:     h.phone,
		Node:      h.node,
		ALI:       fakeALI{},
		Rebid:     h.rebid,
		Publisher: h.pub,
		Metrics:   NewMetrics(nil),
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	p, err := NewPosition(cfg, deps)
	require.NoError(t, err)
	h.pos = p
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return h
}

// offer presents an incoming call on lineID.
func (h *harness) offer(t *testing.T, session, lineID string, info CallInfo) *Call {
	t.Helper()
	c, err := h.pos.Offer(context.Background(), IncomingOffer{
		NodeID:    "node1",
		SessionID: session,
		LineID:    lineID,
		Info:      info,
	})
	require.NoError(t, err)
	return c
}

// connected offers and answers a call.
func (h *harness) connected(t *testing.T, session, lineID string, info CallInfo) *Call {
	t.Helper()
	c := h.offer(t, session, lineID, info)
	require.NoError(t, c.Answer(context.Background()))
	require.Equal(t, CallConnected, c.State())
	return c
}

// drain returns the events published so far.
func (h *harness) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-h.pub.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func countType(evs []events.Event, t events.EventType) int {
	n := 0
	for _, e := range evs {
		if e.Type() == t {
			n++
		}
	}
	return n
}
