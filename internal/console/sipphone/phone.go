// Package sipphone is the SIP signaling adapter of a console position. It
// implements callctl.Phone on top of sipgo and turns inbound INVITEs into
// position offers.
package sipphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/sebas/psapconsole/internal/console/callctl"
	"github.com/sebas/psapconsole/internal/store"
)

const (
	// activeSessionTTL bounds a session that never sees a final request.
	activeSessionTTL       = 4 * time.Hour
	// terminatedSessionTTL keeps a finished session around for late
	// outcome queries and retransmissions (RFC 3261 Timer B).
	terminatedSessionTTL   = 32 * time.Second
	sessionCleanupInterval = 10 * time.Second
)

// Config holds the SIP settings of a position.
type Config struct {
	BindAddr      string
	AdvertiseAddr string
	Port          int
	Transport     string // "udp" or "tcp"

	// User is the contact user part, normally the position device name.
	User string

	// Nodes maps bridging node id to the node's SIP address (host:port).
	Nodes map[string]string
	// DefaultNode is used for offers and dials that carry no node id.
	DefaultNode string

	// MediaPort is advertised in SDP. The console media plane lives
	// outside this process; the port only anchors the offer.
	MediaPort int
}

// ErrUnknownSession is returned for a session id the phone does not track.
var ErrUnknownSession = errors.New("unknown sip session")

// Sink receives the calls and notifications the phone produces.
// *callctl.Position implements it.
type Sink interface {
	Offer(ctx context.Context, offer callctl.IncomingOffer) (*callctl.Call, error)
	HandleSessionEvent(ctx context.Context, ev callctl.SessionEvent)
}

// Phone is a SIP user agent for one position.
type Phone struct {
	cfg      Config
	ua       *sipgo.UserAgent
	srv      *sipgo.Server
	client   *sipgo.Client
	dialogUA *sipgo.DialogUA
	log      *slog.Logger

	mu       sync.RWMutex
	sink     Sink
	sessions *store.TTLStore[string, *session] // by Call-ID
}

var _ callctl.Phone = (*Phone)(nil)

// New creates the user agent, server and client and registers the request
// handlers. Call SetSink before Start.
func New(cfg Config, log *slog.Logger) (*Phone, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Transport == "" {
		cfg.Transport = "udp"
	}
	if cfg.Port == 0 {
		cfg.Port = 5060
	}
	if cfg.User == "" {
		cfg.User = "console"
	}

	ua, err := sipgo.NewUA()
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	uas, err := sipgo.NewServer(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	uac, err := sipgo.NewClient(ua)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	p := &Phone{
		cfg:    cfg,
		ua:     ua,
		srv:    uas,
		client: uac,
		dialogUA: &sipgo.DialogUA{
			Client:     uac,
			ContactHDR: sip.ContactHeader{Address: cfg.contactURI()},
		},
		log:      log,
		sessions: store.NewTTLStore[string, *session](sessionCleanupInterval, nil),
	}

	uas.OnRequest(sip.INVITE, p.handleINVITE)
	uas.OnRequest(sip.ACK, p.handleACK)
	uas.OnRequest(sip.BYE, p.handleBYE)
	uas.OnRequest(sip.CANCEL, p.handleCANCEL)
	uas.OnRequest(sip.INFO, p.handleINFO)

	log.Info("[Phone] SIP handlers registered", "methods", "INVITE, ACK, BYE, CANCEL, INFO")
	return p, nil
}

// SetSink sets the receiver of offers and session events.
func (p *Phone) SetSink(s Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = s
}

func (p *Phone) getSink() Sink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sink
}

// Start serves SIP until ctx ends.
func (p *Phone) Start(ctx context.Context) error {
	listenAddr := fmt.Sprintf("%s:%d", p.cfg.BindAddr, p.cfg.Port)
	p.log.Info("[Phone] Starting SIP server", "listen_addr", listenAddr, "transport", p.cfg.Transport)
	if err := p.srv.ListenAndServe(ctx, p.cfg.Transport, listenAddr); err != nil {
		return fmt.Errorf("sip listen on %s: %w", listenAddr, err)
	}
	return nil
}

// Close hangs up every session and releases the user agent.
func (p *Phone) Close() error {
	for _, s := range p.sessions.Values() {
		if s.isTerminated() {
			continue
		}
		if err := p.Hangup(context.Background(), s.nodeID, s.callID); err != nil {
			p.log.Debug("[Phone] Hangup on close failed", "call_id", s.callID, "error", err)
		}
	}
	p.sessions.Close()
	return p.ua.Close()
}

// Sessions returns the number of live SIP sessions.
func (p *Phone) Sessions() int {
	n := 0
	for _, s := range p.sessions.Values() {
		if !s.isTerminated() {
			n++
		}
	}
	return n
}

func (p *Phone) track(s *session) {
	p.sessions.Set(s.callID, s, activeSessionTTL)
}

func (p *Phone) lookup(callID string) (*session, error) {
	s, ok := p.sessions.Get(callID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, callID)
	}
	return s, nil
}

// retire marks s terminated and shortens its retention.
func (p *Phone) retire(s *session) bool {
	if !s.terminate() {
		return false
	}
	p.sessions.Set(s.callID, s, terminatedSessionTTL)
	return true
}

// notify forwards a session event to the sink outside any phone lock.
func (p *Phone) notify(s *session, kind callctl.SessionEventKind) {
	sink := p.getSink()
	if sink == nil {
		return
	}
	sink.HandleSessionEvent(context.Background(), callctl.SessionEvent{
		NodeID:    s.nodeID,
		SessionID: s.callID,
		Kind:      kind,
	})
}

func (c Config) contactURI() sip.Uri {
	return sip.Uri{
		Scheme: "sip",
		User:   c.User,
		Host:   c.AdvertiseAddr,
		Port:   c.Port,
	}
}

// nodeAddr resolves the SIP address of a bridging node.
func (c Config) nodeAddr(nodeID string) (string, error) {
	if nodeID == "" {
		nodeID = c.DefaultNode
	}
	addr, ok := c.Nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("no SIP address for node %q", nodeID)
	}
	return addr, nil
}
