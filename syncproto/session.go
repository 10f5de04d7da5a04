package syncproto

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/jrhy/crdtree"
	"github.com/oklog/ulid/v2"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	DefaultBatchSize        = 256
	DefaultBatchBytes       = 4 << 20
	DefaultHandshakeTimeout = 10 * time.Second
)

// State is where a session is in its lifecycle.
type State int

const (
	Disconnected State = iota
	Handshaking
	Exchanging
	Idle
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Handshaking:
		return "Handshake"
	case Exchanging:
		return "Exchanging"
	case Idle:
		return "Idle"
	case Closed:
		return "Closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Store is the replica a session synchronizes. *crdtree.Replica is one.
type Store interface {
	PeerID() string
	Context() crdtree.Context
	OpsMissing(theirs crdtree.Context) []crdtree.Operation
	Apply(ctx context.Context, op crdtree.Operation) (crdtree.Result, error)
	Changed() <-chan struct{}
	EndRound() []crdtree.Stuck
}

// Config tunes a session.
type Config struct {
	// BatchSize is the most operations sent in one OpBatch. 0 means
	// DefaultBatchSize.
	BatchSize int

	// BatchBytes is the most bytes in one encoded OpBatch frame, and
	// should not exceed the connection's frame limit. 0 means
	// DefaultBatchBytes.
	BatchBytes int

	// HandshakeTimeout bounds the wait for the remote's Handshake. 0
	// means DefaultHandshakeTimeout.
	HandshakeTimeout time.Duration

	// ExpectPeer, if set, is the only peer ID the remote may claim.
	ExpectPeer string

	// OnHandshake, if set, is called with the remote's peer ID once it's
	// known, and may refuse the session by returning an error.
	OnHandshake func(peerID string) error
}

// Session synchronizes a Store with one remote peer over a Conn. Only
// Run's goroutine writes to the connection; one more goroutine reads it.
type Session struct {
	id     ulid.ULID
	store  Store
	conn   Conn
	config Config

	mu       sync.Mutex
	state    State
	remote   string
	known    crdtree.Context
	reported crdtree.Context
}

// NewSession returns a session that starts when Run is called.
func NewSession(store Store, conn Conn, config *Config) *Session {
	s := &Session{
		id:    ulid.Make(),
		store: store,
		conn:  conn,
	}
	if config != nil {
		s.config = *config
	}
	if s.config.BatchSize <= 0 {
		s.config.BatchSize = DefaultBatchSize
	}
	if s.config.BatchBytes <= 0 {
		s.config.BatchBytes = DefaultBatchBytes
	}
	if s.config.HandshakeTimeout <= 0 {
		s.config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() ulid.ULID {
	return s.id
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Remote returns the remote's peer ID once the handshake is done.
func (s *Session) Remote() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// RemoteContext returns the remote's last reported context, plus what it
// has sent since.
func (s *Session) RemoteContext() crdtree.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported.Clone()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != state {
		glog.V(2).Infof("[session]%s %s %s->%s", s.id, s.remote, s.state, state)
	}
	s.state = state
}

type received struct {
	m   Message
	err error
}

// inbox queues what the reader goroutine receives, so that reading never
// waits for the session to finish writing.
type inbox struct {
	mu    sync.Mutex
	q     []received
	ready chan struct{}
}

func newInbox() *inbox {
	return &inbox{ready: make(chan struct{}, 1)}
}

func (b *inbox) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

func (b *inbox) put(r received) {
	b.mu.Lock()
	b.q = append(b.q, r)
	b.mu.Unlock()
	b.signal()
}

func (b *inbox) pop() (received, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.q) == 0 {
		return received{}, false
	}
	r := b.q[0]
	b.q = b.q[1:]
	if len(b.q) > 0 {
		b.signal()
	}
	return r, true
}

func (s *Session) read(in *inbox) {
	for {
		b, err := s.conn.ReadFrame()
		var r received
		if err != nil {
			r.err = err
		} else {
			r.m, r.err = Unmarshal(b)
		}
		in.put(r)
		if r.err != nil {
			return
		}
	}
}

func (s *Session) send(m Message) error {
	glog.V(3).Infof("[session]%s %s<- %s", s.id, s.remote, m)
	if err := s.conn.WriteFrame(Marshal(m)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Run handshakes and then exchanges operations until ctx is done, the
// connection fails, or the remote breaks the protocol. The connection is
// closed when Run returns. A session can't be run twice.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.conn.Close()
		s.setState(Closed)
		if err != nil && !errors.Is(err, context.Canceled) {
			glog.Infof("[session]%s %s closed: %v", s.id, s.Remote(), err)
		}
	}()
	s.setState(Handshaking)

	in := newInbox()
	go s.read(in)

	changed := s.store.Changed()
	if err := s.send(&Handshake{PeerID: s.store.PeerID(), Context: s.store.Context()}); err != nil {
		return err
	}
	hs, err := s.handshake(ctx, in)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.remote = hs.PeerID
	s.known = hs.Context.Clone()
	s.reported = hs.Context.Clone()
	s.mu.Unlock()
	glog.V(1).Infof("[session]%s connected to %s", s.id, hs.PeerID)
	s.setState(Exchanging)

	for {
		if err := s.push(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
			changed = s.store.Changed()
		case <-in.ready:
			r, ok := in.pop()
			if !ok {
				continue
			}
			if r.err != nil {
				return fmt.Errorf("receive: %w", r.err)
			}
			if err := s.handle(ctx, r.m); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handshake(ctx context.Context, in *inbox) (*Handshake, error) {
	timer := time.NewTimer(s.config.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("handshake: no response in %v", s.config.HandshakeTimeout)
		case <-in.ready:
		}
		r, ok := in.pop()
		if !ok {
			continue
		}
		if r.err != nil {
			return nil, fmt.Errorf("handshake: %w", r.err)
		}
		hs, ok := r.m.(*Handshake)
		switch {
		case !ok:
			return nil, fmt.Errorf("%w: expected handshake, got %s", ErrProtocol, r.m)
		case hs.PeerID == s.store.PeerID():
			return nil, fmt.Errorf("%w: remote claims our own peer ID %s", ErrProtocol, hs.PeerID)
		case s.config.ExpectPeer != "" && hs.PeerID != s.config.ExpectPeer:
			return nil, fmt.Errorf("%w: expected peer %s, got %s", ErrProtocol, s.config.ExpectPeer, hs.PeerID)
		}
		if s.config.OnHandshake != nil {
			if err := s.config.OnHandshake(hs.PeerID); err != nil {
				return nil, fmt.Errorf("handshake with %s: %w", hs.PeerID, err)
			}
		}
		return hs, nil
	}
}

func (s *Session) handle(ctx context.Context, m Message) error {
	glog.V(3).Infof("[session]%s %s-> %s", s.id, s.remote, m)
	switch m := m.(type) {
	case *OpBatch:
		for _, op := range m.Ops {
			res, err := s.store.Apply(ctx, op)
			if errors.Is(err, crdtree.ErrMalformed) {
				continue
			}
			if err != nil {
				return fmt.Errorf("apply %s: %w", &op, err)
			}
			s.mu.Lock()
			observe(s.known, op.ID)
			observe(s.reported, op.ID)
			s.mu.Unlock()
			glog.V(4).Infof("[session]%s %s: %s", s.id, &op, res)
		}
		return s.send(&Ack{Context: s.store.Context()})
	case *Ack:
		s.mu.Lock()
		s.known = s.known.Merge(m.Context)
		s.reported = s.reported.Merge(m.Context)
		s.mu.Unlock()
		if stuck := s.store.EndRound(); len(stuck) > 0 {
			glog.Warningf("[session]%s %s: %d operations stuck waiting for dependencies", s.id, s.remote, len(stuck))
		}
		return nil
	}
	return fmt.Errorf("%w: unexpected %s", ErrProtocol, m)
}

// push sends what the remote is known to be missing, in batches, and
// updates the state.
func (s *Session) push() error {
	s.mu.Lock()
	known := s.known.Clone()
	s.mu.Unlock()
	ops := s.store.OpsMissing(known)
	for len(ops) > 0 {
		n, skip := s.batch(ops)
		s.setState(Exchanging)
		if n > 0 {
			if err := s.send(&OpBatch{Ops: ops[:n]}); err != nil {
				return err
			}
		}
		s.mu.Lock()
		for _, op := range ops[:n+skip] {
			observe(s.known, op.ID)
		}
		s.mu.Unlock()
		ops = ops[n+skip:]
	}
	s.mu.Lock()
	idle := crdtree.Compare(s.store.Context(), s.reported) == crdtree.Equal
	s.mu.Unlock()
	if idle {
		s.setState(Idle)
	} else {
		s.setState(Exchanging)
	}
	return nil
}

// envelopeOverhead bounds the tag and length prefixing an OpBatch body.
var envelopeOverhead = protowire.SizeTag(2) + protowire.SizeVarint(math.MaxUint64)

// batch returns how many of ops fit in the next OpBatch, limited by
// BatchSize and BatchBytes. If the first operation alone is too big for a
// frame, it returns skip=1 so it's passed over instead of failing every
// attempt.
func (s *Session) batch(ops []crdtree.Operation) (n, skip int) {
	size := envelopeOverhead
	for n < len(ops) && n < s.config.BatchSize {
		l := len(crdtree.MarshalOperation(ops[n]))
		size += protowire.SizeTag(1) + protowire.SizeBytes(l)
		if size > s.config.BatchBytes {
			break
		}
		n++
	}
	if n == 0 {
		glog.Errorf("[session]%s %s: operation %s doesn't fit in a %d-byte frame, not sending it", s.id, s.remote, &ops[0], s.config.BatchBytes)
		return 0, 1
	}
	return n, 0
}

func observe(c crdtree.Context, id crdtree.OpID) {
	if c[id.Peer] < id.Counter {
		c[id.Peer] = id.Counter
	}
}
