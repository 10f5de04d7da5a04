// Package peers keeps track of the peers a replica synchronizes with,
// making sure there's at most one session with each, and keeps outbound
// sessions connected.
package peers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
	"github.com/jrhy/crdtree"
	"github.com/jrhy/crdtree/syncproto"
)

var (
	ErrPeerExists    = errors.New("peer already registered")
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrSessionActive = errors.New("peer already has an active session")
)

const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = time.Minute
)

// Peer is a remote replica.
type Peer struct {
	ID string
	// Addr is where to dial the peer; empty for peers that only connect
	// to us or haven't been discovered yet.
	Addr string
	// Context is the peer's context as of the last exchange.
	Context crdtree.Context
	State   syncproto.State
}

// Dialer connects to a peer's address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (syncproto.Conn, error)
}

// Config tunes a Registry.
type Config struct {
	Session syncproto.Config
	// Dialer is used by Maintain.
	Dialer Dialer
	// InitialBackoff and MaxBackoff bound the wait between dial
	// attempts. 0 means the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type entry struct {
	Peer
	session       *syncproto.Session
	cancelSession context.CancelFunc
	cancelDial    context.CancelFunc
}

// Registry holds the known peers and their sessions.
type Registry struct {
	store  syncproto.Store
	config Config

	mu    sync.Mutex
	peers map[string]*entry
}

// New returns an empty registry synchronizing store.
func New(store syncproto.Store, config *Config) *Registry {
	r := &Registry{store: store, peers: map[string]*entry{}}
	if config != nil {
		r.config = *config
	}
	if r.config.InitialBackoff <= 0 {
		r.config.InitialBackoff = DefaultInitialBackoff
	}
	if r.config.MaxBackoff <= 0 {
		r.config.MaxBackoff = DefaultMaxBackoff
	}
	return r
}

// AddPeer registers a peer.
func (r *Registry) AddPeer(p Peer) error {
	if p.ID == "" {
		return errors.New("add peer: no ID")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID]; ok {
		return fmt.Errorf("add peer %s: %w", p.ID, ErrPeerExists)
	}
	r.peers[p.ID] = &entry{Peer: Peer{ID: p.ID, Addr: p.Addr, Context: p.Context.Clone()}}
	glog.V(1).Infof("[registry]added %s at %q", p.ID, p.Addr)
	return nil
}

// SetAddr changes where Maintain dials the peer.
func (r *Registry) SetAddr(id, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("set address of %s: %w", id, ErrUnknownPeer)
	}
	e.Addr = addr
	return nil
}

// RemovePeer forgets a peer, closing its session and stopping Maintain.
func (r *Registry) RemovePeer(id string) error {
	r.mu.Lock()
	e, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("remove peer %s: %w", id, ErrUnknownPeer)
	}
	if e.cancelSession != nil {
		e.cancelSession()
	}
	if e.cancelDial != nil {
		e.cancelDial()
	}
	glog.V(1).Infof("[registry]removed %s", id)
	return nil
}

// SessionFor returns the peer's active session.
func (r *Registry) SessionFor(id string) (*syncproto.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Peers returns the known peers, sorted by ID.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, e := range r.peers {
		p := e.Peer
		p.State = syncproto.Disconnected
		if e.session != nil {
			p.State = e.session.State()
			if p.State == syncproto.Exchanging || p.State == syncproto.Idle {
				p.Context = e.session.RemoteContext()
			}
		}
		p.Context = p.Context.Clone()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// claim makes s the peer's session, registering the peer if it's new.
func (r *Registry) claim(id string, s *syncproto.Session, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		e = &entry{Peer: Peer{ID: id}}
		r.peers[id] = e
		glog.V(1).Infof("[registry]added %s on connect", id)
	}
	if e.session != nil {
		return ErrSessionActive
	}
	e.session = s
	e.cancelSession = cancel
	return nil
}

func (r *Registry) release(id string, s *syncproto.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok || e.session != s {
		return
	}
	e.Context = s.RemoteContext()
	e.session = nil
	e.cancelSession = nil
}

// run runs a session on conn, holding the peer's slot while connected.
// It reports whether the handshake succeeded.
func (r *Registry) run(ctx context.Context, conn syncproto.Conn, expect string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	config := r.config.Session
	config.ExpectPeer = expect
	var s *syncproto.Session
	claimed := ""
	config.OnHandshake = func(id string) error {
		if err := r.claim(id, s, cancel); err != nil {
			return err
		}
		claimed = id
		return nil
	}
	s = syncproto.NewSession(r.store, conn, &config)
	err := s.Run(ctx)
	if claimed != "" {
		r.release(claimed, s)
	}
	return claimed != "", err
}

// Serve runs a session for an inbound connection until it ends. Unknown
// peers are registered.
func (r *Registry) Serve(ctx context.Context, conn syncproto.Conn) error {
	_, err := r.run(ctx, conn, "")
	return err
}

func (r *Registry) addr(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.peers[id]
	if !ok {
		return "", false
	}
	return e.Addr, true
}

// Maintain keeps a session with the peer open, dialing its address and
// redialing after failures with exponential backoff, until ctx is done
// or the peer is removed.
func (r *Registry) Maintain(ctx context.Context, id string) error {
	if r.config.Dialer == nil {
		return errors.New("maintain: no dialer")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	e, ok := r.peers[id]
	if ok {
		if e.cancelDial != nil {
			r.mu.Unlock()
			return fmt.Errorf("maintain %s: already maintained", id)
		}
		e.cancelDial = cancel
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintain %s: %w", id, ErrUnknownPeer)
	}
	defer func() {
		r.mu.Lock()
		if e, ok := r.peers[id]; ok {
			e.cancelDial = nil
		}
		r.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.InitialBackoff
	b.MaxInterval = r.config.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	for {
		addr, ok := r.addr(id)
		if !ok {
			return fmt.Errorf("maintain %s: %w", id, ErrUnknownPeer)
		}
		if addr != "" {
			if err := r.dial(ctx, id, addr); err == nil {
				b.Reset()
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			wait = r.config.MaxBackoff
		}
		glog.V(2).Infof("[registry]redialing %s in %v", id, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// dial runs one outbound session, returning nil if it got past the
// handshake.
func (r *Registry) dial(ctx context.Context, id, addr string) error {
	conn, err := r.config.Dialer.Dial(ctx, addr)
	if err != nil {
		glog.V(1).Infof("[registry]dial %s at %s: %v", id, addr, err)
		return err
	}
	connected, err := r.run(ctx, conn, id)
	if errors.Is(err, ErrSessionActive) {
		glog.V(1).Infof("[registry]%s already connected", id)
	} else if err != nil && ctx.Err() == nil {
		glog.Warningf("[registry]session with %s: %v", id, err)
	}
	if !connected {
		if err == nil {
			err = errors.New("no handshake")
		}
		return err
	}
	return nil
}
