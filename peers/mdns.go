package peers

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"github.com/grandcat/zeroconf"
)

const (
	// Service is the mDNS service type peers advertise.
	Service = "_crdtree._tcp"
	domain  = "local."
	txtPeer = "peer="
)

// Advertise announces the peer on the local network until ctx is done.
func Advertise(ctx context.Context, peerID string, port int) error {
	server, err := zeroconf.Register(peerID, Service, domain, port, []string{txtPeer + peerID}, nil)
	if err != nil {
		return fmt.Errorf("advertise: %w", err)
	}
	defer server.Shutdown()
	glog.Infof("[registry]advertising %s on port %d", peerID, port)
	<-ctx.Done()
	return nil
}

// Discover browses the local network until ctx is done, calling found
// with each advertised peer. found may be called more than once per peer.
func Discover(ctx context.Context, found func(Peer)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, ok := <-entries:
			if !ok {
				return nil
			}
			if p, ok := peerFromEntry(entry); ok {
				glog.V(1).Infof("[registry]discovered %s at %s", p.ID, p.Addr)
				found(p)
			}
		}
	}
}

func peerFromEntry(e *zeroconf.ServiceEntry) (Peer, bool) {
	var id string
	for _, txt := range e.Text {
		if strings.HasPrefix(txt, txtPeer) {
			id = strings.TrimPrefix(txt, txtPeer)
		}
	}
	if id == "" || e.Port == 0 {
		return Peer{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Peer{}, false
	}
	return Peer{ID: id, Addr: net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))}, true
}
