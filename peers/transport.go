package peers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/jrhy/crdtree/syncproto"
)

// SyncPath is where Handler is mounted.
const SyncPath = "/sync"

const DefaultMaxFrameSize = 16 << 20

// WebsocketDialer dials peers' Handlers.
type WebsocketDialer struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer       *websocket.Dialer
	MaxFrameSize int
	WriteTimeout time.Duration
}

// URL turns a peer address, either host:port or a ws:// or wss:// URL,
// into the URL of its Handler.
func URL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + SyncPath
}

func (d *WebsocketDialer) Dial(ctx context.Context, addr string) (syncproto.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, URL(addr), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return syncproto.NewWebsocketConn(ws, maxFrame(d.MaxFrameSize), d.WriteTimeout), nil
}

func maxFrame(n int) int {
	if n <= 0 {
		return DefaultMaxFrameSize
	}
	return n
}

// Handler accepts inbound sessions over websocket.
type Handler struct {
	Registry     *Registry
	MaxFrameSize int
	WriteTimeout time.Duration
	// Context bounds the sessions; nil means they last until the
	// connection closes.
	Context context.Context

	upgrader websocket.Upgrader
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ws, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		glog.V(1).Infof("[registry]upgrade from %s: %v", req.RemoteAddr, err)
		return
	}
	ctx := h.Context
	if ctx == nil {
		ctx = context.Background()
	}
	glog.V(1).Infof("[registry]inbound from %s", req.RemoteAddr)
	err = h.Registry.Serve(ctx, syncproto.NewWebsocketConn(ws, maxFrame(h.MaxFrameSize), h.WriteTimeout))
	if err != nil && ctx.Err() == nil {
		glog.Infof("[registry]inbound from %s: %v", req.RemoteAddr, err)
	}
}
