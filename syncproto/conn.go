package syncproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/encoding/protowire"
)

// Conn sends and receives whole frames. ReadFrame and WriteFrame may be
// called concurrently with each other, and Close unblocks both.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
}

// StreamConn frames a byte stream with a uvarint length prefix.
type StreamConn struct {
	rwc      io.ReadWriteCloser
	r        *bufio.Reader
	maxFrame int
	wmu      sync.Mutex
}

// NewStreamConn frames rwc. Frames longer than maxFrame are refused in
// both directions.
func NewStreamConn(rwc io.ReadWriteCloser, maxFrame int) *StreamConn {
	return &StreamConn{rwc: rwc, r: bufio.NewReader(rwc), maxFrame: maxFrame}
}

func (c *StreamConn) ReadFrame() ([]byte, error) {
	n, err := binary.ReadUvarint(c.r)
	if err != nil {
		return nil, err
	}
	if n > uint64(c.maxFrame) {
		return nil, fmt.Errorf("%w: %d-byte frame exceeds %d", ErrProtocol, n, c.maxFrame)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(c.r, b); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return b, nil
}

func (c *StreamConn) WriteFrame(b []byte) error {
	if len(b) > c.maxFrame {
		return fmt.Errorf("%d-byte frame exceeds %d", len(b), c.maxFrame)
	}
	buf := protowire.AppendVarint(make([]byte, 0, len(b)+binary.MaxVarintLen64), uint64(len(b)))
	buf = append(buf, b...)
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.rwc.Write(buf)
	return err
}

func (c *StreamConn) Close() error {
	return c.rwc.Close()
}

// WebsocketConn sends each frame as one binary websocket message. Empty
// messages are keepalives and aren't returned as frames.
type WebsocketConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	wmu          sync.Mutex
}

// NewWebsocketConn wraps ws, limiting incoming messages to maxFrame bytes.
func NewWebsocketConn(ws *websocket.Conn, maxFrame int, writeTimeout time.Duration) *WebsocketConn {
	ws.SetReadLimit(int64(maxFrame))
	return &WebsocketConn{ws: ws, writeTimeout: writeTimeout}
}

func (c *WebsocketConn) ReadFrame() ([]byte, error) {
	for {
		messageType, message, err := c.ws.ReadMessage()
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err != nil {
			return nil, err
		}
		switch {
		case messageType != websocket.BinaryMessage:
			return nil, fmt.Errorf("%w: websocket message type %d", ErrProtocol, messageType)
		case len(message) == 0:
			continue
		}
		return message, nil
	}
}

func (c *WebsocketConn) WriteFrame(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// Close sends a close message, best effort, and closes the connection.
func (c *WebsocketConn) Close() error {
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
