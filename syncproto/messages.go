// Package syncproto exchanges operations between two replicas over a
// framed connection until both have everything the other has, then keeps
// pushing new operations as they appear.
package syncproto

import (
	"errors"
	"fmt"

	"github.com/jrhy/crdtree"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrProtocol means the remote sent something a session can't accept.
var ErrProtocol = errors.New("protocol error")

// Message is one of Handshake, OpBatch or Ack.
type Message interface {
	field() protowire.Number
	appendBody(b []byte) []byte
}

// Handshake is the first message each side sends.
type Handshake struct {
	PeerID  string
	Context crdtree.Context
}

// OpBatch carries operations in application order.
type OpBatch struct {
	Ops []crdtree.Operation
}

// Ack reports the sender's context after applying a batch.
type Ack struct {
	Context crdtree.Context
}

func (*Handshake) field() protowire.Number { return 1 }
func (*OpBatch) field() protowire.Number   { return 2 }
func (*Ack) field() protowire.Number       { return 3 }

func (m *Handshake) String() string { return fmt.Sprintf("Handshake{%s %v}", m.PeerID, m.Context) }
func (m *OpBatch) String() string   { return fmt.Sprintf("OpBatch{%d ops}", len(m.Ops)) }
func (m *Ack) String() string       { return fmt.Sprintf("Ack{%v}", m.Context) }

func (m *Handshake) appendBody(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, m.PeerID)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	return protowire.AppendBytes(b, crdtree.MarshalContext(m.Context))
}

func (m *OpBatch) appendBody(b []byte) []byte {
	for _, op := range m.Ops {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, crdtree.MarshalOperation(op))
	}
	return b
}

func (m *Ack) appendBody(b []byte) []byte {
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, crdtree.MarshalContext(m.Context))
}

// Marshal encodes m as the protobuf
//
//	Envelope { oneof { Handshake handshake = 1; OpBatch batch = 2; Ack ack = 3; } }
//	Handshake { string peer_id = 1; Context context = 2; }
//	OpBatch { repeated Operation ops = 1; }
//	Ack { Context context = 1; }
func Marshal(m Message) []byte {
	b := protowire.AppendTag(nil, m.field(), protowire.BytesType)
	return protowire.AppendBytes(b, m.appendBody(nil))
}

// eachBytesField calls f with every length-delimited field of b, skipping
// fields of other types.
func eachBytesField(b []byte, f func(num protowire.Number, v []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		if err := f(num, v); err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// Unmarshal decodes what Marshal encoded.
func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := eachBytesField(b, func(num protowire.Number, body []byte) error {
		if m != nil {
			return errors.New("more than one message")
		}
		var err error
		switch num {
		case 1:
			m, err = unmarshalHandshake(body)
		case 2:
			m, err = unmarshalBatch(body)
		case 3:
			m, err = unmarshalAck(body)
		default:
			return fmt.Errorf("unknown message %d", num)
		}
		return err
	})
	if err == nil && m == nil {
		err = errors.New("empty message")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return m, nil
}

func unmarshalHandshake(b []byte) (*Handshake, error) {
	m := &Handshake{Context: crdtree.Context{}}
	err := eachBytesField(b, func(num protowire.Number, v []byte) error {
		var err error
		switch num {
		case 1:
			m.PeerID = string(v)
		case 2:
			m.Context, err = crdtree.UnmarshalContext(v)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	if m.PeerID == "" {
		return nil, errors.New("handshake: no peer ID")
	}
	return m, nil
}

func unmarshalBatch(b []byte) (*OpBatch, error) {
	m := &OpBatch{}
	err := eachBytesField(b, func(num protowire.Number, v []byte) error {
		if num != 1 {
			return nil
		}
		op, err := crdtree.UnmarshalOperation(v)
		if err != nil {
			return err
		}
		m.Ops = append(m.Ops, op)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("batch: %w", err)
	}
	return m, nil
}

func unmarshalAck(b []byte) (*Ack, error) {
	m := &Ack{Context: crdtree.Context{}}
	err := eachBytesField(b, func(num protowire.Number, v []byte) error {
		var err error
		if num == 1 {
			m.Context, err = crdtree.UnmarshalContext(v)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ack: %w", err)
	}
	return m, nil
}
