package crdtree

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// The wire format is protobuf, written and read field by field:
//
//	OpID      { 1: peer, 2: counter }
//	Context   { repeated 1: { 1: peer, 2: counter } }   sorted by peer
//	Operation { 1: id, 2: kind, 3: target, 4: parent, 5: key, 6: after,
//	            7: node kind, 8: value, 9: deps }
//	Entry     { 1: name, 2: kind, 3: id, 4: repeated merged, 5: value,
//	            6: repeated children }

var errWireType = errors.New("unexpected wire type")

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendOpID(b []byte, num protowire.Number, id OpID) []byte {
	if id.IsRoot() {
		return b
	}
	var body []byte
	body = appendString(body, 1, id.Peer)
	body = appendUint(body, 2, id.Counter)
	return appendMessage(b, num, body)
}

func appendContext(b []byte, num protowire.Number, ctx Context) []byte {
	return appendMessage(b, num, MarshalContext(ctx))
}

// fieldFunc consumes the value of one field from b, returning how many
// bytes it used, or -1 to have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func decodeFields(b []byte, f fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := f(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if n < 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte, out *[]byte) (int, error) {
	if typ != protowire.BytesType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = v
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, out *string) (int, error) {
	var v []byte
	n, err := consumeBytes(typ, b, &v)
	*out = string(v)
	return n, err
}

func consumeUint(typ protowire.Type, b []byte, out *uint64) (int, error) {
	if typ != protowire.VarintType {
		return 0, errWireType
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*out = v
	return n, nil
}

func consumeOpID(typ protowire.Type, b []byte, out *OpID) (int, error) {
	var body []byte
	n, err := consumeBytes(typ, b, &body)
	if err != nil {
		return 0, err
	}
	var id OpID
	err = decodeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &id.Peer)
		case 2:
			return consumeUint(typ, b, &id.Counter)
		}
		return -1, nil
	})
	*out = id
	return n, err
}

func consumeContext(typ protowire.Type, b []byte, out *Context) (int, error) {
	var body []byte
	n, err := consumeBytes(typ, b, &body)
	if err != nil {
		return 0, err
	}
	ctx, err := UnmarshalContext(body)
	*out = ctx
	return n, err
}

// MarshalContext encodes a context.
func MarshalContext(ctx Context) []byte {
	var b []byte
	for _, peer := range ctx.Peers() {
		var e []byte
		e = appendString(e, 1, peer)
		e = appendUint(e, 2, ctx[peer])
		b = appendMessage(b, 1, e)
	}
	return b
}

// UnmarshalContext decodes a context encoded by MarshalContext. The
// result is never nil.
func UnmarshalContext(b []byte) (Context, error) {
	ctx := Context{}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		var body []byte
		n, err := consumeBytes(typ, b, &body)
		if err != nil {
			return 0, err
		}
		var peer string
		var counter uint64
		err = decodeFields(body, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeString(typ, b, &peer)
			case 2:
				return consumeUint(typ, b, &counter)
			}
			return -1, nil
		})
		if err != nil {
			return 0, err
		}
		if counter > 0 {
			ctx[peer] = counter
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return ctx, nil
}

// MarshalOperation encodes an operation.
func MarshalOperation(op Operation) []byte {
	return AppendOperation(nil, op)
}

// AppendOperation appends the encoding of op to b.
func AppendOperation(b []byte, op Operation) []byte {
	b = appendOpID(b, 1, op.ID)
	b = appendUint(b, 2, uint64(op.Kind))
	b = appendOpID(b, 3, op.Target)
	b = appendOpID(b, 4, op.Parent)
	b = appendString(b, 5, op.Key)
	b = appendOpID(b, 6, op.After)
	b = appendUint(b, 7, uint64(op.NodeKind))
	if len(op.Value) > 0 {
		b = appendMessage(b, 8, op.Value)
	}
	b = appendContext(b, 9, op.Deps)
	return b
}

// UnmarshalOperation decodes an operation encoded by MarshalOperation.
func UnmarshalOperation(b []byte) (Operation, error) {
	op := Operation{Deps: Context{}}
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		var v uint64
		switch num {
		case 1:
			return consumeOpID(typ, b, &op.ID)
		case 2:
			n, err := consumeUint(typ, b, &v)
			op.Kind = OpKind(v)
			return n, err
		case 3:
			return consumeOpID(typ, b, &op.Target)
		case 4:
			return consumeOpID(typ, b, &op.Parent)
		case 5:
			return consumeString(typ, b, &op.Key)
		case 6:
			return consumeOpID(typ, b, &op.After)
		case 7:
			n, err := consumeUint(typ, b, &v)
			op.NodeKind = NodeKind(v)
			return n, err
		case 8:
			var value []byte
			n, err := consumeBytes(typ, b, &value)
			op.Value = append([]byte(nil), value...)
			return n, err
		case 9:
			return consumeContext(typ, b, &op.Deps)
		}
		return -1, nil
	})
	if err != nil {
		return Operation{}, fmt.Errorf("operation: %w", err)
	}
	return op, nil
}

// marshalEntry appends the canonical encoding of a visible tree.
func marshalEntry(b []byte, e *Entry) []byte {
	b = appendString(b, 1, e.Name)
	b = appendUint(b, 2, uint64(e.Kind))
	b = appendOpID(b, 3, e.ID)
	for _, id := range e.Merged {
		var body []byte
		body = appendString(body, 1, id.Peer)
		body = appendUint(body, 2, id.Counter)
		b = appendMessage(b, 4, body)
	}
	if len(e.Value) > 0 {
		b = appendMessage(b, 5, e.Value)
	}
	for _, c := range e.Children {
		b = appendMessage(b, 6, marshalEntry(nil, c))
	}
	return b
}

// MarshalEntry encodes a visible tree canonically: two trees are equal
// exactly when their encodings are.
func MarshalEntry(e *Entry) []byte {
	return marshalEntry(nil, e)
}
