package crdtree

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"
)

// Persist is the interface for loading and storing the replica's log and
// snapshots. The given string identity corresponds to content which is
// immutable (never modified).
type Persist interface {
	// Store makes the given bytes accessible by the given name. The given string identity corresponds to the content which is immutable (never modified).
	Store(context.Context, string, []byte) error
	// Load retrieves the previously-stored bytes by the given name. A missing name is reported with an error wrapping ErrNotFound.
	Load(context.Context, string) ([]byte, error)
}

// Names of persisted blobs. Peer IDs are base64-encoded so any peer ID
// makes a usable file or object name.
func logName(id OpID) string {
	return fmt.Sprintf("log.%s.%020d", base64.RawURLEncoding.EncodeToString([]byte(id.Peer)), id.Counter)
}

func originName(n int) string {
	return "origin." + strconv.Itoa(n)
}

func snapshotName(n int) string {
	return "snapshot." + strconv.Itoa(n)
}

// snapshot holds the operations applied since the previous snapshot, in
// application order. Replaying snapshots 1..n in turn rebuilds the
// document up to ctx, which must render to digest.
type snapshot struct {
	ctx    Context
	ops    []Operation
	digest [32]byte
}

func (s *snapshot) marshal() []byte {
	var b []byte
	b = appendContext(b, 1, s.ctx)
	for _, op := range s.ops {
		b = appendMessage(b, 2, MarshalOperation(op))
	}
	b = appendMessage(b, 3, s.digest[:])
	return b
}

func unmarshalSnapshot(b []byte) (*snapshot, error) {
	s := snapshot{ctx: Context{}}
	var digest []byte
	err := decodeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeContext(typ, b, &s.ctx)
		case 2:
			var body []byte
			n, err := consumeBytes(typ, b, &body)
			if err != nil {
				return 0, err
			}
			op, err := UnmarshalOperation(body)
			if err != nil {
				return 0, err
			}
			s.ops = append(s.ops, op)
			return n, nil
		case 3:
			return consumeBytes(typ, b, &digest)
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	if len(digest) != len(s.digest) {
		return nil, fmt.Errorf("digest is %d bytes", len(digest))
	}
	copy(s.digest[:], digest)
	return &s, nil
}

// loadOptional loads name, reporting false if it doesn't exist.
func loadOptional(ctx context.Context, p Persist, name string) ([]byte, bool, error) {
	b, err := p.Load(ctx, name)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persist load %s: %w", name, err)
	}
	return b, true, nil
}

// latestSnapshot finds the highest-numbered snapshot, probing 1, 2, 4, ...
// and then bisecting. Snapshots are numbered densely from 1.
func latestSnapshot(ctx context.Context, p Persist) (int, []byte, error) {
	exists := func(n int) ([]byte, bool, error) {
		return loadOptional(ctx, p, snapshotName(n))
	}
	b, ok, err := exists(1)
	if err != nil || !ok {
		return 0, nil, err
	}
	lo, hi := 1, 2
	best := b
	for {
		b, ok, err = exists(hi)
		if err != nil {
			return 0, nil, err
		}
		if !ok {
			break
		}
		lo, best = hi, b
		hi *= 2
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		b, ok, err = exists(mid)
		if err != nil {
			return 0, nil, err
		}
		if ok {
			lo, best = mid, b
		} else {
			hi = mid
		}
	}
	return lo, best, nil
}

// storeAll stores the given blobs concurrently, returning the first error.
func storeAll(ctx context.Context, p Persist, names []string, blobs [][]byte) error {
	if len(names) == 1 {
		if err := p.Store(ctx, names[0], blobs[0]); err != nil {
			return fmt.Errorf("persist store %s: %w", names[0], err)
		}
		return nil
	}
	n := 40
	gate := make(chan interface{}, n)
	for i := 0; i < n; i++ {
		gate <- nil
	}
	seLock := sync.Mutex{}
	var firstStoreError error
	wg := sync.WaitGroup{}
	for i := range names {
		name, blob := names[i], blobs[i]
		<-gate
		seLock.Lock()
		failed := firstStoreError != nil
		seLock.Unlock()
		if failed {
			gate <- nil
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { gate <- nil }()
			err := p.Store(ctx, name, blob)
			if err != nil {
				seLock.Lock()
				if firstStoreError == nil {
					firstStoreError = fmt.Errorf("persist store %s: %w", name, err)
				}
				seLock.Unlock()
			}
		}()
	}
	wg.Wait()
	return firstStoreError
}
