package main

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/jrhy/crdtree"
)

const peerIDFile = "peer-id"

// loadPeerID returns the peer ID kept in stateDir, or else stores and
// returns fallback, or else a new UUID. A replica's ID can't change once
// it has authored operations, so the stored one always wins.
func loadPeerID(stateDir, fallback string) (string, error) {
	path := filepath.Join(stateDir, peerIDFile)
	b, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(b))
		if id == "" {
			return "", fmt.Errorf("%s is empty", path)
		}
		if fallback != "" && fallback != id {
			glog.Warningf("ignoring --self-id %s; this replica is %s", fallback, id)
		}
		return id, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("peer ID: %w", err)
	}
	id := fallback
	if id == "" {
		id = uuid.NewString()
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("peer ID: %w", err)
	}
	return id, nil
}

type peerStatus struct {
	ID      string          `json:"id"`
	Addr    string          `json:"addr,omitempty"`
	State   string          `json:"state"`
	Context crdtree.Context `json:"context"`
}

type status struct {
	PeerID     string          `json:"peer_id"`
	Digest     string          `json:"digest"`
	Operations int             `json:"operations"`
	Pending    int             `json:"pending"`
	Context    crdtree.Context `json:"context"`
	Peers      []peerStatus    `json:"peers"`
}

func (d *daemon) status(w http.ResponseWriter, req *http.Request) {
	digest := d.replica.Digest()
	s := status{
		PeerID:     d.replica.PeerID(),
		Digest:     hex.EncodeToString(digest[:]),
		Operations: d.replica.Len(),
		Pending:    d.replica.Pending(),
		Context:    d.replica.Context(),
		Peers:      []peerStatus{},
	}
	for _, p := range d.registry.Peers() {
		s.Peers = append(s.Peers, peerStatus{ID: p.ID, Addr: p.Addr, State: p.State.String(), Context: p.Context})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		glog.V(1).Infof("status: %v", err)
	}
}
