package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/jrhy/crdtree"
	"github.com/jrhy/crdtree/config"
	"github.com/jrhy/crdtree/indexer"
	"github.com/jrhy/crdtree/peers"
	"github.com/jrhy/crdtree/persist/bolt"
	"github.com/jrhy/crdtree/persist/file"
	"github.com/jrhy/crdtree/syncproto"
)

const usage = `Keep a directory tree synchronized with peers.

Started without --peer-id, crdtreed only listens and advertises itself,
so other peers can find it. With --peer-id it also connects to that peer,
at --peer-addr or wherever mDNS finds it.

Usage:
    crdtreed --watched-path=<dir> [--peer-id=<id>] [--peer-addr=<addr>]
        [--listen=<addr>] [--state-dir=<dir>] [--config=<file>]
        [--store=<kind>] [--self-id=<id>] [-v <level>]
    crdtreed -h | --help

Options:
    -h --help                Show this screen.
    --watched-path=<dir>     Directory to index and synchronize.
    --peer-id=<id>           Peer to connect to.
    --peer-addr=<addr>       The peer's host:port or websocket URL.
    --listen=<addr>          Address for /sync and /status, overriding the
                             configuration.
    --state-dir=<dir>        Where state is kept; <watched-path>/.crdtree
                             if unset.
    --config=<file>          YAML configuration; <state-dir>/crdtree.yaml
                             if unset.
    --store=<kind>           file or bolt [default: file].
    --self-id=<id>           This peer's ID, if it has none yet.
    -v <level>               Log verbosity [default: 0].`

type options struct {
	watched   string
	peerID    string
	peerAddr  string
	listen    string
	stateDir  string
	config    string
	store     string
	selfID    string
	verbosity string
}

func parseOptions(argv []string) (*options, error) {
	opts, err := docopt.ParseArgs(usage, argv, "")
	if err != nil {
		return nil, err
	}
	str := func(key string) string {
		s, _ := opts.String(key)
		return s
	}
	o := &options{
		watched:   str("--watched-path"),
		peerID:    str("--peer-id"),
		peerAddr:  str("--peer-addr"),
		listen:    str("--listen"),
		stateDir:  str("--state-dir"),
		config:    str("--config"),
		store:     str("--store"),
		selfID:    str("--self-id"),
		verbosity: str("-v"),
	}
	if o.stateDir == "" {
		o.stateDir = filepath.Join(o.watched, ".crdtree")
	}
	if o.store != "file" && o.store != "bolt" {
		return nil, fmt.Errorf("unknown store %q", o.store)
	}
	return o, nil
}

func main() {
	o, err := parseOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	flag.Set("logtostderr", "true")
	flag.Set("v", o.verbosity)
	flag.CommandLine.Parse(nil)
	defer glog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, o); err != nil && !errors.Is(err, context.Canceled) {
		glog.Exitf("crdtreed: %v", err)
	}
}

func openStore(o *options) (crdtree.Persist, func() error, error) {
	switch o.store {
	case "bolt":
		p, err := bolt.Open(filepath.Join(o.stateDir, "crdtree.db"))
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	default:
		p, err := file.NewPersistForPath(filepath.Join(o.stateDir, "store"))
		if err != nil {
			return nil, nil, err
		}
		return p, func() error { return nil }, nil
	}
}

// daemon is everything a running crdtreed holds.
type daemon struct {
	config   *config.Config
	replica  *crdtree.Replica
	indexer  *indexer.Indexer
	ignore   *indexer.Ignore
	registry *peers.Registry
	watched  string
}

func setup(ctx context.Context, o *options) (*daemon, func() error, error) {
	if err := os.MkdirAll(o.stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("state directory: %w", err)
	}
	configPath, allowMissing := o.config, false
	if configPath == "" {
		configPath, allowMissing = filepath.Join(o.stateDir, "crdtree.yaml"), true
	}
	cfg, err := config.Load(configPath, allowMissing)
	if err != nil {
		return nil, nil, err
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	self, err := loadPeerID(o.stateDir, o.selfID)
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := openStore(o)
	if err != nil {
		return nil, nil, err
	}
	replica, err := crdtree.Open(ctx, &crdtree.Config{
		PeerID:                  self,
		StoreImmutablePartsWith: store,
		SnapshotEvery:           cfg.SnapshotEvery,
		MaxPendingRounds:        cfg.MaxPendingRounds,
		PathCache:               crdtree.NewPathCache(cfg.PathCacheSize),
	})
	if err != nil {
		closeStore()
		// nothing is safe to do with state that won't load
		glog.Fatalf("crdtreed: %v", err)
	}
	glog.Infof("peer %s: %d operations, %d pending", self, replica.Len(), replica.Pending())

	patterns := append([]string(nil), cfg.Ignore...)
	if rel, err := filepath.Rel(o.watched, o.stateDir); err == nil && filepath.IsLocal(rel) {
		patterns = append(patterns, "/"+filepath.ToSlash(rel)+"/")
	}
	ignore, err := indexer.LoadIgnore(o.watched, patterns...)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	registry := peers.New(replica, &peers.Config{
		Session: syncproto.Config{
			BatchSize:        cfg.BatchSize,
			BatchBytes:       cfg.MaxFrameSize,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		Dialer:         &peers.WebsocketDialer{MaxFrameSize: cfg.MaxFrameSize, WriteTimeout: cfg.HandshakeTimeout},
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	})
	return &daemon{
		config:   cfg,
		replica:  replica,
		indexer:  indexer.New(o.watched, replica, ignore),
		ignore:   ignore,
		registry: registry,
		watched:  o.watched,
	}, closeStore, nil
}

func run(ctx context.Context, o *options) error {
	d, closeStore, err := setup(ctx, o)
	if err != nil {
		return err
	}
	defer closeStore()

	if o.peerID != "" {
		if err := d.registry.AddPeer(peers.Peer{ID: o.peerID, Addr: o.peerAddr}); err != nil {
			return err
		}
	}
	ln, err := net.Listen("tcp", d.config.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	g, ctx := errgroup.WithContext(ctx)
	srv := &http.Server{Handler: d.router(ctx)}
	g.Go(func() error {
		glog.Infof("listening on %s", ln.Addr())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		return srv.Close()
	})
	g.Go(func() error { return d.watch(ctx) })
	g.Go(func() error { return d.logChanges(ctx) })
	if d.config.MDNS {
		port := ln.Addr().(*net.TCPAddr).Port
		g.Go(func() error {
			if err := peers.Advertise(ctx, d.replica.PeerID(), port); err != nil {
				glog.Warningf("%v", err)
			}
			return nil
		})
	}
	if o.peerID != "" {
		if o.peerAddr == "" && d.config.MDNS {
			g.Go(func() error {
				err := peers.Discover(ctx, func(p peers.Peer) {
					if p.ID == o.peerID {
						d.registry.SetAddr(p.ID, p.Addr)
					}
				})
				if err != nil {
					glog.Warningf("%v", err)
				}
				return nil
			})
		}
		g.Go(func() error { return d.registry.Maintain(ctx, o.peerID) })
	}
	return g.Wait()
}

func (d *daemon) router(ctx context.Context) http.Handler {
	r := mux.NewRouter()
	r.Handle(peers.SyncPath, &peers.Handler{
		Registry:     d.registry,
		MaxFrameSize: d.config.MaxFrameSize,
		WriteTimeout: d.config.HandshakeTimeout,
		Context:      ctx,
	}).Methods(http.MethodGet)
	r.HandleFunc("/status", d.status).Methods(http.MethodGet)
	return r
}

// watch indexes what changed while we weren't running, then follows the
// watcher, rescanning whenever it loses events.
func (d *daemon) watch(ctx context.Context) error {
	for {
		w, err := indexer.NewWatcher(d.watched, d.ignore, d.config.RenameWindow)
		if err != nil {
			return err
		}
		events, err := d.indexer.Scan(ctx)
		if err != nil {
			w.Close()
			return err
		}
		glog.Infof("scanned %s: %d changes", d.watched, len(events))
		err = w.Run(ctx, func(ev indexer.Event) error {
			if err := d.indexer.Handle(ctx, ev); err != nil {
				glog.Warningf("%s: %v", ev, err)
			}
			return nil
		})
		w.Close()
		if !errors.Is(err, indexer.ErrOverflow) {
			return err
		}
		glog.Warningf("%v; rescanning", err)
	}
}

// logChanges reports each path added or removed in the rendered tree.
func (d *daemon) logChanges(ctx context.Context) error {
	changed := d.replica.Changed()
	last := d.replica.Render()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		}
		changed = d.replica.Changed()
		cur := d.replica.Render()
		err := crdtree.DiffIter(ctx, last, cur, func(added, removed bool, path string, _, _ *crdtree.Entry) (bool, error) {
			switch {
			case added:
				glog.V(1).Infof("added %s", path)
			case removed:
				glog.V(1).Infof("removed %s", path)
			default:
				glog.V(1).Infof("changed %s", path)
			}
			return true, nil
		})
		if err != nil {
			// only cancellation stops the diff
			return nil
		}
		last = cur
	}
}
