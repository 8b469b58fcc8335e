package main

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimbusdb/coord/common/backoffutil"
	"github.com/nimbusdb/coord/common/clock"
	"github.com/nimbusdb/coord/config"
	"github.com/nimbusdb/coord/coordination"
	"github.com/nimbusdb/coord/exchange"
	"github.com/nimbusdb/coord/gc"
	"github.com/nimbusdb/coord/invalidate"
	"github.com/nimbusdb/coord/localcache"
	"github.com/nimbusdb/coord/lockmgr"
	"github.com/nimbusdb/coord/lockwait"
	"github.com/nimbusdb/coord/metrics"
	"github.com/nimbusdb/coord/session"
	"github.com/nimbusdb/coord/store"
	"github.com/nimbusdb/coord/transport"
	"github.com/nimbusdb/coord/waitmgr"
)

// node bundles every component a running coordnode process wires
// together, so serveCmd can start and stop them as one unit.
type node struct {
	store     *store.BadgerStore
	warm      *localcache.Cache
	transport *transport.TCPTransport
	exchange  *exchange.Manager
	locks     *lockmgr.Manager
	gc        *gc.Collector
	service   *coordination.Service
	metrics   *metrics.Collectors
}

// buildNode constructs every component from cfg but does not start any of
// them; the caller (serveCmd) decides start order. statusCmd does not use
// it and opens the store directly.
func buildNode(cfg config.Config, peers []string, reg prometheus.Registerer) (*node, error) {
	st, err := store.OpenBadgerStore(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}

	warm, err := localcache.Open(cfg.Store.DataDir + "/warmcache.db")
	if err != nil {
		st.Close()
		return nil, err
	}

	clk := clock.New()
	sessCfg := session.Config{
		LeaseDuration: cfg.Session.LeaseDuration,
		RenewInterval: cfg.Session.RenewInterval,
		SafetyMargin:  30 * time.Second,
		PollInterval:  2 * time.Second,
		Backoff: backoffutil.Policy{
			Initial: cfg.Reconnect.BackoffInitial,
			Max:     cfg.Reconnect.BackoffMax,
		},
	}
	// This node's own transport address is stamped onto every session it
	// allocates (session.NewManager's peerAddress), so any other node
	// sharing the store can resolve one of our sessions back to us for a
	// directed InvalidateCacheEntry (sessionResolver, below).
	sessions := session.NewManager(st, clk, sessCfg, cfg.Transport.ListenAddress)

	waiters := lockwait.New()
	waitMgr := waitmgr.New(st, sessions, waiters)
	invalid := invalidate.New()

	tcp, err := transport.ListenTCP(cfg.Transport.ListenAddress, 256)
	if err != nil {
		warm.Close()
		st.Close()
		return nil, err
	}

	xchg := exchange.New(tcp, newSessionResolver(sessions, peers), waiters, invalid)
	locks := lockmgr.New(st, sessions, waitMgr, xchg)

	svcCfg := coordination.Config{
		CacheEnabled: cfg.Cache.Enabled,
		CacheSize:    coordination.DefaultConfig().CacheSize,
		WarmCache:    warm,
	}
	svc, err := coordination.New(st, sessions, locks, invalid, clk, svcCfg)
	if err != nil {
		tcp.Close()
		warm.Close()
		st.Close()
		return nil, err
	}

	collector := gc.New(st, locks, clk, gc.Config{
		MinInterval: time.Second,
		MaxInterval: cfg.GC.MaxSweepInterval,
	})

	var mc *metrics.Collectors
	if reg != nil {
		mc = metrics.New(reg)
		locks.OnWriteLockAcquired = func(d time.Duration) { mc.WriteLockAcquireSeconds.Observe(d.Seconds()) }
		locks.OnReadLockAcquired = func(d time.Duration) { mc.ReadLockAcquireSeconds.Observe(d.Seconds()) }
		xchg.OnMessageSent = mc.ObserveExchangeSent
		xchg.OnMessageReceived = mc.ObserveExchangeRecv
		collector.OnSweep = func() { mc.GCSweeps.Inc() }
		collector.OnReclaim = func() { mc.GCReclaims.Inc() }
		collector.OnActiveSessions = func(n int) { mc.ActiveSessions.Set(float64(n)) }
	}

	return &node{
		store:     st,
		warm:      warm,
		transport: tcp,
		exchange:  xchg,
		locks:     locks,
		gc:        collector,
		service:   svc,
		metrics:   mc,
	}, nil
}

func (n *node) start(ctx context.Context) error {
	n.exchange.Start()
	if err := n.service.Start(ctx); err != nil {
		n.exchange.Stop()
		return err
	}
	n.gc.Start()
	return nil
}

func (n *node) close(ctx context.Context) {
	n.gc.Stop()
	n.service.Close(ctx)
	n.exchange.Stop()
	n.transport.Close()
	n.warm.Close()
	n.store.Close()
}
