package rip

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tideroute/ripd/internal/config"
	"github.com/tideroute/ripd/internal/metrics"
)

// Peer is the runtime-resolved form of a configured neighbor: a
// router identity reachable on outgoingPort with the given per-hop
// link cost.
type Peer struct {
	ID           uint16
	OutgoingPort int
	LinkMetric   uint32
}

// Daemon is the single-threaded cooperative event loop: it owns an
// Interface and a RouteTable exclusively and wires them together per
// iteration. Nothing outside Run ever touches either.
type Daemon struct {
	ownRouterID uint16
	bindAddress string

	iface *Interface
	table *RouteTable
	peers map[uint16]Peer

	pollTimeout      time.Duration
	periodicInterval time.Duration

	logger *zap.Logger

	ready atomic.Bool
}

// NewDaemon binds the Interface described by cfg and constructs the
// RouteTable that backs it. The returned Daemon is ready for Run but
// has not yet sent or received anything.
func NewDaemon(cfg *config.Config, logger *zap.Logger) (*Daemon, error) {
	iface, err := NewInterface(cfg.Router.BindAddress, cfg.Router.IncomingPorts)
	if err != nil {
		return nil, err
	}

	ownID := uint16(cfg.Router.ID)
	table := NewRouteTable(ownID, cfg.Router.Timeout(), cfg.Router.GarbageCollectWindow())

	peers := make(map[uint16]Peer, len(cfg.Peers))
	for _, p := range cfg.ResolvedPeers() {
		peers[uint16(p.PeerID)] = Peer{
			ID:           uint16(p.PeerID),
			OutgoingPort: p.OutgoingPort,
			LinkMetric:   uint32(p.LinkMetric),
		}
	}

	return &Daemon{
		ownRouterID:      ownID,
		bindAddress:      cfg.Router.BindAddress,
		iface:            iface,
		table:            table,
		peers:            peers,
		pollTimeout:      cfg.Router.PollTimeout(),
		periodicInterval: cfg.Router.PeriodicUpdateInterval(),
		logger:           logger,
	}, nil
}

// Table exposes the RouteTable for wiring an audit sink or for tests;
// it must never be mutated from outside Run once the loop is started.
func (d *Daemon) Table() *RouteTable {
	return d.table
}

// Ready reports whether the loop has completed at least one
// iteration. The HTTP /readyz handler gates on this.
func (d *Daemon) Ready() bool {
	return d.ready.Load()
}

// Run executes the event loop until ctx is cancelled, then closes the
// Interface unconditionally and returns. One iteration: drain and
// process all currently-ready incoming datagrams, then run the
// periodic-update check, then scan for expiries — in that fixed
// order, so a fresh advertisement always wins over an expiry racing it
// within the same tick.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.iface.Close()

	nextPeriodic := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		for _, dg := range d.iface.PollOnce(d.pollTimeout) {
			d.processIncoming(dg)
		}

		now := time.Now()
		if !now.Before(nextPeriodic) {
			d.periodicUpdate()
			nextPeriodic = now.Add(d.periodicInterval)
		}

		if d.table.ScanExpiries() {
			metrics.TriggeredUpdatesTotal.Inc()
			d.broadcast()
		}

		metrics.RouteTableSize.Set(float64(len(d.table.Entries())))
		metrics.AuditEventsDropped.Set(float64(d.table.DroppedAuditEvents()))
		d.ready.Store(true)
	}
}

// processIncoming decodes one datagram and applies the per-entry
// rules for a RESPONSE from a configured peer. A REQUEST triggers no
// action in this revision. Any decode failure is logged and the
// datagram is dropped without mutating the table.
func (d *Daemon) processIncoming(dg Datagram) {
	command, senderID, entries, err := Decode(dg.Data)
	if err != nil {
		d.logger.Warn("dropping malformed packet", zap.Error(err), zap.Int("source_port", dg.SourcePort))
		metrics.ParseErrorsTotal.Inc()
		return
	}

	metrics.PacketsReceivedTotal.Inc()

	if command == CommandRequest {
		return
	}

	peer, known := d.peers[senderID]
	if !known {
		d.logger.Warn("dropping response from unconfigured peer", zap.Uint16("sender_id", senderID))
		return
	}

	for _, e := range entries {
		destID := uint16(e.ID)
		if destID == d.ownRouterID {
			continue
		}

		m := e.Metric + peer.LinkMetric
		if m > Infinity {
			m = Infinity
		}

		existing, ok := d.table.Get(destID)

		switch {
		case !ok && m < Infinity:
			d.table.AddRoute(destID, senderID, m)

		case ok && existing.NextHopID == senderID:
			switch {
			case m == Infinity && existing.Metric < Infinity:
				// Arm immediate GC: back-date last_updated by the full
				// timeout so the very next expiry scan poisons this
				// route instead of waiting out a fresh timeout window.
				d.table.AddRoute(destID, senderID, existing.Metric, time.Now().Add(-d.table.timeout))
			case m == Infinity:
				// Already withdrawn; do not restart the GC timer.
			default:
				d.table.AddRoute(destID, senderID, m)
			}

		case ok && existing.NextHopID != senderID && m < existing.Metric:
			d.table.AddRoute(destID, senderID, m)

		default:
			// Equal-or-worse path from a different hop, or a withdrawal
			// of an already-absent route: ignore.
		}
	}
}

// periodicUpdate emits one advertisement per configured peer.
func (d *Daemon) periodicUpdate() {
	d.broadcast()
}

func (d *Daemon) broadcast() {
	for _, peer := range d.peers {
		entries := d.table.AdvertisementFor(peer.ID)
		packet := Encode(CommandResponse, d.ownRouterID, entries)
		dest := &net.UDPAddr{IP: net.ParseIP(d.bindAddress), Port: peer.OutgoingPort}
		if err := d.iface.Unicast(packet, dest); err != nil {
			d.logger.Warn("send failed", zap.Error(err), zap.Uint16("peer_id", peer.ID))
		} else {
			metrics.AdvertisementsSentTotal.Inc()
		}
	}
}
