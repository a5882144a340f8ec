package rip

import (
	"sync/atomic"
	"time"
)

// AuditReason labels why a RouteEntry mutation happened, for the
// diagnostic audit trail. It is never consulted by routing decisions.
type AuditReason string

const (
	AuditInstall        AuditReason = "install"
	AuditUpdate         AuditReason = "update"
	AuditPoison         AuditReason = "poison"
	AuditGCRemove       AuditReason = "gc_remove"
	AuditExplicitRemove AuditReason = "explicit_remove"
)

// AuditEvent is a diagnostic snapshot of a RouteEntry at the moment it
// was mutated. Consumed only by an optional, out-of-band sink; never
// read back by the table or the event loop.
type AuditEvent struct {
	At            time.Time
	DestinationID uint16
	NextHopID     uint16
	Metric        uint32
	GCActive      bool
	Reason        AuditReason
}

// RouteEntry is one row of the routing table.
type RouteEntry struct {
	DestinationID uint16
	NextHopID     uint16
	Metric        uint32
	LastUpdated   time.Time
	GCActive      bool
}

// RouteTable is the keyed routing table described by the daemon
// design: add/update rules, per-route timers, and a pure projection
// for poisoned-reverse advertisements. All mutation happens on a
// single goroutine (the daemon's event loop); the table itself has no
// internal locking.
type RouteTable struct {
	ownRouterID uint16
	timeout     time.Duration
	gcWindow    time.Duration
	routes      map[uint16]*RouteEntry

	audit        chan<- AuditEvent
	droppedAudit atomic.Int64
}

// NewRouteTable constructs a table for ownRouterID. timeout is the age
// at which a silent route is poisoned; gcWindow is the additional age,
// past the timeout, after which a poisoned route is removed.
func NewRouteTable(ownRouterID uint16, timeout, gcWindow time.Duration) *RouteTable {
	return &RouteTable{
		ownRouterID: ownRouterID,
		timeout:     timeout,
		gcWindow:    gcWindow,
		routes:      make(map[uint16]*RouteEntry),
	}
}

// SetAuditSink attaches a channel that receives a copy of every
// mutation. Passing nil (the default) disables the audit trail
// entirely; when the channel is full the new event is dropped (and
// counted) rather than blocking the caller, so the table never
// suspends on this path.
func (t *RouteTable) SetAuditSink(ch chan<- AuditEvent) {
	t.audit = ch
}

// DroppedAuditEvents returns the number of audit events discarded
// because the sink channel was full.
func (t *RouteTable) DroppedAuditEvents() int64 {
	return t.droppedAudit.Load()
}

func (t *RouteTable) emit(e *RouteEntry, reason AuditReason) {
	if t.audit == nil {
		return
	}
	ev := AuditEvent{
		At:            time.Now(),
		DestinationID: e.DestinationID,
		NextHopID:     e.NextHopID,
		Metric:        e.Metric,
		GCActive:      e.GCActive,
		Reason:        reason,
	}
	select {
	case t.audit <- ev:
	default:
		t.droppedAudit.Add(1)
	}
}

// AddRoute applies the add/update decision described by the daemon
// design: the sole entry point through which a route is created or
// mutated by anything other than the expiry scan. lastUpdated is
// optional; when omitted, time.Now() is used.
func (t *RouteTable) AddRoute(destinationID, nextHopID uint16, metric uint32, lastUpdated ...time.Time) {
	if destinationID == t.ownRouterID {
		return
	}

	ts := time.Now()
	if len(lastUpdated) > 0 {
		ts = lastUpdated[0]
	}

	existing, ok := t.routes[destinationID]

	switch {
	case !ok && metric < Infinity:
		e := &RouteEntry{
			DestinationID: destinationID,
			NextHopID:     nextHopID,
			Metric:        metric,
			LastUpdated:   ts,
		}
		t.routes[destinationID] = e
		t.emit(e, AuditInstall)

	case !ok:
		// metric == Infinity and nothing to withdraw: ignore.

	case existing.NextHopID == nextHopID:
		// Updates from the current next hop are authoritative: they can
		// raise the metric or withdraw the route outright.
		existing.Metric = metric
		existing.LastUpdated = ts
		existing.GCActive = metric >= Infinity
		t.emit(existing, AuditUpdate)

	case metric < existing.Metric:
		// A strictly better path through a different next hop.
		e := &RouteEntry{
			DestinationID: destinationID,
			NextHopID:     nextHopID,
			Metric:        metric,
			LastUpdated:   ts,
		}
		t.routes[destinationID] = e
		t.emit(e, AuditInstall)

	default:
		// Equal-or-worse path from a different hop: ignore.
	}
}

// Get returns a copy of the current entry for destinationID, if any.
func (t *RouteTable) Get(destinationID uint16) (RouteEntry, bool) {
	e, ok := t.routes[destinationID]
	if !ok {
		return RouteEntry{}, false
	}
	return *e, true
}

// Remove deletes the entry for destinationID, reporting whether it
// was present.
func (t *RouteTable) Remove(destinationID uint16) bool {
	e, ok := t.routes[destinationID]
	if !ok {
		return false
	}
	delete(t.routes, destinationID)
	t.emit(e, AuditExplicitRemove)
	return true
}

// Clear removes every entry from the table.
func (t *RouteTable) Clear() {
	for id, e := range t.routes {
		t.emit(e, AuditExplicitRemove)
		delete(t.routes, id)
	}
}

// Entries returns a snapshot of every stored route, in no particular
// order.
func (t *RouteTable) Entries() []RouteEntry {
	out := make([]RouteEntry, 0, len(t.routes))
	for _, e := range t.routes {
		out = append(out, *e)
	}
	return out
}

// AdvertisementFor computes the entries of a RESPONSE packet destined
// for peerID, applying split-horizon poisoned-reverse: any stored
// route whose next hop is peerID is advertised with metric Infinity.
// This is a pure projection — it never mutates stored state, so the
// "poison this route in this advertisement" decision never needs to
// overwrite and restore a metric.
func (t *RouteTable) AdvertisementFor(peerID uint16) []Entry {
	entries := make([]Entry, 0, len(t.routes)+1)
	entries = append(entries, Entry{ID: uint32(t.ownRouterID), Metric: 0})

	for _, e := range t.routes {
		metric := e.Metric
		if e.NextHopID == peerID {
			metric = Infinity
		}
		entries = append(entries, Entry{ID: uint32(e.DestinationID), Metric: metric})
	}

	return entries
}

// ScanExpiries applies the per-route timeout and garbage-collection
// rules in a single pass, reporting whether at least one entry
// transitioned into poisoned state during this scan (the daemon uses
// this to decide whether to emit a triggered update). Entries due for
// removal are collected during the scan and deleted only after it
// completes, so the routes map is never mutated mid-iteration.
func (t *RouteTable) ScanExpiries() bool {
	now := time.Now()
	newlyPoisoned := false
	var toRemove []uint16

	for id, e := range t.routes {
		age := now.Sub(e.LastUpdated)
		switch {
		case age >= t.timeout+t.gcWindow:
			toRemove = append(toRemove, id)
		case age >= t.timeout && !e.GCActive:
			e.Metric = Infinity
			e.GCActive = true
			newlyPoisoned = true
			t.emit(e, AuditPoison)
		}
	}

	for _, id := range toRemove {
		e := t.routes[id]
		delete(t.routes, id)
		t.emit(e, AuditGCRemove)
	}

	return newlyPoisoned
}
