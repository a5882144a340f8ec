package rip

import (
	"testing"
	"time"
)

const (
	testTimeout  = 6 * time.Second
	testGCWindow = 12 * time.Second
)

func newTestTable() *RouteTable {
	return NewRouteTable(1, testTimeout, testGCWindow)
}

func TestAddRoute_IgnoresSelf(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(1, 2, 3)
	if _, ok := tbl.Get(1); ok {
		t.Fatal("expected self destination to be ignored")
	}
}

func TestAddRoute_InsertsNewReachable(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	entry, ok := tbl.Get(2)
	if !ok {
		t.Fatal("expected route to be installed")
	}
	if entry.NextHopID != 3 || entry.Metric != 1 {
		t.Errorf("got %+v", entry)
	}
}

func TestAddRoute_IgnoresWithdrawalOfAbsentRoute(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, Infinity)
	if _, ok := tbl.Get(2); ok {
		t.Fatal("expected withdrawal of unknown destination to be ignored")
	}
}

func TestAddRoute_AuthoritativeOverwriteFromCurrentNextHop(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	tbl.AddRoute(2, 3, 5) // same next hop, worse metric: still accepted
	entry, _ := tbl.Get(2)
	if entry.Metric != 5 {
		t.Errorf("metric = %d, want 5 (authoritative update)", entry.Metric)
	}
}

func TestAddRoute_CurrentNextHopCanWithdraw(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	tbl.AddRoute(2, 3, Infinity)
	entry, ok := tbl.Get(2)
	if !ok {
		t.Fatal("expected poisoned entry to remain present")
	}
	if entry.Metric != Infinity || !entry.GCActive {
		t.Errorf("got %+v, want metric=Infinity gc_active=true", entry)
	}
}

func TestAddRoute_BetterPathFromDifferentNextHopReplaces(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 5)
	tbl.AddRoute(2, 4, 2) // strictly better via a different hop
	entry, _ := tbl.Get(2)
	if entry.NextHopID != 4 || entry.Metric != 2 {
		t.Errorf("got %+v, want next_hop=4 metric=2", entry)
	}
}

func TestAddRoute_WorseOrEqualPathFromDifferentNextHopIgnored(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 2)
	tbl.AddRoute(2, 4, 2) // equal metric, different hop: ignored
	tbl.AddRoute(2, 4, 5) // worse metric, different hop: ignored
	entry, _ := tbl.Get(2)
	if entry.NextHopID != 3 || entry.Metric != 2 {
		t.Errorf("got %+v, want unchanged next_hop=3 metric=2", entry)
	}
}

func TestAddRoute_Idempotent(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	before, _ := tbl.Get(2)
	tbl.AddRoute(2, 3, 1)
	after, _ := tbl.Get(2)
	if before.Metric != after.Metric || before.NextHopID != after.NextHopID {
		t.Errorf("table state diverged across repeated identical updates: %+v vs %+v", before, after)
	}
}

func TestRemove(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	if !tbl.Remove(2) {
		t.Fatal("expected Remove to report true for present entry")
	}
	if tbl.Remove(2) {
		t.Fatal("expected Remove to report false for absent entry")
	}
}

func TestClear(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	tbl.AddRoute(4, 3, 2)
	tbl.Clear()
	if len(tbl.Entries()) != 0 {
		t.Fatalf("expected empty table after Clear, got %d entries", len(tbl.Entries()))
	}
}

func TestAdvertisementFor_SelfEntryFirst(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	entries := tbl.AdvertisementFor(3)
	if entries[0].ID != 1 || entries[0].Metric != 0 {
		t.Fatalf("first entry = %+v, want self route with metric 0", entries[0])
	}
}

func TestAdvertisementFor_PoisonsRoutesLearnedFromThatPeer(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(3, 3, 1) // destination 3 reached directly through peer 3
	entries := tbl.AdvertisementFor(3)
	found := false
	for _, e := range entries {
		if e.ID == 3 {
			found = true
			if e.Metric != Infinity {
				t.Errorf("metric for poisoned route = %d, want %d", e.Metric, Infinity)
			}
		}
	}
	if !found {
		t.Fatal("expected destination 3 to be advertised (poisoned) back to peer 3")
	}
}

func TestAdvertisementFor_OtherPeersSeeRealMetric(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(3, 3, 1)
	entries := tbl.AdvertisementFor(99)
	for _, e := range entries {
		if e.ID == 3 && e.Metric != 1 {
			t.Errorf("metric = %d, want unpoisoned 1 for an unrelated peer", e.Metric)
		}
	}
}

func TestAdvertisementFor_DoesNotMutateStoredState(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(3, 3, 1)
	_ = tbl.AdvertisementFor(3)
	entry, _ := tbl.Get(3)
	if entry.Metric != 1 {
		t.Errorf("AdvertisementFor mutated stored metric to %d", entry.Metric)
	}
}

func TestAdvertisementFor_IncludesAlreadyPoisonedRoutes(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1, time.Now().Add(-(testTimeout + time.Second)))
	if !tbl.ScanExpiries() {
		t.Fatal("expected ScanExpiries to report a newly poisoned route")
	}
	entries := tbl.AdvertisementFor(99)
	found := false
	for _, e := range entries {
		if e.ID == 2 {
			found = true
			if e.Metric != Infinity {
				t.Errorf("metric = %d, want %d", e.Metric, Infinity)
			}
		}
	}
	if !found {
		t.Fatal("expected poisoned route to still appear in advertisements until removed")
	}
}

func TestScanExpiries_PoisonsAgedRoute(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1, time.Now().Add(-(testTimeout + time.Second)))
	changed := tbl.ScanExpiries()
	if !changed {
		t.Fatal("expected ScanExpiries to report a change")
	}
	entry, ok := tbl.Get(2)
	if !ok {
		t.Fatal("expected poisoned entry to remain present during the gc window")
	}
	if entry.Metric != Infinity || !entry.GCActive {
		t.Errorf("got %+v, want metric=Infinity gc_active=true", entry)
	}
}

func TestScanExpiries_DoesNotRepoisonAlreadyPoisoned(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1, time.Now().Add(-(testTimeout + time.Second)))
	tbl.ScanExpiries()
	if tbl.ScanExpiries() {
		t.Fatal("expected second scan to report no new transition")
	}
}

func TestScanExpiries_RemovesAfterGCWindow(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1, time.Now().Add(-(testTimeout+testGCWindow+time.Second)))
	tbl.ScanExpiries()
	if _, ok := tbl.Get(2); ok {
		t.Fatal("expected entry to be removed once timeout+gc_window has elapsed")
	}
}

func TestScanExpiries_FreshRouteUnaffected(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	if tbl.ScanExpiries() {
		t.Fatal("expected no transition for a freshly-added route")
	}
	if _, ok := tbl.Get(2); !ok {
		t.Fatal("expected fresh route to remain present")
	}
}

func TestScanExpiries_DoesNotMutateDuringIteration(t *testing.T) {
	tbl := newTestTable()
	// Several entries crossing the gc boundary at once exercises the
	// materialize-then-delete removal path.
	for i := uint16(2); i < 10; i++ {
		tbl.AddRoute(i, 3, 1, time.Now().Add(-(testTimeout+testGCWindow+time.Second)))
	}
	tbl.ScanExpiries()
	if len(tbl.Entries()) != 0 {
		t.Fatalf("expected all aged-out entries removed, got %d remaining", len(tbl.Entries()))
	}
}

func TestAuditSink_FullChannelDropsInstallInsteadOfBlocking(t *testing.T) {
	tbl := newTestTable()
	ch := make(chan AuditEvent) // zero-buffer: any send blocks unless drained
	tbl.SetAuditSink(ch)

	done := make(chan struct{})
	go func() {
		tbl.AddRoute(2, 3, 1)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddRoute blocked on a full/unread audit channel")
	}

	if tbl.DroppedAuditEvents() != 1 {
		t.Errorf("DroppedAuditEvents = %d, want 1", tbl.DroppedAuditEvents())
	}
}

func TestInvariant_MetricBoundsAndNoSelfRoute(t *testing.T) {
	tbl := newTestTable()
	tbl.AddRoute(2, 3, 1)
	tbl.AddRoute(4, 3, 16)
	tbl.AddRoute(1, 3, 5)

	for _, e := range tbl.Entries() {
		if e.Metric < 1 || e.Metric > 16 {
			t.Errorf("entry %+v violates metric bound [1,16]", e)
		}
		if e.DestinationID == 1 {
			t.Errorf("self route must never be stored: %+v", e)
		}
	}
}
