package growertest

import (
	"testing"
	"time"

	"plantgrow.dev/internal/protocol"
	"plantgrow.dev/internal/sim/grower"
)

func liveHarness(t *testing.T) *Harness {
	t.Helper()
	h := NewHarness(t, grower.Config{
		RunID:         "R-live",
		Species:       SmallSpecies(),
		CycleDuration: 25 * time.Millisecond,
	})
	h.StartLoop()
	return h
}

func TestViewerFeed_FramesAdvance(t *testing.T) {
	h := liveHarness(t)
	v := h.Subscribe("watcher", true, false)

	if v.Welcome.Species != "smallwood" || v.Welcome.RunID != "R-live" {
		t.Fatalf("welcome identity: %+v", v.Welcome)
	}
	if v.Tree.Cycle != 0 || len(v.Tree.Branches) == 0 {
		t.Fatalf("initial tree: cycle=%d branches=%d", v.Tree.Cycle, len(v.Tree.Branches))
	}
	if v.Tree.Branches[0].State == nil {
		t.Fatal("states were requested; want per-branch state in frames")
	}

	first := v.WaitTree(waitTimeout)
	if first.Cycle < 1 {
		t.Fatalf("first broadcast frame at cycle %d", first.Cycle)
	}
	stats := v.WaitStats(waitTimeout)
	if stats.Branches == 0 || stats.Cycle < first.Cycle {
		t.Fatalf("stats frame: %+v", stats)
	}
	second := v.WaitTree(waitTimeout)
	if second.Cycle <= first.Cycle {
		t.Fatalf("tree frames should advance: cycle %d then %d", first.Cycle, second.Cycle)
	}
}

func TestViewerFeed_UnsubscribeStopsDelivery(t *testing.T) {
	h := liveHarness(t)
	v := h.Subscribe("watcher", false, false)
	v.WaitTree(waitTimeout)

	h.Unsubscribe(v)

	// Drain anything in flight, then confirm silence for a few cycles.
	drained := time.After(150 * time.Millisecond)
drain:
	for {
		select {
		case <-v.Out:
		case <-drained:
			break drain
		}
	}
	select {
	case b := <-v.Out:
		t.Fatalf("frame after unsubscribe: %s", b)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestViewerFeed_RegrowBroadcastsFreshTree(t *testing.T) {
	h := liveHarness(t)
	v := h.Subscribe("watcher", false, false)

	seed := int64(31415)
	ack := h.SendParams(protocol.SetParamsMsg{
		Type:            protocol.TypeSetParams,
		ProtocolVersion: protocol.Version,
		ID:              "regrow-1",
		Overrides:       &protocol.ParamOverrides{Seed: &seed},
		Apply:           true,
	}, waitTimeout)
	if !ack.Accepted || ack.Cycle != 0 {
		t.Fatalf("regrow ack: %+v", ack)
	}

	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		tm := v.WaitTree(time.Until(deadline))
		if tm.Cycle == 0 {
			return
		}
	}
	t.Fatal("no cycle-0 frame after an applied regrow")
}
