package grower

import (
	"encoding/json"
	"fmt"

	"plantgrow.dev/internal/protocol"
	"plantgrow.dev/internal/sim/tree"
)

func (g *Grower) handleSubscribe(req SubscribeRequest) {
	if g.cfg.MaxViewers > 0 && len(g.viewers) >= g.cfg.MaxViewers {
		if req.Resp != nil {
			req.Resp <- SubscribeResponse{
				Code:    protocol.ErrRateLimited,
				Message: fmt.Sprintf("viewer limit %d reached", g.cfg.MaxViewers),
			}
		}
		return
	}

	id := fmt.Sprintf("V%d", g.nextViewerNum.Add(1))
	g.viewers[id] = &viewerState{
		out:           req.Out,
		includeStates: req.IncludeStates,
		includeCurves: req.IncludeCurves,
		maxBranches:   req.MaxBranches,
	}
	g.syncMetrics()

	cycle := int(g.cycle.Load())
	resp := SubscribeResponse{
		ViewerID: id,
		Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			RunID:           g.cfg.RunID,
			Species:         g.current.Species,
			Seed:            g.current.Growth.RandomSeed,
			Cycle:           cycle,
			CycleDurationMs: int(g.cfg.CycleDuration.Milliseconds()),
			SpeciesDigest:   g.cfg.SpeciesDigest,
		},
		Tree: g.treeMsg(cycle, g.stateDigest(cycle), req.IncludeStates, req.IncludeCurves, req.MaxBranches),
	}
	if req.Resp != nil {
		req.Resp <- resp
	}
	g.logger.Printf("viewer %s subscribed (%q): states=%v curves=%v cap=%d",
		id, req.ViewerName, req.IncludeStates, req.IncludeCurves, req.MaxBranches)
}

func (g *Grower) handleUnsubscribe(id string) {
	if _, ok := g.viewers[id]; !ok {
		return
	}
	delete(g.viewers, id)
	g.syncMetrics()
	g.logger.Printf("viewer %s unsubscribed", id)
}

func (g *Grower) broadcast(cycle int, digest string) {
	if len(g.viewers) == 0 {
		return
	}
	sb, err := json.Marshal(g.statsMsg(cycle))
	if err != nil {
		return
	}
	for _, v := range g.viewers {
		tb, err := json.Marshal(g.treeMsg(cycle, digest, v.includeStates, v.includeCurves, v.maxBranches))
		if err != nil {
			continue
		}
		if !sendLatest(v.out, tb) {
			g.droppedFrames.Add(1)
		}
		if !sendLatest(v.out, sb) {
			g.droppedFrames.Add(1)
		}
	}
}

// TreeFrame builds the full TREE payload with every option enabled.
// Loop-owned state: call only from the loop goroutine or while driving
// the grower synchronously.
func (g *Grower) TreeFrame() protocol.TreeMsg {
	cycle := int(g.cycle.Load())
	return g.treeMsg(cycle, g.stateDigest(cycle), true, true, 0)
}

func (g *Grower) treeMsg(cycle int, digest string, includeStates, includeCurves bool, maxBranches int) protocol.TreeMsg {
	branches := g.tree.Branches
	n := len(branches)
	truncated := false
	if maxBranches > 0 && n > maxBranches {
		n = maxBranches
		truncated = true
	}

	byPtr := make(map[*tree.Branch]int, len(branches))
	for i, b := range branches {
		byPtr[b] = i
	}

	msg := protocol.TreeMsg{
		Type:            protocol.TypeTree,
		ProtocolVersion: protocol.Version,
		Cycle:           cycle,
		TreeAge:         g.tree.Age,
		Digest:          digest,
		Truncated:       truncated,
		Branches:        make([]protocol.TreeBranch, 0, n),
	}
	for i := 0; i < n; i++ {
		b := branches[i]
		tb := protocol.TreeBranch{
			ID:       i,
			Parent:   -1,
			Depth:    b.Depth,
			Age:      b.Age,
			Start:    b.Start.Array(),
			End:      b.End().Array(),
			Dir:      b.Direction.Array(),
			Length:   b.Length,
			Radius:   b.Radius,
			Exposure: b.Exposure,
		}
		if b.Parent != nil {
			tb.Parent = byPtr[b.Parent]
		}
		if includeCurves && len(b.Curve) > 0 {
			tb.Curve = make([][3]float32, len(b.Curve))
			for j, p := range b.Curve {
				tb.Curve[j] = p.Array()
			}
		}
		if includeStates {
			st := g.sim.StateAt(i)
			tb.State = &protocol.BranchState{
				Capture:  st.LightCapture,
				Balance:  st.ResourceBalance,
				Deficit:  st.AccumulatedDeficit,
				Duration: st.DeficitDuration,
			}
		}
		msg.Branches = append(msg.Branches, tb)
	}
	return msg
}

func (g *Grower) statsMsg(cycle int) protocol.StatsMsg {
	return protocol.StatsMsg{
		Type:            protocol.TypeStats,
		ProtocolVersion: protocol.Version,
		Cycle:           cycle,
		Branches:        g.tree.Len(),
		MaxDepth:        g.tree.MaxDepth(),
		PrunedLast:      g.stats.Pruned,
		PrunedTotal:     g.sim.PrunedTotal(),
		MinCapture:      g.stats.MinCapture,
		AvgCapture:      g.stats.AvgCapture,
		MaxCapture:      g.stats.MaxCapture,
		CycleMs:         float64(g.lastCycleMicros.Load()) / 1000,
	}
}

// sendLatest delivers without blocking, dropping one stale frame to
// make room when the buffer is full. Reports whether the send was
// clean.
func sendLatest(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
	return false
}
