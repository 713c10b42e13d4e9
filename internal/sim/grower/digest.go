package grower

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"

	"plantgrow.dev/internal/sim/geom"
	"plantgrow.dev/internal/sim/tree"
)

// stateDigest hashes the full growth state at a cycle. Two growers with
// the same species config reach the same digest at the same cycle, and
// a resumed snapshot must reproduce the digest it was exported with.
func (g *Grower) stateDigest(cycle int) string {
	h := sha256.New()
	var tmp [8]byte
	putU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(tmp[:], v)
		h.Write(tmp[:])
	}
	putF32 := func(v float32) {
		binary.LittleEndian.PutUint32(tmp[:4], math.Float32bits(v))
		h.Write(tmp[:4])
	}
	putVec := func(v geom.Vec3) {
		putF32(v.X)
		putF32(v.Y)
		putF32(v.Z)
	}

	putU64(uint64(cycle))
	putU64(uint64(g.current.Growth.RandomSeed))
	h.Write([]byte(g.current.Species))
	putU64(uint64(g.tree.Age))
	putU64(uint64(len(g.tree.Branches)))

	byPtr := make(map[*tree.Branch]int, len(g.tree.Branches))
	for i, b := range g.tree.Branches {
		byPtr[b] = i
	}
	for i, b := range g.tree.Branches {
		parent := -1
		if b.Parent != nil {
			parent = byPtr[b.Parent]
		}
		putU64(uint64(int64(parent)))
		putVec(b.Start)
		putVec(b.Direction)
		putF32(b.Length)
		putF32(b.Radius)
		putU64(uint64(b.Depth))
		putU64(uint64(b.Age))
		putF32(b.Exposure)
		putU64(uint64(len(b.Curve)))
		for _, p := range b.Curve {
			putVec(p)
		}
		st := g.sim.StateAt(i)
		putF32(st.LightCapture)
		putF32(st.ResourceBalance)
		putF32(st.AccumulatedDeficit)
		putU64(uint64(st.DeficitDuration))
	}
	putU64(uint64(g.sim.PrunedTotal()))
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the digest for the current cycle. Loop-owned state:
// call only from the loop goroutine or while driving the grower
// synchronously.
func (g *Grower) Digest() string { return g.stateDigest(int(g.cycle.Load())) }
