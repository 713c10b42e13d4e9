package indexdb

import (
	"testing"

	"plantgrow.dev/internal/persistence/snapshot"
	"plantgrow.dev/internal/sim/grower"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqCycle, cycle: grower.CycleLogEntry{Cycle: 1}}

	_ = s.WriteCycle(grower.CycleLogEntry{Cycle: 2})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.TreeSnapshotV1{})

	st := s.Stats()
	if st.DropCycleTotal != 1 {
		t.Fatalf("DropCycleTotal=%d want=1", st.DropCycleTotal)
	}
	if st.DropSnapshotTotal != 1 {
		t.Fatalf("DropSnapshotTotal=%d want=1", st.DropSnapshotTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}
