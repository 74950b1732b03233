package jitterbuffer

import (
	"testing"
	"time"

	"github.com/aoo-audio/aoo/pkg/aoo"
)

func completeBlock(seq aoo.Sequence, payload []byte) *aoo.Block {
	return aoo.NewCompleteBlock(seq, 48000, 0, payload, 1, int32(len(payload)))
}

func TestInsertSeedsFrontOnFirstCall(t *testing.T) {
	b := New(4)
	if !b.Empty() {
		t.Fatal("expected a fresh buffer to be empty")
	}
	b.Insert(10, 48000, 0, 4, 1, 4)
	front, ok := b.Front()
	if !ok || front != 10 {
		t.Fatalf("expected front to seed at 10, got %d ok=%v", front, ok)
	}
}

func TestInsertReturnsExistingBlockForSameSequence(t *testing.T) {
	b := New(4)
	first, result := b.Insert(1, 48000, 0, 4, 1, 4)
	if result != Inserted {
		t.Fatalf("expected first insert to succeed, got %v", result)
	}
	second, result := b.Insert(1, 48000, 0, 4, 1, 4)
	if result != Inserted {
		t.Fatalf("expected re-insert of the same sequence to report Inserted, got %v", result)
	}
	if first != second {
		t.Fatal("expected re-insert of a tracked sequence to return the same block")
	}
}

func TestInsertRejectsSequenceOlderThanFront(t *testing.T) {
	b := New(4)
	b.Insert(10, 48000, 0, 4, 1, 4)
	if _, result := b.Insert(5, 48000, 0, 4, 1, 4); result != TooOld {
		t.Fatalf("expected a sequence behind front to be TooOld, got %v", result)
	}
}

func TestInsertEvictsWhenGapExceedsCapacity(t *testing.T) {
	b := New(4)
	b.Insert(0, 48000, 0, 4, 1, 4)
	_, result := b.Insert(10, 48000, 0, 4, 1, 4)
	if result != Evicted {
		t.Fatalf("expected a sequence far beyond capacity to evict, got %v", result)
	}
	front, _ := b.Front()
	if front != 10-4+1 {
		t.Fatalf("expected front to slide to cover the new sequence, got %d", front)
	}
}

func TestDrainCompletePopsOnlyConsecutiveCompleteBlocks(t *testing.T) {
	b := New(8)
	b.slots[b.index(0)] = slot{blk: completeBlock(0, []byte{1}), received: time.Now(), set: true}
	b.slots[b.index(1)] = slot{blk: completeBlock(1, []byte{2}), received: time.Now(), set: true}
	b.front = 0
	b.hasFront = true
	// sequence 2 is left untracked, so draining must stop there.

	out := b.DrainComplete()
	if len(out) != 2 {
		t.Fatalf("expected two consecutive complete blocks, got %d", len(out))
	}
	front, _ := b.Front()
	if front != 2 {
		t.Fatalf("expected front to advance past the drained blocks to 2, got %d", front)
	}
}

func TestDrainCompleteStopsAtIncompleteBlock(t *testing.T) {
	b := New(8)
	b.Insert(0, 48000, 0, 8, 2, 4) // incomplete: no frames joined yet
	if out := b.DrainComplete(); len(out) != 0 {
		t.Fatalf("expected no blocks to drain while the front block is incomplete, got %d", len(out))
	}
}

func TestGapsReportsMissingAndIncompleteBlocks(t *testing.T) {
	b := New(8)
	b.Insert(0, 48000, 0, 4, 1, 4) // present but incomplete (0 frames joined)
	gaps := b.Gaps(3)
	if len(gaps) != 3 {
		t.Fatalf("expected gaps at sequence 0 (incomplete) and 1,2 (missing), got %d: %+v", len(gaps), gaps)
	}
	if gaps[0].Sequence != 0 || gaps[0].MissingFrom != 0 {
		t.Fatalf("expected the first gap to be the incomplete block at 0, got %+v", gaps[0])
	}
}

func TestGapsExcludesSequencesAtOrPastNewest(t *testing.T) {
	b := New(8)
	b.Insert(0, 48000, 0, 4, 1, 4)
	gaps := b.Gaps(0)
	if len(gaps) != 0 {
		t.Fatalf("expected no gaps when newest equals front, got %d", len(gaps))
	}
}

func TestNewestReflectsHighestTrackedSequence(t *testing.T) {
	b := New(8)
	b.Insert(0, 48000, 0, 4, 1, 4)
	b.Insert(3, 48000, 0, 4, 1, 4)
	newest, ok := b.Newest()
	if !ok || newest != 3 {
		t.Fatalf("expected newest to be 3, got %d ok=%v", newest, ok)
	}
}

func TestEvictOlderThanAdvancesFrontPastStaleBlocks(t *testing.T) {
	b := New(4)
	b.Insert(0, 48000, 0, 4, 1, 4)
	b.slots[b.index(0)].received = time.Now().Add(-time.Hour)
	b.EvictOlderThan(time.Minute)
	front, ok := b.Front()
	if !ok || front != 1 {
		t.Fatalf("expected a stale front block to be evicted, advancing front to 1, got %d ok=%v", front, ok)
	}
}

func TestEvictOlderThanLeavesFreshBlocksAlone(t *testing.T) {
	b := New(4)
	b.Insert(0, 48000, 0, 4, 1, 4)
	b.EvictOlderThan(time.Hour)
	front, _ := b.Front()
	if front != 0 {
		t.Fatalf("expected a fresh block to survive eviction, front moved to %d", front)
	}
}

func TestResetForgetsFront(t *testing.T) {
	b := New(4)
	b.Insert(5, 48000, 0, 4, 1, 4)
	b.Reset()
	if !b.Empty() {
		t.Fatal("expected Reset to clear the buffer entirely")
	}
}

func TestResetToReseedsFrontAtGivenSequence(t *testing.T) {
	b := New(4)
	b.Insert(5, 48000, 0, 4, 1, 4)
	b.ResetTo(100)
	front, ok := b.Front()
	if !ok || front != 100 {
		t.Fatalf("expected ResetTo to reseed front at 100, got %d ok=%v", front, ok)
	}
	if _, found := b.Find(5); found {
		t.Fatal("expected ResetTo to discard previously tracked blocks")
	}
}
