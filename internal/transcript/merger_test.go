package transcript

import (
	"testing"
)

// checkInvariants asserts the transcript invariants that must hold for every
// externally visible snapshot: sorted by start time, and no two
// non-separator segments overlapping by more than Epsilon.
func checkInvariants(t *testing.T, segs []Segment) {
	t.Helper()
	for i := 1; i < len(segs); i++ {
		if segs[i-1].Start > segs[i].Start {
			t.Errorf("segments out of order at %d: %v after %v", i, segs[i].Start, segs[i-1].Start)
		}
	}
	for i := range segs {
		for j := i + 1; j < len(segs); j++ {
			if segs[i].IsSeparator || segs[j].IsSeparator {
				continue
			}
			if ov := segs[i].Overlap(segs[j]); ov > Epsilon {
				t.Errorf("segments %d and %d overlap by %v", i, j, ov)
			}
		}
	}
}

func seg(start, end float64, level int, text string) Segment {
	return Segment{Start: start, End: end, Level: level, Text: text}
}

func TestInsert_HigherLevelEvictsLower(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	// Four L2 chunks covering 0..20, then one L4 chunk covering the lot.
	for i := 0; i < 4; i++ {
		out := m.Insert(seg(float64(i*5), float64(i*5+5), 2, "l2"))
		if !out.Inserted {
			t.Fatalf("L2 chunk %d not inserted", i)
		}
	}
	out := m.Insert(seg(0, 20, 4, "l4"))
	if !out.Inserted || out.Evicted != 4 {
		t.Fatalf("L4 insert: want inserted with 4 evictions, got %+v", out)
	}

	segs := m.Segments()
	if len(segs) != 1 {
		t.Fatalf("segment count: want 1, got %d", len(segs))
	}
	got := segs[0]
	if got.Level != 4 || got.Start != 0 || got.End != 20 {
		t.Errorf("surviving segment: want {level:4 0-20}, got %+v", got)
	}
	checkInvariants(t, segs)
}

func TestInsert_LowerLevelRejectedWithoutEviction(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Insert(seg(0, 20, 4, "l4"))
	m.Insert(seg(25, 30, 2, "l2 tail"))

	out := m.Insert(seg(5, 10, 2, "late l2"))
	if !out.Rejected || out.Inserted {
		t.Fatalf("want rejection, got %+v", out)
	}

	segs := m.Segments()
	if len(segs) != 2 {
		t.Fatalf("rejection must not change the transcript, got %d segments", len(segs))
	}
	checkInvariants(t, segs)
}

func TestInsert_EqualLevelNewerWins(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Insert(seg(0, 5, 2, "old"))
	out := m.Insert(seg(0, 5, 2, "new"))
	if !out.Inserted || out.Evicted != 1 {
		t.Fatalf("want replacement, got %+v", out)
	}

	segs := m.Segments()
	if len(segs) != 1 || segs[0].Text != "new" {
		t.Errorf("want single segment %q, got %+v", "new", segs)
	}
}

func TestInsert_Idempotent(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	n := seg(0, 5, 3, "hello")
	m.Insert(n)
	out := m.Insert(n)
	if !out.Inserted || out.Evicted != 1 {
		t.Fatalf("second insert: want tie-replacement, got %+v", out)
	}

	segs := m.Segments()
	if len(segs) != 1 || segs[0].Text != "hello" {
		t.Errorf("double insert must equal single insert, got %+v", segs)
	}
}

func TestInsert_SmallOverlapTolerated(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Insert(seg(0, 5.05, 2, "a"))
	out := m.Insert(seg(5.0, 10, 4, "b"))
	if !out.Inserted || out.Evicted != 0 {
		t.Fatalf("overlap of 0.05s must not evict, got %+v", out)
	}
	if len(m.Segments()) != 2 {
		t.Errorf("want both segments kept")
	}
}

func TestInsert_EmptyTextDominates(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Insert(seg(0, 5, 2, "misheard words"))
	out := m.Insert(seg(0, 5, 3, ""))
	if !out.Inserted || out.Evicted != 1 {
		t.Fatalf("confident silence must evict, got %+v", out)
	}
	segs := m.Segments()
	if len(segs) != 1 || segs[0].Text != "" {
		t.Errorf("want single empty segment, got %+v", segs)
	}
}

func TestAppendSeparator_PinnedAtTail(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Insert(seg(0, 20, 4, "l4"))
	sep := m.AppendSeparator()

	if !sep.IsSeparator || sep.Level != 0 || sep.Start != 20 || sep.End != 20 {
		t.Errorf("separator: want zero-width level-0 at 20, got %+v", sep)
	}
	segs := m.Segments()
	if len(segs) != 2 || !segs[1].IsSeparator {
		t.Fatalf("want [segment, separator], got %+v", segs)
	}
	checkInvariants(t, segs)
}

func TestAppendSeparator_EmptyTranscript(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	sep := m.AppendSeparator()
	if sep.Start != 0 || sep.End != 0 {
		t.Errorf("separator on empty transcript: want pinned at 0, got %+v", sep)
	}
}

func TestSeparator_SurvivesInsertions(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.Insert(seg(0, 10, 2, "before"))
	m.AppendSeparator()

	// A dominating segment spanning the separator's position must evict the
	// L2 segment but leave the separator alone.
	out := m.Insert(seg(0, 15, 4, "after"))
	if !out.Inserted || out.Evicted != 1 {
		t.Fatalf("want eviction of the L2 segment only, got %+v", out)
	}

	var seps int
	for _, s := range m.Segments() {
		if s.IsSeparator {
			seps++
		}
	}
	if seps != 1 {
		t.Errorf("separator count: want 1, got %d", seps)
	}
}

func TestInsert_RejectsSeparators(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	out := m.Insert(NewSeparator(3))
	if out.Inserted {
		t.Error("Insert must not accept separators")
	}
	if len(m.Segments()) != 0 {
		t.Error("transcript must stay empty")
	}
}

func TestPartial_ReplacedNotStored(t *testing.T) {
	t.Parallel()

	m := NewMerger()
	m.SetPartial("first guess")
	m.SetPartial("second guess")

	if got := m.Partial(); got != "second guess" {
		t.Errorf("partial: want latest, got %q", got)
	}
	if len(m.Segments()) != 0 {
		t.Error("partials must never enter the transcript")
	}
}

func TestOverlap(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b Segment
		want float64
	}{
		{"disjoint", seg(0, 5, 1, ""), seg(6, 10, 1, ""), 0},
		{"touching", seg(0, 5, 1, ""), seg(5, 10, 1, ""), 0},
		{"partial", seg(0, 5, 1, ""), seg(4, 10, 1, ""), 1},
		{"contained", seg(0, 10, 1, ""), seg(2, 4, 1, ""), 2},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.a.Overlap(tt.b); got != tt.want {
				t.Errorf("want %v, got %v", tt.want, got)
			}
			if got := tt.b.Overlap(tt.a); got != tt.want {
				t.Errorf("symmetric: want %v, got %v", tt.want, got)
			}
		})
	}
}
