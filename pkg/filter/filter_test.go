package filter

import "testing"

func TestRangeIsMember(t *testing.T) {
	r := Range{Min: 10, Max: 20}
	if !r.IsMember(10) || !r.IsMember(20) || !r.IsMember(15) {
		t.Fatalf("expected 10, 15, 20 to be members of [10, 20]")
	}
	if r.IsMember(9) || r.IsMember(21) {
		t.Fatalf("expected 9 and 21 to be outside [10, 20]")
	}
}

func TestArrayIsMember(t *testing.T) {
	a := Array{Ids: []int64{3, 7, 42}}
	if !a.IsMember(7) {
		t.Fatalf("expected 7 to be a member")
	}
	if a.IsMember(8) {
		t.Fatalf("expected 8 to not be a member")
	}
}

func TestBatchIsMember(t *testing.T) {
	ids := make([]int64, 0, 1000)
	for i := int64(0); i < 1000; i++ {
		ids = append(ids, i*3)
	}
	b := NewBatch(ids)
	for i := int64(0); i < 1000; i++ {
		if !b.IsMember(i * 3) {
			t.Fatalf("expected %d to be a member", i*3)
		}
	}
	// Spot check a handful of definite non-members; bloom filter false
	// positives are possible but exact-set lookup removes them.
	for _, id := range []int64{1, 2, 4, 5, 3001} {
		if b.IsMember(id) {
			t.Fatalf("id %d was never inserted and must not report membership", id)
		}
	}
}

func TestBitmapIsMember(t *testing.T) {
	bm := Bitmap{Bits: []byte{0b00000101}, Size: 1}
	if !bm.IsMember(0) || !bm.IsMember(2) {
		t.Fatalf("expected bits 0 and 2 set")
	}
	if bm.IsMember(1) || bm.IsMember(3) {
		t.Fatalf("expected bits 1 and 3 clear")
	}
	if bm.IsMember(100) {
		t.Fatalf("expected out-of-range id to report non-member")
	}
}

func TestMappedComposesIdMap(t *testing.T) {
	m := SliceIdMap{100, 200, 300}
	inner := Array{Ids: []int64{200}}
	mapped := Mapped{Inner: inner, Map: m}

	if !mapped.IsMember(1) {
		t.Fatalf("internal id 1 maps to external 200, expected member")
	}
	if mapped.IsMember(0) || mapped.IsMember(2) {
		t.Fatalf("internal ids 0 and 2 map to non-members")
	}
}

func TestAlwaysAcceptsEverything(t *testing.T) {
	var f IdFilter = Always{}
	if !f.IsMember(-1) || !f.IsMember(0) || !f.IsMember(1 << 40) {
		t.Fatalf("Always must accept every id")
	}
}
