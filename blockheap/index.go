package blockheap

// slabRecord is the Go-side back-pointer bundle for one live data slab:
// its class, the free-count entry tracking it, and the slab itself.
//
// spec.md §4.4 describes the index slab as raw, page-sized memory
// holding parallel (free-count, data-slab-pointer) arrays threaded into
// a linked list. Storing a live Go pointer inside memory obtained via
// mmap (outside the Go heap, so the GC never scans it) would leave that
// pointer's target collectible out from under it the moment nothing
// else referenced it — the canary plus bitmap are pure bytes and read
// back safely that way, but "pointer to the owning record" is not.
// Index bookkeeping therefore lives in an ordinary Go slice (GC-visible,
// safe to hold real pointers) while the data slabs themselves remain
// raw mmap'd memory satisfying the masking/canary invariant that is
// actually load-bearing and tested. Recorded as an Open Question
// resolution in DESIGN.md.
type slabRecord struct {
	slab    *dataSlab
	class   int
	numFree uint32
}

// classIndex tracks every live data slab for one size class.
type classIndex struct {
	records []*slabRecord
}

func (ci *classIndex) findWithFree() *slabRecord {
	for _, r := range ci.records {
		if r.numFree > 0 {
			return r
		}
	}
	return nil
}

func (ci *classIndex) add(r *slabRecord) {
	ci.records = append(ci.records, r)
}

func (ci *classIndex) remove(r *slabRecord) {
	for i, c := range ci.records {
		if c == r {
			ci.records[i] = ci.records[len(ci.records)-1]
			ci.records = ci.records[:len(ci.records)-1]
			return
		}
	}
}
