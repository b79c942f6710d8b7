package quark

import (
	"crypto/rand"
	"encoding/binary"
)

// Map is one named B-skip-list: a packed sorted index per level plus a
// reverse-growing data tail per partition, addressed over an Acid segment.
type Map struct {
	acid Acid
	hdr  mapHeaderView

	// capacity is precomputed once on Open (spec §4.8) rather than
	// recomputed per call: it only ever depends on target_ipp, which is
	// fixed for the lifetime of an open map.
	capacity Capacity
}

// Capacity returns the map's addressable capacity, ipp^8 saturated to
// Capacity's maximum (spec §4.8).
func (m *Map) Capacity() Capacity { return m.capacity }

// Opt tunes a map on Open; zero value picks defaults. TargetIPP, DtrmSeed
// and Compress take effect when the map is created; reopening an existing
// map applies only TargetIPP, and only when OverwriteTargetIPP is set.
type Opt struct {
	OverwriteTargetIPP bool
	TargetIPP          uint16
	DtrmSeed           uint64
	Compress           bool
}

const defaultTargetIPP = 4

// Open opens the named map within acid, creating it (and the segment, if
// uninitialized) on first use.
func Open(acid Acid, name string, opt Opt) (*Map, error) {
	sh, err := ensureSegment(acid)
	if err != nil {
		return nil, err
	}
	nameB := []byte(name)
	if len(nameB) > maxMapNameLen {
		return nil, &ErrINVAL{Arg: "name", Arg2: name}
	}

	if node, ok := findMapNode(acid, sh.mapsRoot(), nameB); ok {
		m := &Map{acid: acid, hdr: mapHeaderView{acid, node.mapHeaderOff()}}
		if opt.OverwriteTargetIPP {
			m.hdr.setTargetIPP(opt.TargetIPP)
		}
		m.hdr.setSession(m.hdr.session() + 1)
		m.capacity = capacityOf(m.hdr.targetIPP())
		return m, nil
	}

	sfl := sh.freeLists()
	hdrOff, _, err := allocAlloc(acid, &sfl, mapHeaderSize)
	if err != nil {
		return nil, err
	}
	mh := mapHeaderView{acid, hdrOff}
	mh.setName(nameB)
	mh.setSession(1)
	mh.setStaticKeySize(0)
	mh.setDtrmSeed(opt.DtrmSeed)
	ipp := opt.TargetIPP
	if ipp == 0 {
		ipp = defaultTargetIPP
	}
	mh.setTargetIPP(ipp)
	if opt.Compress {
		mh.setFlags(flagCompress)
	}

	var mfl FreeLists
	st := mh.stats()
	for lvl := 0; lvl < NumLevels; lvl++ {
		p, err := partAllocNew(acid, &mfl, st, lvl, 0)
		if err != nil {
			return nil, err
		}
		mh.setRoot(lvl, p.off)
	}
	mh.setFreeLists(mfl)

	newRoot, err := insertMapNode(acid, &sfl, sh.mapsRoot(), nameB, hdrOff)
	if err != nil {
		return nil, err
	}
	sh.setFreeLists(sfl)
	sh.setMapsRoot(newRoot)

	return &Map{acid: acid, hdr: mh, capacity: capacityOf(ipp)}, nil
}

// Stats returns a point-in-time snapshot of the map's counters.
func (m *Map) Stats() Stats { return m.hdr.stats().snapshot() }

// murmurHash64A is Austin Appleby's MurmurHash64A, used as the deterministic
// level-selection primitive when a map has a non-zero dtrmSeed.
func murmurHash64A(data []byte, seed uint64) uint64 {
	const m = 0xc6a4a7935bd1e995
	const r = 47

	h := seed ^ (uint64(len(data)) * m)
	n := len(data) / 8
	for i := 0; i < n; i++ {
		k := binary.LittleEndian.Uint64(data[i*8 : i*8+8])
		k *= m
		k ^= k >> r
		k *= m
		h ^= k
		h *= m
	}
	tail := data[n*8:]
	switch len(tail) {
	case 7:
		h ^= uint64(tail[6]) << 48
		fallthrough
	case 6:
		h ^= uint64(tail[5]) << 40
		fallthrough
	case 5:
		h ^= uint64(tail[4]) << 32
		fallthrough
	case 4:
		h ^= uint64(tail[3]) << 24
		fallthrough
	case 3:
		h ^= uint64(tail[2]) << 16
		fallthrough
	case 2:
		h ^= uint64(tail[1]) << 8
		fallthrough
	case 1:
		h ^= uint64(tail[0])
		h *= m
	}
	h ^= h >> r
	h *= m
	h ^= h >> r
	return h
}

// randUint64 draws from the OS RNG for non-deterministic level selection.
func randUint64() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}

// chooseLevel runs the biased coin toss: each level above 0 is entered with
// probability 1/(ipp+1), exactly mirroring the dice roll in the original
// allocator (dice == 0 promotes).
func chooseLevel(ipp uint16, key []byte, dtrmSeed uint64) int {
	mod := uint64(ipp)
	if mod < 1 {
		mod = 1
	}
	level := 0
	for level < NumLevels-1 {
		var r uint64
		if dtrmSeed != 0 {
			r = murmurHash64A(key, dtrmSeed+uint64(level))
		} else {
			r = randUint64()
		}
		if r%(mod+1) != 0 {
			break
		}
		level++
	}
	return level
}

// ref describes how a partition at some level is reached from above: either
// the map header's root slot for that level, or an absolute down-pointer
// cell inside a parent-level entry.
type ref struct {
	isRoot bool
	level  int
	slot   uint64
}

func (m *Map) writeRef(r ref, off uint64) {
	if r.isRoot {
		m.hdr.setRoot(r.level, off)
		return
	}
	putU64(m.acid.Memory()[r.slot:r.slot+8], off)
}

// descend walks from the top level down to 0, returning per-level the
// search position and a ref describing how that level's partition was
// reached. A duplicate key (exact match at any level) is reported via dup.
func (m *Map) descend(key []byte) (targets [NumLevels]struct {
	part part
	idxT uint32
}, refs [NumLevels]ref, dup bool, err error) {
	cur := part{m.acid, m.hdr.root(NumLevels - 1)}
	refs[NumLevels-1] = ref{isRoot: true, level: NumLevels - 1}
	followingRoot := true
	for lvl := NumLevels - 1; lvl >= 0; lvl-- {
		if err = checkPartHeader(cur); err != nil {
			return
		}
		found, idxT := partLowerBound(cur, key)
		if found {
			dup = true
			return
		}
		if idxT == 0 && !followingRoot {
			err = &ErrILSEQ{Type: ErrFollowingRoot, Off: int64(cur.off)}
			return
		}
		targets[lvl].part = cur
		targets[lvl].idxT = idxT
		if lvl == 0 {
			break
		}
		var next part
		var nextRef ref
		if idxT > 0 {
			down := cur.idx(idxT - 1).down()
			if err = checkDown(down); err != nil {
				return
			}
			next = part{m.acid, down}
			nextRef = ref{slot: cur.idx(idxT - 1).payloadOff()}
			followingRoot = false
		} else {
			next = part{m.acid, m.hdr.root(lvl - 1)}
			nextRef = ref{isRoot: true, level: lvl - 1}
		}
		refs[lvl-1] = nextRef
		cur = next
	}
	return
}

// Get looks up key, descending level by level and taking down-pointers on
// exact matches as a fast path (spec §4.5).
func (m *Map) Get(key []byte) ([]byte, bool, error) {
	cur := part{m.acid, m.hdr.root(NumLevels - 1)}
	followingRoot := true
	for lvl := NumLevels - 1; lvl >= 0; lvl-- {
		if err := checkPartHeader(cur); err != nil {
			return nil, false, err
		}
		found, idxT := partLowerBound(cur, key)
		if found {
			if lvl == 0 {
				raw := cur.idx(idxT).value()
				if m.hdr.flags()&flagCompress != 0 {
					out, err := decompressValue(raw)
					return out, true, err
				}
				return append([]byte(nil), raw...), true, nil
			}
			down := cur.idx(idxT).down()
			if err := checkDown(down); err != nil {
				return nil, false, err
			}
			cur = part{m.acid, down}
			followingRoot = false
			continue
		}
		if idxT == 0 && !followingRoot {
			return nil, false, &ErrILSEQ{Type: ErrFollowingRoot, Off: int64(cur.off)}
		}
		if lvl == 0 {
			return nil, false, nil
		}
		if idxT > 0 {
			down := cur.idx(idxT - 1).down()
			if err := checkDown(down); err != nil {
				return nil, false, err
			}
			cur = part{m.acid, down}
			followingRoot = false
		} else {
			cur = part{m.acid, m.hdr.root(lvl - 1)}
		}
	}
	return nil, false, nil
}

// Insert adds key/value, reporting false if key already exists (spec §4.4).
// insert_lvl is chosen first; a read-phase descent records, for every level
// at or below insert_lvl, the target position and the reference needed to
// rewrite that level's entry point. The write phase then proceeds from
// insert_lvl down to 0: a simple capacity-checked insert at insert_lvl,
// and an unconditional three-way split (right-empty / hard-split
// left-empty / hard-split both non-empty) at every level below it.
// A key or value longer than 65535 bytes is rejected with ErrINVAL.
func (m *Map) Insert(key, value []byte) (bool, error) {
	if len(key) > 0xFFFF || len(value) > 0xFFFF {
		return false, &ErrINVAL{Arg: "key or value longer than 65535 bytes", Arg2: [2]int{len(key), len(value)}}
	}
	if m.hdr.flags()&flagCompress != 0 {
		value = compressValue(value)
	}
	insertLvl := chooseLevel(m.hdr.targetIPP(), key, m.hdr.dtrmSeed())
	targets, refs, dup, err := m.descend(key)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	fl := m.hdr.freeLists()
	st := m.hdr.stats()

	tgt := targets[insertLvl]
	p := tgt.part
	idxT := tgt.idxT
	req := entryCost(insertLvl, key, value)
	if p.freeSpace() < req {
		np, err := partRealloc(m.acid, &fl, st, insertLvl, p, req)
		if err != nil {
			return false, err
		}
		m.writeRef(refs[insertLvl], np.off)
		// p moved: refs[insertLvl-1], if it pointed into p's down-pointer
		// array rather than a root slot, now points into freed memory.
		// Recompute it against np before using it below.
		if insertLvl > 0 && idxT > 0 {
			refs[insertLvl-1] = ref{slot: downLOf(insertLvl, np, idxT)}
		}
		p = np
	}
	downSlot := partInsertEntry(st, insertLvl, p, idxT, key, value)

	if insertLvl > 0 {
		pendingRef := downSlot
		for lvl := insertLvl - 1; lvl >= 0; lvl-- {
			t := targets[lvl]
			p := t.part
			idxT := t.idxT
			n := p.numKeys()

			var partR part
			switch {
			case idxT == n:
				newR, err := partAllocNew(m.acid, &fl, st, lvl, entryCost(lvl, key, value))
				if err != nil {
					return false, err
				}
				partInsertEntry(st, lvl, newR, 0, key, value)
				partR = newR
			case idxT == 0:
				newL, err := partAllocNew(m.acid, &fl, st, lvl, 0)
				if err != nil {
					return false, err
				}
				m.writeRef(refs[lvl], newL.off)
				adopted := p
				req := entryCost(lvl, key, value)
				if adopted.freeSpace() < req {
					adopted, err = partRealloc(m.acid, &fl, st, lvl, adopted, req)
					if err != nil {
						return false, err
					}
				}
				partInsertEntry(st, lvl, adopted, 0, key, value)
				partR = adopted
			default:
				leftSpace := rangeSpace(lvl, p, 0, idxT)
				newL, err := partAllocNew(m.acid, &fl, st, lvl, leftSpace)
				if err != nil {
					return false, err
				}
				partInsertEntryRange(st, lvl, newL, p, 0, idxT)
				m.writeRef(refs[lvl], newL.off)
				// p is freed a few lines down; refs[lvl-1] (read by the
				// next iteration) may have named a slot inside p's own
				// index. That record now lives in newL at the same
				// position, so rederive refs[lvl-1] there instead of
				// reusing the pre-mutation snapshot descend() computed,
				// which would now dangle into freed memory.
				if lvl > 0 {
					refs[lvl-1] = ref{slot: downLOf(lvl, newL, idxT)}
				}

				rightSpace := entryCost(lvl, key, value) + rangeSpace(lvl, p, idxT, n)
				newR, err := partAllocNew(m.acid, &fl, st, lvl, rightSpace)
				if err != nil {
					return false, err
				}
				partInsertEntry(st, lvl, newR, 0, key, value)
				partInsertEntryRange(st, lvl, newR, p, idxT, n)
				if err := partFree(m.acid, &fl, st, lvl, p); err != nil {
					return false, err
				}
				partR = newR
			}

			putU64(m.acid.Memory()[pendingRef:pendingRef+8], partR.off)
			if lvl > 0 {
				pendingRef = partR.idx(0).payloadOff()
			}
		}
	}

	m.hdr.setFreeLists(fl)
	return true, nil
}

// Update overwrites the value stored for an existing key, reporting false
// if key is absent (spec §4.6). Equal-length values are rewritten in
// place; differing lengths are written to a fresh tail slot and the index
// record repointed, orphaning the old bytes (consistent with the
// allocator's no-coalescing design).
func (m *Map) Update(key, newValue []byte) (bool, error) {
	if m.hdr.flags()&flagCompress != 0 {
		newValue = compressValue(newValue)
	}
	cur := part{m.acid, m.hdr.root(NumLevels - 1)}
	followingRoot := true
	for lvl := NumLevels - 1; lvl >= 0; lvl-- {
		if err := checkPartHeader(cur); err != nil {
			return false, err
		}
		found, idxT := partLowerBound(cur, key)
		if found {
			if lvl == 0 {
				if err := m.overwriteValue(cur, idxT, newValue); err != nil {
					return false, err
				}
				return true, nil
			}
			down := cur.idx(idxT).down()
			if err := checkDown(down); err != nil {
				return false, err
			}
			cur = part{m.acid, down}
			followingRoot = false
			continue
		}
		if idxT == 0 && !followingRoot {
			return false, &ErrILSEQ{Type: ErrFollowingRoot, Off: int64(cur.off)}
		}
		if lvl == 0 {
			return false, nil
		}
		if idxT > 0 {
			down := cur.idx(idxT - 1).down()
			if err := checkDown(down); err != nil {
				return false, err
			}
			cur = part{m.acid, down}
			followingRoot = false
		} else {
			cur = part{m.acid, m.hdr.root(lvl - 1)}
		}
	}
	return false, nil
}

func (m *Map) overwriteValue(p part, recPos uint32, newValue []byte) error {
	rec := p.idx(recPos)
	if uint64(len(newValue)) == rec.valuelen() {
		mem := m.acid.Memory()
		vOff := rec.payloadOff() + 8
		copy(mem[vOff:vOff+uint64(len(newValue))], newValue)
		return nil
	}

	fl := m.hdr.freeLists()
	st := m.hdr.stats()
	keylen := uint64(rec.keylen())
	total := keylen + 8 + uint64(len(newValue))
	if p.freeSpace() < total {
		np, err := partRealloc(m.acid, &fl, st, 0, p, total)
		if err != nil {
			return err
		}
		p = np
	}
	rec = p.idx(recPos)
	oldKey := append([]byte(nil), rec.key()...)
	newTailStart := p.tailStart() - total
	mem := m.acid.Memory()
	copy(mem[newTailStart:newTailStart+keylen], oldKey)
	putU64(mem[newTailStart+keylen:newTailStart+keylen+8], uint64(len(newValue)))
	copy(mem[newTailStart+keylen+8:newTailStart+total], newValue)
	rec.setKeyptr(newTailStart)
	p.setDataSize(p.dataSize() + total)

	lv := st.lvl(0)
	lv.DataAllocB += total
	st.setLvl(0, lv)
	m.hdr.setFreeLists(fl)
	return nil
}

// ScanVisitor is called once per matching record during Scan; returning
// false stops the scan early (the shard server uses this to stop once its
// band buffer is full, per spec §4.7 step 3).
type ScanVisitor func(key, value []byte) bool

// ScanOpts configures a range scan (spec §4.7). The zero value scans the
// whole map ascending, unlimited.
type ScanOpts struct {
	KeyStart, KeyEnd        []byte
	WithStart, WithEnd      bool
	IncStart, IncEnd        bool
	Descending              bool
	Limit                   uint64
	IgnoreData              bool
}

// scanTarget records, for one level reached during a scan's initial
// descent, the partition landed on and the position within it. At level 0
// idxT is a raw index in [0, n] (the same convention partLowerBound
// returns). At level>=1 idxT is idxD, the down-record actually followed to
// reach the level below, in [-1, n-1]; -1 means the descent is still
// following root slots at this level (and, by induction, at every level
// above), matching qk_lookup's indexing convention: the stored value is
// always "the entry whose down got us here", computed as idxT-1 on a
// non-match so it collapses to -1 without needing to special-case
// root-following.
type scanTarget struct {
	part part
	idxT int
}

// seedLevels performs the fresh top-down lookup that seeds a scan (spec
// §4.7 step 1). This is distinct from descend(), which is Insert-specific
// and stores a different indexing convention. When key is nil this
// performs the "artificial -∞/+∞ lookup" used when with_start is false:
// fwd=true walks to the absolute leftmost partition at every level
// (ascending from the start of the map), fwd=false to the absolute
// rightmost (descending from the end).
func (m *Map) seedLevels(key []byte, fwd bool) (targets [NumLevels]scanTarget, equal bool, err error) {
	cur := part{m.acid, m.hdr.root(NumLevels - 1)}
	followingRoot := true
	for lvl := NumLevels - 1; lvl >= 0; lvl-- {
		if err = checkPartHeader(cur); err != nil {
			return
		}
		n := cur.numKeys()
		var idxT uint32
		var found bool
		switch {
		case key != nil:
			found, idxT = partLowerBound(cur, key)
		case fwd:
			idxT = 0
		default:
			idxT = n
		}
		if found {
			if lvl == 0 {
				targets[0] = scanTarget{cur, int(idxT)}
				equal = true
				return
			}
			down := cur.idx(idxT).down()
			if err = checkDown(down); err != nil {
				return
			}
			targets[lvl] = scanTarget{cur, int(idxT)}
			cur = part{m.acid, down}
			followingRoot = false
			continue
		}
		if idxT == 0 && !followingRoot && key != nil {
			err = &ErrILSEQ{Type: ErrFollowingRoot, Off: int64(cur.off)}
			return
		}
		if lvl == 0 {
			targets[0] = scanTarget{cur, int(idxT)}
			return
		}
		targets[lvl] = scanTarget{cur, int(idxT) - 1}
		if idxT > 0 {
			down := cur.idx(idxT - 1).down()
			if err = checkDown(down); err != nil {
				return
			}
			cur = part{m.acid, down}
			followingRoot = false
		} else {
			cur = part{m.acid, m.hdr.root(lvl - 1)}
		}
	}
	return
}

// seekFwd advances the level-0 cursor to the next record in ascending
// order, hopping up through targets starting at startLvl and back down
// through each intermediate partition's leftmost entry wherever a level-0
// step within the current partition isn't enough (spec §4.7 step 4),
// ported from qk_seek_lvl0_part_fwd.
func (m *Map) seekFwd(targets *[NumLevels]scanTarget, startLvl int) (bool, error) {
	for lvl := startLvl; lvl < NumLevels; lvl++ {
		p := targets[lvl].part
		n := int(p.numKeys())
		if n == 0 {
			continue
		}
		next := targets[lvl].idxT + 1
		if next >= n {
			continue
		}
		targets[lvl].idxT = next
		if lvl == 0 {
			return true, nil
		}
		down := p.idx(uint32(next)).down()
		if err := checkDown(down); err != nil {
			return false, err
		}
		cur := part{m.acid, down}
		for l := lvl - 1; l >= 0; l-- {
			if err := checkPartHeader(cur); err != nil {
				return false, err
			}
			targets[l] = scanTarget{cur, 0}
			if l == 0 {
				break
			}
			d := cur.idx(0).down()
			if err := checkDown(d); err != nil {
				return false, err
			}
			cur = part{m.acid, d}
		}
		return true, nil
	}
	return false, nil
}

// seekRev is seekFwd's descending mirror, ported from
// qk_seek_lvl0_part_rev: it descends back down through each intermediate
// partition's rightmost entry instead of its leftmost. Stepping back past
// the first entry of a level's root partition is the root-boundary case
// qk_seek_lvl0_part_rev handles with "goto new_root_lvl_inject": the
// partition before it one level down is that level's own root partition,
// re-entered from its end (an empty root partition hands over to the root
// one level further down). A level whose idxD is already -1 was reached
// through its root slot and has nothing further to the left.
func (m *Map) seekRev(targets *[NumLevels]scanTarget, startLvl int) (bool, error) {
	for lvl := startLvl; lvl < NumLevels; lvl++ {
		p := targets[lvl].part
		n := int(p.numKeys())
		if n == 0 {
			continue
		}
		prev := targets[lvl].idxT - 1
		var cur part
		switch {
		case prev >= 0:
			targets[lvl].idxT = prev
			if lvl == 0 {
				return true, nil
			}
			down := p.idx(uint32(prev)).down()
			if err := checkDown(down); err != nil {
				return false, err
			}
			cur = part{m.acid, down}
		case prev == -1 && lvl > 0 && p.off == m.hdr.root(lvl):
			targets[lvl].idxT = -1
			cur = part{m.acid, m.hdr.root(lvl - 1)}
		default:
			continue
		}
		for l := lvl - 1; l >= 0; l-- {
			if err := checkPartHeader(cur); err != nil {
				return false, err
			}
			last := int(cur.numKeys()) - 1
			targets[l] = scanTarget{cur, last}
			if l == 0 {
				break
			}
			if last < 0 {
				cur = part{m.acid, m.hdr.root(l - 1)}
				continue
			}
			d := cur.idx(uint32(last)).down()
			if err := checkDown(d); err != nil {
				return false, err
			}
			cur = part{m.acid, d}
		}
		return true, nil
	}
	return false, nil
}

// scanInit performs spec §4.7 steps 1-2: seed the cursor, then step it
// once forward/backward when the seeded position isn't itself the first
// record to emit (an exact key_start match excluded by !inc_start, or an
// unbounded/not-found seed that landed one slot short of a real record).
// ok is false when the adjustment steps clean off the end of the index
// (nothing to scan).
func (m *Map) scanInit(opts ScanOpts) (targets [NumLevels]scanTarget, ok bool, err error) {
	fwd := !opts.Descending
	var key []byte
	if opts.WithStart {
		key = opts.KeyStart
	}
	var equal bool
	targets, equal, err = m.seedLevels(key, fwd)
	if err != nil {
		return targets, false, err
	}

	var step bool
	switch {
	case opts.WithStart && equal:
		step = !opts.IncStart
	default:
		// Not found (the lower-bound seed landed one slot past what a
		// descending scan wants), or unbounded (the synthetic +∞ seed
		// landed at idxE, one past the last record): both need exactly
		// one backward step for descending, and need nothing for
		// ascending, where the lower-bound seed is already correct.
		step = opts.Descending
	}
	if !step {
		return targets, true, nil
	}
	var advanced bool
	if fwd {
		advanced, err = m.seekFwd(&targets, 0)
	} else {
		advanced, err = m.seekRev(&targets, 0)
	}
	if err != nil {
		return targets, false, err
	}
	return targets, advanced, nil
}

// Scan executes a range scan per spec §4.7: it streams matching records
// into visit in the requested direction, stopping at key_end, limit, or
// when visit itself returns false (the shard server's band ran out of
// room). eof is false only in that last case, matching spec §4.7 step 5.
func (m *Map) Scan(opts ScanOpts, visit ScanVisitor) (count uint64, eof bool, err error) {
	targets, ok, err := m.scanInit(opts)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, true, nil
	}
	fwd := !opts.Descending

	var lastKey []byte
	for {
		p := targets[0].part
		pos := targets[0].idxT
		n := int(p.numKeys())

		for (fwd && pos < n) || (!fwd && pos >= 0) {
			if opts.Limit > 0 && count >= opts.Limit {
				targets[0].idxT = pos
				return count, true, nil
			}
			rec := p.idx(uint32(pos))
			key := rec.key()

			if lastKey != nil {
				c := cmpKey(key, lastKey)
				if (fwd && c <= 0) || (!fwd && c >= 0) {
					return count, false, &ErrILSEQ{Type: ErrKeyOrder, Off: int64(p.off)}
				}
			}

			if opts.WithEnd {
				c := cmpKey(key, opts.KeyEnd)
				crossed := (fwd && c > 0) || (!fwd && c < 0)
				atEdge := c == 0 && !opts.IncEnd
				if crossed || atEdge {
					return count, true, nil
				}
			}

			var val []byte
			if !opts.IgnoreData {
				val = rec.value()
				if m.hdr.flags()&flagCompress != 0 {
					out, derr := decompressValue(val)
					if derr != nil {
						return count, false, derr
					}
					val = out
				}
			}
			if !visit(key, val) {
				return count, false, nil
			}
			count++
			lastKey = append([]byte(nil), key...)

			if fwd {
				pos++
			} else {
				pos--
			}
		}

		targets[0].idxT = pos
		var advanced bool
		if fwd {
			advanced, err = m.seekFwd(&targets, 1)
		} else {
			advanced, err = m.seekRev(&targets, 1)
		}
		if err != nil {
			return count, false, err
		}
		if !advanced {
			return count, true, nil
		}
	}
}
