package quark

import (
	"encoding/binary"
	"math/bits"
)

// HeaderMagic and Version identify a valid segment; see spec §6.1.
const (
	HeaderMagic = 0x6aef91b6b454b73f
	Version     = 4

	sHOffFreeEndClass = 8 + 8 + 8 + 8 // magic, version, session, mapsTreeRoot
	sHOffFreeList     = sHOffFreeEndClass + 1
	segHeaderSize     = sHOffFreeList + 8*NumSizeClasses // registry/map-header bootstrap pool

	maxMapNameLen = 255
	nameFieldSize = 2 + maxMapNameLen // nameLen + fixed name buffer

	mhOffSession       = nameFieldSize
	mhOffStaticKeySize = mhOffSession + 8
	mhOffDtrmSeed      = mhOffStaticKeySize + 8
	mhOffTargetIPP     = mhOffDtrmSeed + 8
	mhOffFlags         = mhOffTargetIPP + 2
	mhOffRoot          = mhOffFlags + 1
	mhOffFreeEndClass  = mhOffRoot + 8*NumLevels
	mhOffFreeList      = mhOffFreeEndClass + 1
	mhOffStats         = mhOffFreeList + 8*NumSizeClasses

	mapHeaderSize = mhOffStats + statsSize

	avlNodeSize = nameFieldSize + 8 + 8 + 8 // name, left, right, mapHeaderOff
)

// NumLevels is the fixed skip-list height.
const NumLevels = 8

// Capacity is an unsigned 128-bit integer: ipp^8 overflows uint64 for any
// target_ipp beyond the low hundreds, so the map's precomputed addressable
// capacity (spec §4.8) needs the extra width. No library in the retrieval
// pack offers a 128-bit integer type (the pack has nothing comparable to a
// bignum package), so this is built directly on math/bits' carrying
// multiply/add rather than left as a plain uint64 that would silently wrap.
type Capacity struct{ Hi, Lo uint64 }

var maxCapacity = Capacity{Hi: ^uint64(0), Lo: ^uint64(0)}

// mulCapacity multiplies c by factor, saturating at maxCapacity on overflow.
func mulCapacity(c Capacity, factor uint64) Capacity {
	if factor == 0 || (c.Hi == 0 && c.Lo == 0) {
		return Capacity{}
	}
	hiHi, hiLo := bits.Mul64(c.Hi, factor)
	if hiHi != 0 {
		return maxCapacity
	}
	loHi, loLo := bits.Mul64(c.Lo, factor)
	sum, carry := bits.Add64(hiLo, loHi, 0)
	if carry != 0 {
		return maxCapacity
	}
	return Capacity{Hi: sum, Lo: loLo}
}

// capacityOf computes ipp^8 saturated to Capacity's maximum, the map's
// addressable capacity precomputed on Open (spec §4.8).
func capacityOf(ipp uint16) Capacity {
	c := Capacity{Lo: 1}
	for i := 0; i < 8; i++ {
		c = mulCapacity(c, uint64(ipp))
	}
	return c
}

func u64(b []byte) uint64          { return binary.LittleEndian.Uint64(b) }
func putU64(b []byte, v uint64)    { binary.LittleEndian.PutUint64(b, v) }
func u16(b []byte) uint16          { return binary.LittleEndian.Uint16(b) }
func putU16(b []byte, v uint16)    { binary.LittleEndian.PutUint16(b, v) }

// segHeaderView reads/writes the fixed segment header at offset 0.
type segHeaderView struct{ acid Acid }

func (s segHeaderView) mem() []byte            { return s.acid.Memory()[0:segHeaderSize] }
func (s segHeaderView) magic() uint64          { return u64(s.mem()[0:8]) }
func (s segHeaderView) setMagic(v uint64)      { putU64(s.mem()[0:8], v) }
func (s segHeaderView) version() uint64        { return u64(s.mem()[8:16]) }
func (s segHeaderView) setVersion(v uint64)    { putU64(s.mem()[8:16], v) }
func (s segHeaderView) session() uint64        { return u64(s.mem()[16:24]) }
func (s segHeaderView) setSession(v uint64)    { putU64(s.mem()[16:24], v) }
func (s segHeaderView) mapsRoot() uint64       { return u64(s.mem()[24:32]) }
func (s segHeaderView) setMapsRoot(v uint64)   { putU64(s.mem()[24:32], v) }

// freeLists is the segment-level allocator pool used only to bootstrap the
// map registry (AVL nodes) and each map's own header; a map's partitions
// and data tail are allocated from that map's own FreeLists instead.
func (s segHeaderView) freeLists() FreeLists {
	var fl FreeLists
	fl.FreeEndClass = s.mem()[sHOffFreeEndClass]
	for i := 0; i < NumSizeClasses; i++ {
		o := sHOffFreeList + i*8
		fl.Head[i] = u64(s.mem()[o : o+8])
	}
	return fl
}

func (s segHeaderView) setFreeLists(fl FreeLists) {
	s.mem()[sHOffFreeEndClass] = fl.FreeEndClass
	for i := 0; i < NumSizeClasses; i++ {
		o := sHOffFreeList + i*8
		putU64(s.mem()[o:o+8], fl.Head[i])
	}
}

// ensureSegment initializes the segment header on first use (magic == 0) or
// validates it on reopen.
func ensureSegment(acid Acid) (segHeaderView, error) {
	if int64(len(acid.Memory())) < segHeaderSize {
		if err := acid.Expand(segHeaderSize); err != nil {
			return segHeaderView{}, err
		}
	}
	sh := segHeaderView{acid}
	if sh.magic() == 0 {
		sh.setMagic(HeaderMagic)
		sh.setVersion(Version)
		sh.setSession(0)
		sh.setMapsRoot(0)
		return sh, nil
	}
	if sh.magic() != HeaderMagic {
		return segHeaderView{}, &ErrILSEQ{Type: ErrHeaderMagic, Arg: int64(sh.magic())}
	}
	if sh.version() != Version {
		return segHeaderView{}, &ErrILSEQ{Type: ErrHeaderVersion, Arg: int64(sh.version())}
	}
	return sh, nil
}

// avlNode is a name-keyed binary search tree node locating a map's header.
// It is intentionally a plain BST rather than a rebalancing AVL: a segment
// typically holds a handful of named maps, so tree height is never a
// traversal concern in practice (see DESIGN.md).
type avlNode struct {
	acid Acid
	off  uint64
}

func (n avlNode) mem() []byte         { return n.acid.Memory()[n.off : n.off+avlNodeSize] }
func (n avlNode) name() []byte {
	l := u16(n.mem()[0:2])
	return n.mem()[2 : 2+l]
}
func (n avlNode) setName(name []byte) {
	putU16(n.mem()[0:2], uint16(len(name)))
	copy(n.mem()[2:2+len(name)], name)
}
func (n avlNode) left() uint64           { return u64(n.mem()[nameFieldSize : nameFieldSize+8]) }
func (n avlNode) setLeft(v uint64)       { putU64(n.mem()[nameFieldSize:nameFieldSize+8], v) }
func (n avlNode) right() uint64          { return u64(n.mem()[nameFieldSize+8 : nameFieldSize+16]) }
func (n avlNode) setRight(v uint64)      { putU64(n.mem()[nameFieldSize+8:nameFieldSize+16], v) }
func (n avlNode) mapHeaderOff() uint64   { return u64(n.mem()[nameFieldSize+16 : nameFieldSize+24]) }
func (n avlNode) setMapHeaderOff(v uint64) { putU64(n.mem()[nameFieldSize+16:nameFieldSize+24], v) }

func cmpName(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return len(a) - len(b)
}

// mapHeaderView reads/writes the per-map header: name, session, tuning
// parameters, the 8 root partition pointers, allocator free lists, and
// statistics (spec §3 "Map header").
type mapHeaderView struct {
	acid Acid
	off  uint64
}

func (m mapHeaderView) mem() []byte { return m.acid.Memory()[m.off : m.off+mapHeaderSize] }

func (m mapHeaderView) name() []byte {
	l := u16(m.mem()[0:2])
	return append([]byte(nil), m.mem()[2:2+l]...)
}
func (m mapHeaderView) setName(name []byte) {
	putU16(m.mem()[0:2], uint16(len(name)))
	copy(m.mem()[2:2+len(name)], name)
}

func (m mapHeaderView) session() uint64     { return u64(m.mem()[mhOffSession : mhOffSession+8]) }
func (m mapHeaderView) setSession(v uint64) { putU64(m.mem()[mhOffSession:mhOffSession+8], v) }

func (m mapHeaderView) staticKeySize() uint64 {
	return u64(m.mem()[mhOffStaticKeySize : mhOffStaticKeySize+8])
}
func (m mapHeaderView) setStaticKeySize(v uint64) {
	putU64(m.mem()[mhOffStaticKeySize:mhOffStaticKeySize+8], v)
}

func (m mapHeaderView) dtrmSeed() uint64     { return u64(m.mem()[mhOffDtrmSeed : mhOffDtrmSeed+8]) }
func (m mapHeaderView) setDtrmSeed(v uint64) { putU64(m.mem()[mhOffDtrmSeed:mhOffDtrmSeed+8], v) }

func (m mapHeaderView) targetIPP() uint16 {
	return u16(m.mem()[mhOffTargetIPP : mhOffTargetIPP+2])
}
func (m mapHeaderView) setTargetIPP(v uint16) {
	putU16(m.mem()[mhOffTargetIPP:mhOffTargetIPP+2], v)
}

// flagCompress marks that values are snappy-compressed on write (spec §2.2
// domain stack: values are optionally run through the teacher's
// snappy-go-derived compressor before being written to the tail).
const flagCompress = 1 << 0

func (m mapHeaderView) flags() uint8     { return m.mem()[mhOffFlags] }
func (m mapHeaderView) setFlags(v uint8) { m.mem()[mhOffFlags] = v }

func (m mapHeaderView) root(level int) uint64 {
	o := mhOffRoot + level*8
	return u64(m.mem()[o : o+8])
}
func (m mapHeaderView) setRoot(level int, v uint64) {
	o := mhOffRoot + level*8
	putU64(m.mem()[o:o+8], v)
}

func (m mapHeaderView) freeLists() FreeLists {
	var fl FreeLists
	fl.FreeEndClass = m.mem()[mhOffFreeEndClass]
	for i := 0; i < NumSizeClasses; i++ {
		o := mhOffFreeList + i*8
		fl.Head[i] = u64(m.mem()[o : o+8])
	}
	return fl
}

func (m mapHeaderView) setFreeLists(fl FreeLists) {
	m.mem()[mhOffFreeEndClass] = fl.FreeEndClass
	for i := 0; i < NumSizeClasses; i++ {
		o := mhOffFreeList + i*8
		putU64(m.mem()[o:o+8], fl.Head[i])
	}
}

func (m mapHeaderView) stats() statsView { return statsView{m.acid, m.off + mhOffStats} }

// findMapNode searches the registry tree rooted at root for name.
func findMapNode(acid Acid, root uint64, name []byte) (avlNode, bool) {
	for root != 0 {
		n := avlNode{acid, root}
		switch c := cmpName(name, n.name()); {
		case c == 0:
			return n, true
		case c < 0:
			root = n.left()
		default:
			root = n.right()
		}
	}
	return avlNode{}, false
}

// insertMapNode inserts a new registry node for name pointing at
// mapHeaderOff, returning the (possibly unchanged) tree root.
func insertMapNode(acid Acid, fl *FreeLists, root uint64, name []byte, mapHeaderOff uint64) (uint64, error) {
	off, _, err := allocAlloc(acid, fl, avlNodeSize)
	if err != nil {
		return 0, err
	}
	n := avlNode{acid, off}
	n.setName(name)
	n.setLeft(0)
	n.setRight(0)
	n.setMapHeaderOff(mapHeaderOff)
	if root == 0 {
		return off, nil
	}
	cur := root
	for {
		c := avlNode{acid, cur}
		if cmpName(name, c.name()) < 0 {
			if c.left() == 0 {
				c.setLeft(off)
				return root, nil
			}
			cur = c.left()
		} else {
			if c.right() == 0 {
				c.setRight(off)
				return root, nil
			}
			cur = c.right()
		}
	}
}
