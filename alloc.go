package quark

import (
	"encoding/binary"

	"github.com/cznic/mathutil"
)

// Power-of-two buddy allocator over the segment's tail, grounded on the
// original qk_vm_alloc/qk_vm_free push/pop free-list algorithm: no buddy
// coalescing, 48 size classes, minimum allocation ATOM bytes.
const (
	// AtomBits is the log2 of the smallest logical allocation (256 B).
	AtomBits = 8
	AtomSize = 1 << AtomBits

	// NumSizeClasses bounds the largest single allocation at
	// 2^(NumSizeClasses-1+AtomBits) bytes; requesting more is fatal.
	NumSizeClasses = 48
)

// log2Ceil returns ceil(log2(value)) for value > 0, built on mathutil's
// Log2Uint64 (floor log2) the way the teacher's allocator-adjacent code
// leans on mathutil for bit-length arithmetic rather than hand-rolled loops.
func log2Ceil(value uint64) uint8 {
	if value <= 1 {
		return 0
	}
	floor := mathutil.Log2Uint64(value)
	if value&(value-1) == 0 {
		return uint8(floor)
	}
	return uint8(floor + 1)
}

// sizeClass returns the smallest class whose block can hold bytes.
func sizeClass(bytes uint64) uint8 {
	if bytes <= AtomSize {
		return 0
	}
	e := log2Ceil(bytes)
	if e < AtomBits {
		return 0
	}
	return e - AtomBits
}

func classBytes(class uint8) uint64 {
	return uint64(1) << (uint(class) + AtomBits)
}

// FreeLists is the persisted per-map allocator state: one free-list head
// offset per size class (0 meaning empty, since offset 0 is always inside
// the segment header and can never be a free data block) plus the
// high-water class that has never been populated.
type FreeLists struct {
	Head         [NumSizeClasses]uint64
	FreeEndClass uint8
}

// allocAlloc allocates a block of at least bytes, growing the segment via
// acid.Expand when every free list at or above the required class is empty.
// It returns the block's absolute offset and its actual (class-rounded)
// size.
func allocAlloc(acid Acid, fl *FreeLists, bytes uint64) (off uint64, actual uint64, err error) {
	class := sizeClass(bytes)
	if class >= NumSizeClasses {
		return 0, 0, &ErrILSEQ{Type: ErrFreeClassOOB, Arg: int64(class)}
	}
	for e := class; ; e++ {
		if e >= NumSizeClasses {
			return 0, 0, &ErrILSEQ{Type: ErrFreeClassOOB, Arg: int64(e)}
		}
		if e >= fl.FreeEndClass {
			// Out of memory at this and every higher class: grow the segment.
			fl.FreeEndClass = e + 1
			blockLen := classBytes(e)
			mem := acid.Memory()
			base := uint64(len(mem))
			if err := acid.Expand(int64(base + blockLen)); err != nil {
				return 0, 0, err
			}
			return splitDown(acid, fl, base, e, class), classBytes(class), nil
		}
		head := fl.Head[e]
		if head != 0 {
			// Pop the block, then split and reinsert the excess until we
			// reach the requested class.
			next := binary.LittleEndian.Uint64(acid.Memory()[head : head+8])
			fl.Head[e] = next
			return splitDown(acid, fl, head, e, class), classBytes(class), nil
		}
	}
}

// splitDown halves a block of class from down to class want, pushing each
// upper half onto its own free list, and returns the offset of the
// remaining want-sized block.
func splitDown(acid Acid, fl *FreeLists, off uint64, from, want uint8) uint64 {
	blockLen := classBytes(from)
	for from > want {
		from--
		blockLen /= 2
		upper := off + blockLen
		pushFree(acid, fl, upper, from)
	}
	return off
}

func pushFree(acid Acid, fl *FreeLists, off uint64, class uint8) {
	binary.LittleEndian.PutUint64(acid.Memory()[off:off+8], fl.Head[class])
	fl.Head[class] = off
}

// holePuncher is implemented by Acid backends that can return a freed
// block's pages to the filesystem (MmapAcid, via fileutil.PunchHole).
// MemAcid does not implement it, so the type assertion in allocFree below
// simply no-ops for in-memory tests.
type holePuncher interface {
	PunchHole(off, size int64) error
}

// allocFree returns a previously allocated block of the given logical size
// to its free list. No coalescing is performed, matching the accepted
// fragmentation trade-off documented for this allocator; since a freed
// block's size class never shrinks on its own, the underlying pages are
// punched out of the file best-effort so the allocator's fragmentation
// doesn't also inflate disk usage. Hole-punching is advisory: an error here
// (unsupported filesystem, non-aligned range) does not fail the free.
func allocFree(acid Acid, fl *FreeLists, off uint64, bytes uint64) error {
	class := sizeClass(bytes)
	if class >= NumSizeClasses {
		return &ErrILSEQ{Type: ErrFreeClassOOB, Arg: int64(class)}
	}
	if hp, ok := acid.(holePuncher); ok {
		_ = hp.PunchHole(int64(off), int64(classBytes(class)))
	}
	pushFree(acid, fl, off, class)
	return nil
}
