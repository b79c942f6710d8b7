package quark

import "encoding/json"

// levelStatsSize and statsSize fix the persisted layout described in
// original_source's qk_stats_t: per-level counters plus a size-class
// histogram.
const (
	levelStatsSize = 8 * 4
	statsSize      = NumLevels*levelStatsSize + NumSizeClasses*8
)

// LevelStats holds the accounting for one skip-list level.
type LevelStats struct {
	EntCount    uint64 `json:"ent_count"`
	PartCount   uint64 `json:"part_count"`
	TotalAllocB uint64 `json:"total_alloc_b"`
	DataAllocB  uint64 `json:"data_alloc_b"`
}

// Stats is the statistics snapshot returned by Map.Stats, advisory only: if
// it ever disagrees with a structural recount, the structure is truthful.
type Stats struct {
	Lvl            [NumLevels]LevelStats `json:"lvl"`
	PartClassCount [NumSizeClasses]uint64 `json:"part_class_count"`
}

// statsView reads/writes a Stats block embedded in a map header. It holds
// acid+offset rather than a captured []byte, since acid.Expand may grow
// and reallocate the segment's backing array between a statsView being
// obtained and later used within the same call (e.g. across the several
// partAllocNew calls inside Map.Insert): a snapshotted slice would go
// stale the moment that happens, the same reason part/idxRec/mapHeaderView
// recompute their byte windows from acid.Memory() on every access.
type statsView struct {
	acid Acid
	off  uint64
}

func (s statsView) mem() []byte { return s.acid.Memory()[s.off : s.off+statsSize] }

func (s statsView) lvl(l int) LevelStats {
	mem := s.mem()
	o := l * levelStatsSize
	return LevelStats{
		EntCount:    u64(mem[o : o+8]),
		PartCount:   u64(mem[o+8 : o+16]),
		TotalAllocB: u64(mem[o+16 : o+24]),
		DataAllocB:  u64(mem[o+24 : o+32]),
	}
}

func (s statsView) setLvl(l int, v LevelStats) {
	mem := s.mem()
	o := l * levelStatsSize
	putU64(mem[o:o+8], v.EntCount)
	putU64(mem[o+8:o+16], v.PartCount)
	putU64(mem[o+16:o+24], v.TotalAllocB)
	putU64(mem[o+24:o+32], v.DataAllocB)
}

func (s statsView) classCount(c int) uint64 {
	mem := s.mem()
	o := NumLevels*levelStatsSize + c*8
	return u64(mem[o : o+8])
}

func (s statsView) setClassCount(c int, v uint64) {
	mem := s.mem()
	o := NumLevels*levelStatsSize + c*8
	putU64(mem[o:o+8], v)
}

func (s statsView) snapshot() Stats {
	var out Stats
	for l := 0; l < NumLevels; l++ {
		out.Lvl[l] = s.lvl(l)
	}
	for c := 0; c < NumSizeClasses; c++ {
		out.PartClassCount[c] = s.classCount(c)
	}
	return out
}

// JSON renders Stats the way the shard STATUS response embeds it: one JSON
// object per map, aggregated by the caller.
func (s Stats) JSON() ([]byte, error) { return json.Marshal(s) }
