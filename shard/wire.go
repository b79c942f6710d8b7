// Package shard implements the single-writer shard server and client
// described for this engine's external process boundary: one process owns
// a segment and serves BARRIER/SCAN/INSERT_IMM/UPSERT/PERFORM/STATUS
// requests over a pipe, grounded on original_source/src/squark.c.
package shard

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Command codes, mirroring squark_cmd_t.
const (
	CmdBarrier    uint16 = 0
	CmdScan       uint16 = 100
	CmdInsertImm  uint16 = 200
	CmdUpsert     uint16 = 202
	CmdPerform    uint16 = 203
	CmdStatus     uint16 = 300
)

// Response codes, mirroring squark_res_t.
const (
	ResSync   uint16 = 0
	ResScan   uint16 = 100
	ResStatus uint16 = 300
)

// Scan op_struct bit flags (spec §4.7's scan options), packed into the u16
// that follows a SCAN command's request_id on the wire.
const (
	scanFlagWithStart  uint16 = 1 << 0
	scanFlagWithEnd    uint16 = 1 << 1
	scanFlagIncStart   uint16 = 1 << 2
	scanFlagIncEnd     uint16 = 1 << 3
	scanFlagDescending uint16 = 1 << 4
	scanFlagIgnoreData uint16 = 1 << 5
)

// frameReader decodes the fixed-width little-endian primitives used on the
// wire: u16/u64/u128/bool and length-prefixed byte strings (fstr).
type frameReader struct{ r *bufio.Reader }

func newFrameReader(r io.Reader) *frameReader { return &frameReader{bufio.NewReader(r)} }

func (f *frameReader) u16() (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(f.r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (f *frameReader) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(f.r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (f *frameReader) u128() ([2]uint64, error) {
	lo, err := f.u64()
	if err != nil {
		return [2]uint64{}, err
	}
	hi, err := f.u64()
	if err != nil {
		return [2]uint64{}, err
	}
	return [2]uint64{lo, hi}, nil
}

func (f *frameReader) boolean() (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(f.r, b[:]); err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (f *frameReader) fstr() ([]byte, error) {
	n, err := f.u64()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, errors.Wrap(err, "shard: short fstr read")
	}
	return buf, nil
}

// frameWriter encodes frames. Callers hold lock/unlock around each whole
// frame, so frames written from different goroutines never interleave.
type frameWriter struct {
	w  *bufio.Writer
	mu chan struct{} // 1-buffered mutex
}

func newFrameWriter(w io.Writer) *frameWriter {
	fw := &frameWriter{w: bufio.NewWriter(w), mu: make(chan struct{}, 1)}
	fw.mu <- struct{}{}
	return fw
}

func (f *frameWriter) lock()   { <-f.mu }
func (f *frameWriter) unlock() { f.mu <- struct{}{} }

func (f *frameWriter) putU16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := f.w.Write(b[:])
	return err
}

func (f *frameWriter) putU64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := f.w.Write(b[:])
	return err
}

func (f *frameWriter) putBool(v bool) error {
	if v {
		return f.w.WriteByte(1)
	}
	return f.w.WriteByte(0)
}

func (f *frameWriter) putFstr(b []byte) error {
	if err := f.putU64(uint64(len(b))); err != nil {
		return err
	}
	_, err := f.w.Write(b)
	return err
}

func (f *frameWriter) flush() error { return f.w.Flush() }
