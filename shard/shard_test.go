package shard

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/hnsl/quark"
)

// driver wraps a Server's stdin/stdout pipes with the same frame encoding
// Client uses, without spawning a subprocess.
type driver struct {
	fw *frameWriter
	fr *frameReader
}

func newDriver(t *testing.T, perform PerformFunc) (*driver, *Server) {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	acid := quark.NewMemAcid("t")
	srv := NewServer(acid, inR, outW, perform, nil)
	go func() {
		_ = srv.Run()
		outW.Close()
	}()
	return &driver{fw: newFrameWriter(inW), fr: newFrameReader(outR)}, srv
}

func (d *driver) barrier(id uint64) {
	d.fw.lock()
	d.fw.putU16(CmdBarrier)
	d.fw.putU64(id)
	d.fw.flush()
	d.fw.unlock()
}

func (d *driver) insertImm(mapName string, key, value []byte) {
	d.fw.lock()
	d.fw.putU16(CmdInsertImm)
	d.fw.putFstr([]byte(mapName))
	d.fw.putFstr(key)
	d.fw.putFstr(value)
	d.fw.flush()
	d.fw.unlock()
}

func (d *driver) readSync(t *testing.T) uint64 {
	t.Helper()
	code, err := d.fr.u16()
	if err != nil {
		t.Fatal(err)
	}
	if code != ResSync {
		t.Fatalf("got response code %d, want ResSync", code)
	}
	id, err := d.fr.u64()
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestBarrierRoundTrip(t *testing.T) {
	d, _ := newDriver(t, nil)
	d.barrier(42)

	done := make(chan uint64, 1)
	go func() { done <- d.readSync(t) }()

	select {
	case id := <-done:
		if id != 42 {
			t.Fatalf("sync id = %d, want 42", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SYNC reply")
	}
}

func TestInsertImmThenScan(t *testing.T) {
	d, _ := newDriver(t, nil)

	d.insertImm("orders", []byte("a"), []byte("1"))
	d.insertImm("orders", []byte("b"), []byte("2"))
	d.insertImm("orders", []byte("c"), []byte("3"))
	d.barrier(1)

	done := make(chan uint64, 1)
	go func() { done <- d.readSync(t) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for barrier after inserts")
	}

	reqID := uint64(7)
	d.fw.lock()
	d.fw.putU16(CmdScan)
	d.fw.putFstr([]byte("orders"))
	d.fw.putU64(reqID)
	d.fw.putU16(scanFlagWithStart | scanFlagIncStart)
	d.fw.putU64(0) // limit: unbounded
	d.fw.putFstr([]byte("a"))
	d.fw.flush()
	d.fw.unlock()

	type scanResult struct {
		count uint64
		eof   bool
		band  []byte
	}
	scanDone := make(chan scanResult, 1)
	go func() {
		code, err := d.fr.u16()
		if err != nil {
			t.Error(err)
			return
		}
		if code != ResScan {
			t.Errorf("got response code %d, want ResScan", code)
			return
		}
		id, err := d.fr.u64()
		if err != nil {
			t.Error(err)
			return
		}
		if id != reqID {
			t.Errorf("reqID = %d, want %d", id, reqID)
		}
		count, err := d.fr.u64()
		if err != nil {
			t.Error(err)
			return
		}
		eof, err := d.fr.boolean()
		if err != nil {
			t.Error(err)
			return
		}
		band, err := d.fr.fstr()
		if err != nil {
			t.Error(err)
			return
		}
		scanDone <- scanResult{count, eof, band}
	}()

	select {
	case res := <-scanDone:
		if res.count != 3 {
			t.Fatalf("scan count = %d, want 3", res.count)
		}
		if !res.eof {
			t.Fatal("expected eof = true for a scan under the limit")
		}
		var gotKeys []string
		b := res.band
		for len(b) > 0 {
			kl := binary.LittleEndian.Uint16(b[0:2])
			b = b[2:]
			key := string(b[:kl])
			b = b[kl:]
			vl := binary.LittleEndian.Uint64(b[0:8])
			b = b[8:]
			b = b[vl:]
			gotKeys = append(gotKeys, key)
		}
		want := []string{"a", "b", "c"}
		if len(gotKeys) != len(want) {
			t.Fatalf("got keys %v, want %v", gotKeys, want)
		}
		for i := range want {
			if gotKeys[i] != want[i] {
				t.Fatalf("got keys %v, want %v", gotKeys, want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for SCAN reply")
	}
}

func TestStatusReportsMapStats(t *testing.T) {
	d, _ := newDriver(t, nil)
	d.insertImm("orders", []byte("a"), []byte("1"))
	d.barrier(1)

	done := make(chan uint64, 1)
	go func() { done <- d.readSync(t) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for barrier")
	}

	d.fw.lock()
	d.fw.putU16(CmdStatus)
	d.fw.putU64(9)
	d.fw.flush()
	d.fw.unlock()

	statusDone := make(chan []byte, 1)
	go func() {
		code, err := d.fr.u16()
		if err != nil {
			t.Error(err)
			return
		}
		if code != ResStatus {
			t.Errorf("got response code %d, want ResStatus", code)
			return
		}
		if _, err := d.fr.u64(); err != nil {
			t.Error(err)
			return
		}
		js, err := d.fr.fstr()
		if err != nil {
			t.Error(err)
			return
		}
		statusDone <- js
	}()

	select {
	case js := <-statusDone:
		if !bytes.Contains(js, []byte("orders")) {
			t.Fatalf("status json = %s, want it to mention map %q", js, "orders")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for STATUS reply")
	}
}

func TestPerformInvokesCallback(t *testing.T) {
	called := make(chan []byte, 1)
	d, _ := newDriver(t, func(arg []byte) error {
		called <- append([]byte(nil), arg...)
		return nil
	})

	d.fw.lock()
	d.fw.putU16(CmdPerform)
	d.fw.putFstr([]byte("hello"))
	d.fw.flush()
	d.fw.unlock()

	select {
	case arg := <-called:
		if string(arg) != "hello" {
			t.Fatalf("perform arg = %q, want %q", arg, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for PerformFunc to be invoked")
	}
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	acid := quark.NewMemAcid("t")
	srv := NewServer(acid, inR, outW, nil, nil)

	runErr := make(chan error, 1)
	go func() {
		runErr <- srv.Run()
		outW.Close()
	}()

	fw := newFrameWriter(inW)
	fw.lock()
	fw.putU16(9999)
	fw.flush()
	fw.unlock()

	go io.Copy(io.Discard, outR)

	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("expected an error for an unknown opcode")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return on unknown opcode")
	}
}
