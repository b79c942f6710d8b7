package shard

import (
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/hnsl/quark"
)

// Client drives a shard subprocess, grounded on squark.c's client-side
// squark_spawn/squark_kill/squark_op_*: a reader goroutine demultiplexes
// responses by request_id, and each calling goroutine writes its own
// request frame while holding the frame writer's lock, which keeps
// outgoing frames from interleaving.
type Client struct {
	cmd *exec.Cmd
	fw  *frameWriter
	fr  *frameReader

	nextID uint64

	mu      sync.Mutex
	waiters map[uint64]chan interface{}
	fatal   error // set once, by watch(), after done fires

	done chan error
}

// fatalResponse is delivered to every outstanding (and future) waiter once
// the shard process exits abnormally or the pipe protocol breaks: a killed
// process or a malformed frame gives no per-request reply, so an
// abandoned caller would otherwise block on its channel forever.
type fatalResponse struct{ err error }

// Spawn starts binPath in shard mode ("squark" <segmentPath>), per
// spec.md §6.7.
func Spawn(binPath, segmentPath string) (*Client, error) {
	cmd := exec.Command(binPath, "squark", segmentPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "shard: spawn")
	}
	c := &Client{
		cmd:     cmd,
		fw:      newFrameWriter(stdin),
		fr:      newFrameReader(stdout),
		waiters: map[uint64]chan interface{}{},
		done:    make(chan error, 1),
	}
	go c.readLoop()
	go c.watch()
	return c, nil
}

// watch escalates an abnormal reader exit (spec §5: "the watcher task on
// the client side escalates an abnormal exit to a fatal error") to every
// request currently awaiting a reply, and records it so every future
// request fails immediately instead of hanging on a reply that will never
// arrive.
func (c *Client) watch() {
	err := <-c.done
	if err == nil {
		err = errors.New("shard: reader exited")
	}
	c.mu.Lock()
	c.fatal = err
	waiters := c.waiters
	c.waiters = map[uint64]chan interface{}{}
	c.mu.Unlock()
	for _, ch := range waiters {
		ch <- fatalResponse{err}
	}
}

// Kill terminates the shard process; exit code 8 signals a parent-closed
// pipe per spec.md §6.7 and is treated as a clean shutdown.
func (c *Client) Kill() error {
	if err := c.cmd.Process.Kill(); err != nil {
		return err
	}
	err := c.cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 8 {
		return nil
	}
	return err
}

type scanResponse struct {
	count uint64
	eof   bool
	band  []byte
}

type statusResponse struct{ json []byte }

func (c *Client) readLoop() {
	for {
		code, err := c.fr.u16()
		if err != nil {
			c.done <- err
			return
		}
		switch code {
		case ResSync:
			id, err := c.fr.u64()
			if err != nil {
				c.done <- err
				return
			}
			c.deliver(id, struct{}{})
		case ResScan:
			id, err := c.fr.u64()
			if err != nil {
				c.done <- err
				return
			}
			count, err := c.fr.u64()
			if err != nil {
				c.done <- err
				return
			}
			eof, err := c.fr.boolean()
			if err != nil {
				c.done <- err
				return
			}
			band, err := c.fr.fstr()
			if err != nil {
				c.done <- err
				return
			}
			c.deliver(id, scanResponse{count, eof, band})
		case ResStatus:
			id, err := c.fr.u64()
			if err != nil {
				c.done <- err
				return
			}
			js, err := c.fr.fstr()
			if err != nil {
				c.done <- err
				return
			}
			c.deliver(id, statusResponse{js})
		default:
			c.done <- errUnknownOpcode(code)
			return
		}
	}
}

func (c *Client) deliver(id uint64, v interface{}) {
	c.mu.Lock()
	ch, ok := c.waiters[id]
	if ok {
		delete(c.waiters, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- v
	}
}

func (c *Client) register(id uint64) chan interface{} {
	ch := make(chan interface{}, 1)
	c.mu.Lock()
	if c.fatal != nil {
		c.mu.Unlock()
		ch <- fatalResponse{c.fatal}
		return ch
	}
	c.waiters[id] = ch
	c.mu.Unlock()
	return ch
}

func (c *Client) newID() uint64 { return atomic.AddUint64(&c.nextID, 1) }

// Barrier issues a BARRIER and blocks until its SYNC reply.
func (c *Client) Barrier() error {
	id := c.newID()
	ch := c.register(id)
	c.fw.lock()
	c.fw.putU16(CmdBarrier)
	c.fw.putU64(id)
	err := c.fw.flush()
	c.fw.unlock()
	if err != nil {
		return err
	}
	if f, ok := (<-ch).(fatalResponse); ok {
		return f.err
	}
	return nil
}

func (c *Client) writeMKV(cmd uint16, mapName string, key, value []byte) error {
	c.fw.lock()
	defer c.fw.unlock()
	c.fw.putU16(cmd)
	c.fw.putFstr([]byte(mapName))
	c.fw.putFstr(key)
	c.fw.putFstr(value)
	return c.fw.flush()
}

// Insert sends INSERT_IMM; it does not wait for a reply (fire-and-forget,
// ordered behind any prior command on the pipe). Use Barrier to observe
// durability.
func (c *Client) Insert(mapName string, key, value []byte) error {
	return c.writeMKV(CmdInsertImm, mapName, key, value)
}

// Upsert sends UPSERT.
func (c *Client) Upsert(mapName string, key, value []byte) error {
	return c.writeMKV(CmdUpsert, mapName, key, value)
}

// Perform sends PERFORM with arg as the callback payload.
func (c *Client) Perform(arg []byte) error {
	c.fw.lock()
	defer c.fw.unlock()
	c.fw.putU16(CmdPerform)
	c.fw.putFstr(arg)
	return c.fw.flush()
}

// Scan issues a synchronous SCAN, per squark_scan's blocking convenience
// wrapper, returning the raw band (spec.md §6.3), the record count, and
// eof, which is false only when the server's band filled up before the
// scan finished.
func (c *Client) Scan(mapName string, opts quark.ScanOpts) (band []byte, count uint64, eof bool, err error) {
	id := c.newID()
	ch := c.register(id)

	var flags uint16
	if opts.WithStart {
		flags |= scanFlagWithStart
	}
	if opts.WithEnd {
		flags |= scanFlagWithEnd
	}
	if opts.IncStart {
		flags |= scanFlagIncStart
	}
	if opts.IncEnd {
		flags |= scanFlagIncEnd
	}
	if opts.Descending {
		flags |= scanFlagDescending
	}
	if opts.IgnoreData {
		flags |= scanFlagIgnoreData
	}

	c.fw.lock()
	c.fw.putU16(CmdScan)
	c.fw.putFstr([]byte(mapName))
	c.fw.putU64(id)
	c.fw.putU16(flags)
	c.fw.putU64(opts.Limit)
	if opts.WithStart {
		c.fw.putFstr(opts.KeyStart)
	}
	if opts.WithEnd {
		c.fw.putFstr(opts.KeyEnd)
	}
	werr := c.fw.flush()
	c.fw.unlock()
	if werr != nil {
		return nil, 0, false, werr
	}
	switch v := (<-ch).(type) {
	case fatalResponse:
		return nil, 0, false, v.err
	case scanResponse:
		return v.band, v.count, v.eof, nil
	default:
		return nil, 0, false, errors.New("shard: unexpected scan reply")
	}
}

// Status issues a synchronous STATUS request, returning the aggregated
// per-map stats JSON.
func (c *Client) Status() ([]byte, error) {
	id := c.newID()
	ch := c.register(id)
	c.fw.lock()
	c.fw.putU16(CmdStatus)
	c.fw.putU64(id)
	werr := c.fw.flush()
	c.fw.unlock()
	if werr != nil {
		return nil, werr
	}
	switch v := (<-ch).(type) {
	case fatalResponse:
		return nil, v.err
	case statusResponse:
		return v.json, nil
	default:
		return nil, errors.New("shard: unexpected status reply")
	}
}

