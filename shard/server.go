package shard

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/hnsl/quark"
)

// PerformFunc is the application-supplied callback invoked by PERFORM
// requests (squark.c's cb_ctx_ptr).
type PerformFunc func(arg []byte) error

// Server owns one segment and serves the shard protocol over in/out. It
// replaces squark.c's fiber-based accept_join loop with a goroutine per
// concurrent activity (command intake, background fsync) coordinated over
// channels, matching the concurrency model in SPEC_FULL.md §5.
type Server struct {
	acid    quark.Acid
	log     *zap.SugaredLogger
	perform PerformFunc

	maps   map[string]*quark.Map
	mapsMu sync.Mutex

	fr *frameReader
	fw *frameWriter

	cur, pnd  []uint64
	isDirty   bool
	fsyncDone chan fsyncResult
}

// NewServer wraps acid for protocol service. log may be nil (a no-op logger
// is substituted).
func NewServer(acid quark.Acid, in io.Reader, out io.Writer, perform PerformFunc, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		acid:      acid,
		log:       log,
		perform:   perform,
		maps:      map[string]*quark.Map{},
		fr:        newFrameReader(in),
		fw:        newFrameWriter(out),
		fsyncDone: make(chan fsyncResult, 1),
	}
}

func (s *Server) mapFor(name string) (*quark.Map, error) {
	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	if m, ok := s.maps[name]; ok {
		return m, nil
	}
	m, err := quark.Open(s.acid, name, quark.Opt{})
	if err != nil {
		return nil, err
	}
	s.maps[name] = m
	return m, nil
}

type fsyncResult struct{ err error }

// Run processes commands from in until it hits EOF or a fatal protocol
// error, at which point it returns that error (nil on clean EOF, matching
// the parent-closed-pipe exit described in spec.md §6.7).
func (s *Server) Run() error {
	cmds := make(chan uint16, 1)
	cmdErr := make(chan error, 1)

	readNext := func() {
		code, err := s.fr.u16()
		if err != nil {
			cmdErr <- err
			return
		}
		cmds <- code
	}
	go readNext()

	for {
		select {
		case code := <-cmds:
			if err := s.dispatch(code); err != nil {
				return err
			}
			// Pipeline disk writes with command intake: after each
			// accepted command, start a fresh fsync if there is dirty
			// data and cur holds no barrier waiting on an fsync.
			if s.isDirty && len(s.cur) == 0 {
				s.startFsync()
			}
			go readNext()
		case err := <-cmdErr:
			if err == io.EOF {
				return nil
			}
			return err
		case res := <-s.fsyncDone:
			s.onFsyncDone(res.err)
			if len(s.cur) > 0 {
				s.startFsync()
			}
		}
	}
}

func (s *Server) startFsync() {
	s.isDirty = false
	go func() {
		s.fsyncDone <- fsyncResult{err: s.acid.Fsync()}
	}()
}

// onFsyncDone delivers SYNC replies for every sync_id in cur, then promotes
// pnd to cur. The caller (Run's select loop) starts the next fsync if the
// promoted cur is non-empty, keeping all state mutation on the single loop
// goroutine.
func (s *Server) onFsyncDone(err error) {
	if err != nil {
		s.log.Errorw("fsync failed", "err", err)
	}
	s.fw.lock()
	for _, id := range s.cur {
		s.fw.putU16(ResSync)
		s.fw.putU64(id)
	}
	s.fw.flush()
	s.fw.unlock()
	s.cur, s.pnd = s.pnd, nil
}

func (s *Server) dispatch(code uint16) error {
	switch code {
	case CmdBarrier:
		return s.handleBarrier()
	case CmdInsertImm:
		return s.handleInsertImm()
	case CmdUpsert:
		return s.handleUpsert()
	case CmdScan:
		return s.handleScan()
	case CmdStatus:
		return s.handleStatus()
	case CmdPerform:
		return s.handlePerform()
	default:
		return errUnknownOpcode(code)
	}
}

func (s *Server) handleBarrier() error {
	id, err := s.fr.u64()
	if err != nil {
		return err
	}
	if len(s.cur) == 0 {
		s.cur = []uint64{id}
		s.startFsync()
	} else {
		s.pnd = append(s.pnd, id)
	}
	return nil
}

func (s *Server) handleInsertImm() error {
	mapName, key, value, err := s.readMKV()
	if err != nil {
		return err
	}
	m, err := s.mapFor(mapName)
	if err != nil {
		return err
	}
	if _, err := m.Insert(key, value); err != nil {
		return err
	}
	s.isDirty = true
	return nil
}

func (s *Server) handleUpsert() error {
	mapName, key, value, err := s.readMKV()
	if err != nil {
		return err
	}
	m, err := s.mapFor(mapName)
	if err != nil {
		return err
	}
	ok, err := m.Update(key, value)
	if err != nil {
		return err
	}
	if !ok {
		inserted, err := m.Insert(key, value)
		if err != nil {
			return err
		}
		if !inserted {
			return errDuplicateAfterFailedUpdate(mapName)
		}
	}
	s.isDirty = true
	return nil
}

func (s *Server) readMKV() (mapName string, key, value []byte, err error) {
	mb, err := s.fr.fstr()
	if err != nil {
		return "", nil, nil, err
	}
	key, err = s.fr.fstr()
	if err != nil {
		return "", nil, nil, err
	}
	value, err = s.fr.fstr()
	if err != nil {
		return "", nil, nil, err
	}
	return string(mb), key, value, nil
}

// bandCapacity bounds how many bytes handleScan packs into one response
// band; the last record that would overflow it makes Scan's visitor return
// false, which is this engine's band-exhaustion signal (spec §4.7 step 3/5).
const bandCapacity = 1 << 20

func (s *Server) handleScan() error {
	mb, err := s.fr.fstr()
	if err != nil {
		return err
	}
	reqID, err := s.fr.u64()
	if err != nil {
		return err
	}
	flags, err := s.fr.u16()
	if err != nil {
		return err
	}
	limit, err := s.fr.u64()
	if err != nil {
		return err
	}
	opts := quark.ScanOpts{
		WithStart:  flags&scanFlagWithStart != 0,
		WithEnd:    flags&scanFlagWithEnd != 0,
		IncStart:   flags&scanFlagIncStart != 0,
		IncEnd:     flags&scanFlagIncEnd != 0,
		Descending: flags&scanFlagDescending != 0,
		IgnoreData: flags&scanFlagIgnoreData != 0,
		Limit:      limit,
	}
	if opts.WithStart {
		opts.KeyStart, err = s.fr.fstr()
		if err != nil {
			return err
		}
	}
	if opts.WithEnd {
		opts.KeyEnd, err = s.fr.fstr()
		if err != nil {
			return err
		}
	}

	m, err := s.mapFor(string(mb))
	if err != nil {
		return err
	}
	var band bytes.Buffer
	count, eof, err := m.Scan(opts, func(key, value []byte) bool {
		recLen := 2 + len(key) + 8 + len(value)
		if band.Len()+recLen > bandCapacity {
			return false
		}
		var kl [2]byte
		binary.LittleEndian.PutUint16(kl[:], uint16(len(key)))
		band.Write(kl[:])
		band.Write(key)
		var vl [8]byte
		binary.LittleEndian.PutUint64(vl[:], uint64(len(value)))
		band.Write(vl[:])
		band.Write(value)
		return true
	})
	if err != nil {
		return err
	}

	s.fw.lock()
	defer s.fw.unlock()
	s.fw.putU16(ResScan)
	s.fw.putU64(reqID)
	s.fw.putU64(count)
	s.fw.putBool(eof)
	s.fw.putFstr(band.Bytes())
	return s.fw.flush()
}

func (s *Server) handleStatus() error {
	reqID, err := s.fr.u64()
	if err != nil {
		return err
	}
	s.mapsMu.Lock()
	agg := make(map[string]quark.Stats, len(s.maps))
	for name, m := range s.maps {
		agg[name] = m.Stats()
	}
	s.mapsMu.Unlock()

	js, err := jsonMarshal(agg)
	if err != nil {
		return err
	}
	s.fw.lock()
	defer s.fw.unlock()
	s.fw.putU16(ResStatus)
	s.fw.putU64(reqID)
	s.fw.putFstr(js)
	return s.fw.flush()
}

func (s *Server) handlePerform() error {
	arg, err := s.fr.fstr()
	if err != nil {
		return err
	}
	if s.perform != nil {
		if err := s.perform(arg); err != nil {
			return err
		}
	}
	s.isDirty = true
	return nil
}
