// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package quark

import "fmt"

// ErrType classifies an ErrILSEQ failure, mirroring the tagged-block
// diagnostics style of the allocator this package was adapted from.
type ErrType int

const (
	ErrOther ErrType = iota
	ErrHeaderMagic
	ErrHeaderVersion
	ErrFreeClassOOB
	ErrFollowingRoot
	ErrPartitionHeader
	ErrKeyOrder
	ErrDownPointer
	ErrDuplicateKey
	ErrKeyCodec
)

// ErrILSEQ reports a structural inconsistency: malformed persisted data or a
// violated invariant. Finding one of these at runtime is fatal; the process
// that produced it must not keep mutating the segment.
type ErrILSEQ struct {
	Type ErrType
	Off  int64
	Arg  int64
	Arg2 int64
	Name string
	More error
}

func (e *ErrILSEQ) Error() string {
	if e.More != nil {
		return fmt.Sprintf("quark: illegal sequence %v, off %#x, arg %d/%d, name %q: %v", e.Type, e.Off, e.Arg, e.Arg2, e.Name, e.More)
	}
	return fmt.Sprintf("quark: illegal sequence %v, off %#x, arg %d/%d, name %q", e.Type, e.Off, e.Arg, e.Arg2, e.Name)
}

// ErrINVAL reports an invalid argument passed by the caller (a key or value
// over 65535 bytes given to Insert, a malformed multi-part key, bad request
// parameters).
type ErrINVAL struct {
	Arg  string
	Arg2 interface{}
}

func (e *ErrINVAL) Error() string { return fmt.Sprintf("quark: invalid argument: %s (%v)", e.Arg, e.Arg2) }

// ErrPERM reports an operation attempted out of its allowed state.
type ErrPERM struct {
	Arg string
}

func (e *ErrPERM) Error() string { return fmt.Sprintf("quark: operation not permitted: %s", e.Arg) }
