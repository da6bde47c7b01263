// Package rpc talks to instrument daemons over a small request/response
// protocol: 4-byte big-endian length-prefixed CBOR frames on TCP. The same
// package provides the daemon side (Server) so any device.Session can be
// exported, which devsim and the tests use.
package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// Method names.
const (
	MethodID           = "id"
	MethodTraits       = "traits"
	MethodBusy         = "busy"
	MethodGetPosition  = "get_position"
	MethodSetPosition  = "set_position"
	MethodMeasure      = "measure"
	MethodChannelNames = "get_channel_names"
	MethodMeasured     = "get_measured"
	MethodSetTurret    = "set_turret"
	MethodTurretLimits = "get_limits"
)

// Traits a daemon advertises; they select the session capabilities.
const (
	TraitHasPosition = "has-position"
	TraitIsSensor    = "is-sensor"
	TraitHasTurret   = "has-turret"
)

const (
	lengthPrefixSize    = 4
	defaultMaxFrameSize = 1 << 20
)

var (
	ErrFrameTooLarge = errors.New("rpc: frame too large")
	ErrFrameEmpty    = errors.New("rpc: empty frame")
	ErrFrameTrunc    = errors.New("rpc: frame truncated")
	// ErrRemote wraps an error message returned by the daemon.
	ErrRemote = errors.New("rpc: remote error")
)

// Request is one call. Params are method specific.
type Request struct {
	ID     uint64 `cbor:"1,keyasint"`
	Method string `cbor:"2,keyasint"`
	Params Params `cbor:"3,keyasint,omitempty"`
}

// Params carries every argument any method takes.
type Params struct {
	Value    float64 `cbor:"1,keyasint,omitempty"`
	Index    int     `cbor:"2,keyasint,omitempty"`
	Blocking bool    `cbor:"3,keyasint,omitempty"`
}

// Response answers the request with the same ID.
type Response struct {
	ID     uint64          `cbor:"1,keyasint"`
	Result cbor.RawMessage `cbor:"2,keyasint,omitempty"`
	Error  string          `cbor:"3,keyasint,omitempty"`
}

// IDResult is the result of MethodID.
type IDResult struct {
	Name   string `cbor:"1,keyasint"`
	Serial string `cbor:"2,keyasint"`
	Model  string `cbor:"3,keyasint,omitempty"`
}

// LimitsResult is the result of MethodTurretLimits.
type LimitsResult struct {
	Min float64 `cbor:"1,keyasint"`
	Max float64 `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("rpc: cbor encoder mode: %v", err))
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("rpc: cbor decoder mode: %v", err))
	}
}

// framer reads and writes length-prefixed frames. Writes are serialised.
type framer struct {
	rw      io.ReadWriter
	max     uint32
	wmu     sync.Mutex
	lenBuf  [lengthPrefixSize]byte
	scratch [lengthPrefixSize]byte
}

func newFramer(rw io.ReadWriter) *framer {
	return &framer{rw: rw, max: defaultMaxFrameSize}
}

func (f *framer) writeMsg(v any) error {
	data, err := encMode.Marshal(v)
	if err != nil {
		return fmt.Errorf("rpc: encode: %w", err)
	}
	if uint32(len(data)) > f.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), f.max)
	}
	f.wmu.Lock()
	defer f.wmu.Unlock()
	binary.BigEndian.PutUint32(f.scratch[:], uint32(len(data)))
	if _, err := f.rw.Write(f.scratch[:]); err != nil {
		return fmt.Errorf("rpc: write length prefix: %w", err)
	}
	if _, err := f.rw.Write(data); err != nil {
		return fmt.Errorf("rpc: write payload: %w", err)
	}
	return nil
}

func (f *framer) readMsg(v any) error {
	if _, err := io.ReadFull(f.rw, f.lenBuf[:]); err != nil {
		if err == io.EOF {
			return err
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrFrameTrunc
		}
		return fmt.Errorf("rpc: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(f.lenBuf[:])
	if n == 0 {
		return ErrFrameEmpty
	}
	if n > f.max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, f.max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(f.rw, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || err == io.EOF {
			return ErrFrameTrunc
		}
		return fmt.Errorf("rpc: read payload: %w", err)
	}
	if err := decMode.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("rpc: decode: %w", err)
	}
	return nil
}
