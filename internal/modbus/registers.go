package modbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Reorder32 rearranges the four bytes of a 32-bit value for the given byte
// order: "ABCD" (default, big endian), "DCBA", "BADC" (byte swap within words)
// or "CDAB" (word swap). Every order is its own inverse, so the same call
// encodes and decodes.
func Reorder32(in []byte, order string) []byte {
	var out [4]byte
	if len(in) < 4 {
		return append([]byte{}, in...)
	}
	switch strings.ToUpper(strings.TrimSpace(order)) {
	case "DCBA":
		out[0], out[1], out[2], out[3] = in[3], in[2], in[1], in[0]
	case "BADC":
		out[0], out[1], out[2], out[3] = in[1], in[0], in[3], in[2]
	case "CDAB":
		out[0], out[1], out[2], out[3] = in[2], in[3], in[0], in[1]
	default:
		copy(out[:], in[:4])
	}
	return out[:]
}

// EncodeFloat32 returns the register bytes of v in the given byte order.
func EncodeFloat32(v float32, order string) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], math.Float32bits(v))
	return Reorder32(b[:], order)
}

// DecodeFloat32 is the inverse of EncodeFloat32.
func DecodeFloat32(b []byte, order string) (float32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("insufficient data for float32: %d bytes", len(b))
	}
	return math.Float32frombits(binary.BigEndian.Uint32(Reorder32(b[:4], order))), nil
}

// HoldingFloat32 reads two holding registers starting at address as a float32.
func (s *Server) HoldingFloat32(address uint16, order string) (float32, error) {
	if int(address)+1 >= len(s.HoldingRegisters) {
		return 0, errAddr(address)
	}
	s.mu.RLock()
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], s.HoldingRegisters[address])
	binary.BigEndian.PutUint16(b[2:4], s.HoldingRegisters[address+1])
	s.mu.RUnlock()
	return DecodeFloat32(b[:], order)
}

// SetInputFloat32 writes v into two input registers starting at address.
func (s *Server) SetInputFloat32(address uint16, v float32, order string) error {
	return s.setFloat32(s.InputRegisters, address, v, order)
}

// SetHoldingFloat32 writes v into two holding registers starting at address.
func (s *Server) SetHoldingFloat32(address uint16, v float32, order string) error {
	return s.setFloat32(s.HoldingRegisters, address, v, order)
}

func (s *Server) setFloat32(bank []uint16, address uint16, v float32, order string) error {
	if int(address)+1 >= len(bank) {
		return errAddr(address)
	}
	b := EncodeFloat32(v, order)
	s.mu.Lock()
	bank[address] = binary.BigEndian.Uint16(b[0:2])
	bank[address+1] = binary.BigEndian.Uint16(b[2:4])
	s.mu.Unlock()
	return nil
}

// Coil returns the current coil value at address.
func (s *Server) Coil(address uint16) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if int(address) >= len(s.Coils) {
		return false, errAddr(address)
	}
	return s.Coils[address], nil
}

func errAddr(addr uint16) error {
	return fmt.Errorf("address %d out of range", addr)
}
