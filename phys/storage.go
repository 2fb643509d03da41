// Package phys models the physical memory of the simulated machine: a sparse
// byte-addressable storage and an allocator that hands out 4KB frames.
package phys

import (
	"encoding/binary"
	"fmt"
)

// FrameSize is the size of a physical frame in bytes.
const FrameSize = 4096

// A Storage keeps the bytes of the simulated physical memory.
//
// The storage allocates host memory lazily, in frame-sized units, so a
// machine with a large physical address space only pays for the frames it
// actually touches.
type Storage struct {
	capacity uint64
	units    map[uint64][]byte
}

// NewStorage creates a Storage with the given capacity in bytes.
func NewStorage(capacity uint64) *Storage {
	return &Storage{
		capacity: capacity,
		units:    make(map[uint64][]byte),
	}
}

// Capacity returns the total number of bytes the storage can hold.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) unit(addr uint64) ([]byte, error) {
	if addr >= s.capacity {
		return nil, fmt.Errorf(
			"physical address 0x%x beyond storage capacity 0x%x",
			addr, s.capacity)
	}

	base := addr &^ uint64(FrameSize-1)
	u, ok := s.units[base]
	if !ok {
		u = make([]byte, FrameSize)
		s.units[base] = u
	}

	return u, nil
}

// Read returns length bytes starting at address. Reads may cross frame
// boundaries.
func (s *Storage) Read(address, length uint64) ([]byte, error) {
	res := make([]byte, length)
	offset := uint64(0)

	for offset < length {
		u, err := s.unit(address + offset)
		if err != nil {
			return nil, err
		}

		inUnit := (address + offset) % FrameSize
		n := uint64(FrameSize) - inUnit
		if remaining := length - offset; n > remaining {
			n = remaining
		}

		copy(res[offset:offset+n], u[inUnit:inUnit+n])
		offset += n
	}

	return res, nil
}

// Write stores data starting at address. Writes may cross frame boundaries.
func (s *Storage) Write(address uint64, data []byte) error {
	offset := uint64(0)

	for offset < uint64(len(data)) {
		u, err := s.unit(address + offset)
		if err != nil {
			return err
		}

		inUnit := (address + offset) % FrameSize
		n := uint64(copy(u[inUnit:], data[offset:]))
		offset += n
	}

	return nil
}

// ReadUint32 reads one little-endian 32-bit word at address.
func (s *Storage) ReadUint32(address uint64) (uint32, error) {
	data, err := s.Read(address, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(data), nil
}

// WriteUint32 stores one little-endian 32-bit word at address.
func (s *Storage) WriteUint32(address uint64, value uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)

	return s.Write(address, data)
}
