package reconcile

import (
	"errors"
	"math/bits"

	"github.com/prohmpiriya/theater-seat-inventory/internal/boxoffice"
)

// FieldWidth is the number of bits each seat occupies in a snapshot
const FieldWidth = 3

// Field bits, most significant first
const (
	BitExternallySold uint8 = 1 << 2
	BitPlatformLock   uint8 = 1 << 1
	BitLocked         uint8 = 1 << 0
)

// ErrLengthMismatch is returned when two matrices cover a different number of seats
var ErrLengthMismatch = errors.New("snapshot seat count differs")

// Matrix packs one FieldWidth-bit field per seat, MSB first. Field i covers bits
// [3i, 3i+3), the same layout Redis BITFIELD u3 #i uses.
type Matrix struct {
	bits []byte
	n    int
}

func byteLen(n int) int {
	return (n*FieldWidth + 7) / 8
}

// NewMatrix creates an all-zero matrix for n seats
func NewMatrix(n int) *Matrix {
	return &Matrix{bits: make([]byte, byteLen(n)), n: n}
}

// FromBytes wraps a stored snapshot. Short input is zero padded.
func FromBytes(b []byte, n int) *Matrix {
	m := NewMatrix(n)
	copy(m.bits, b)
	// bits past the last field stay zero so Diff never reports phantom seats
	if pad := len(m.bits)*8 - n*FieldWidth; pad > 0 && len(m.bits) > 0 {
		m.bits[len(m.bits)-1] &^= byte(1<<pad) - 1
	}
	return m
}

// Encode builds the field for a box-office seat. remark identifies holds the
// platform pushed.
func Encode(s boxoffice.SeatState, remark string) uint8 {
	var v uint8
	if s.Sold() {
		v |= BitExternallySold
	}
	if s.LockedBy(remark) {
		v |= BitPlatformLock
	}
	if s.Locked() {
		v |= BitLocked
	}
	return v
}

// Build encodes an ordered seat list
func Build(seats []boxoffice.SeatState, remark string) *Matrix {
	m := NewMatrix(len(seats))
	for i, s := range seats {
		m.Set(i, Encode(s, remark))
	}
	return m
}

// Len returns the number of seats
func (m *Matrix) Len() int { return m.n }

// Bytes returns the packed representation
func (m *Matrix) Bytes() []byte {
	out := make([]byte, len(m.bits))
	copy(out, m.bits)
	return out
}

// Window returns the bit range [start, end) of field i
func Window(i int) (int, int) {
	return i * FieldWidth, (i + 1) * FieldWidth
}

// Get returns field i
func (m *Matrix) Get(i int) uint8 {
	var v uint8
	start, end := Window(i)
	for bit := start; bit < end; bit++ {
		v <<= 1
		if m.bits[bit/8]&(0x80>>(bit%8)) != 0 {
			v |= 1
		}
	}
	return v
}

// Set overwrites field i with the low FieldWidth bits of v
func (m *Matrix) Set(i int, v uint8) {
	start, _ := Window(i)
	for b := 0; b < FieldWidth; b++ {
		bit := start + b
		mask := byte(0x80) >> (bit % 8)
		if v&(1<<(FieldWidth-1-b)) != 0 {
			m.bits[bit/8] |= mask
		} else {
			m.bits[bit/8] &^= mask
		}
	}
}

// Diff XORs m against other and returns the ascending indexes of fields that differ.
// Only non-zero bytes of the XOR are inspected.
func (m *Matrix) Diff(other *Matrix) ([]int, error) {
	if m.n != other.n {
		return nil, ErrLengthMismatch
	}
	var changed []int
	last := -1
	for i := range m.bits {
		x := m.bits[i] ^ other.bits[i]
		for x != 0 {
			lead := bits.LeadingZeros8(x)
			field := (i*8 + lead) / FieldWidth
			if field != last {
				changed = append(changed, field)
				last = field
			}
			x &^= 0x80 >> lead
		}
	}
	return changed, nil
}
