package types

import (
	"crypto/rand"
	"sync"
	"time"
)

// ULID is a 128-bit lexicographically sortable identifier used for ingest candidates.
// Layout: 48-bit millisecond timestamp followed by 80 random bits.
type ULID [16]byte

const crockfordBase32 = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// ULIDGenerator produces ULIDs that are strictly increasing within one generator,
// including several IDs minted in the same millisecond.
type ULIDGenerator struct {
	mu       sync.Mutex
	lastMs   uint64
	lastRand [10]byte
}

// NewULIDGenerator creates a new ULID generator.
func NewULIDGenerator() *ULIDGenerator {
	return &ULIDGenerator{}
}

// Generate creates a ULID stamped with the current time.
func (g *ULIDGenerator) Generate() (ULID, error) {
	return g.GenerateWithTime(time.Now())
}

// GenerateWithTime creates a ULID stamped with t.
func (g *ULIDGenerator) GenerateWithTime(t time.Time) (ULID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := uint64(t.UnixMilli())
	if ms == g.lastMs {
		for i := len(g.lastRand) - 1; i >= 0; i-- {
			g.lastRand[i]++
			if g.lastRand[i] != 0 {
				break
			}
		}
	} else {
		if _, err := rand.Read(g.lastRand[:]); err != nil {
			return ULID{}, err
		}
		g.lastMs = ms
	}

	var u ULID
	for i := 0; i < 6; i++ {
		u[i] = byte(ms >> (8 * (5 - i)))
	}
	copy(u[6:], g.lastRand[:])
	return u, nil
}

// Timestamp returns the embedded Unix millisecond timestamp.
func (u ULID) Timestamp() uint64 {
	var ms uint64
	for i := 0; i < 6; i++ {
		ms = ms<<8 | uint64(u[i])
	}
	return ms
}

// Time returns the embedded timestamp as a time.Time.
func (u ULID) Time() time.Time {
	return time.UnixMilli(int64(u.Timestamp()))
}

// Compare returns -1, 0 or 1 comparing u and other byte-wise.
func (u ULID) Compare(other ULID) int {
	for i := range u {
		switch {
		case u[i] < other[i]:
			return -1
		case u[i] > other[i]:
			return 1
		}
	}
	return 0
}

// String encodes the ULID as 26 Crockford base32 characters.
// The 128 bits are left-padded to 130 and consumed five bits at a time.
func (u ULID) String() string {
	var out [26]byte
	var acc uint32
	bits := 2 // two leading zero pad bits
	pos := 0
	for _, b := range u {
		acc = acc<<8 | uint32(b)
		bits += 8
		for bits >= 5 {
			bits -= 5
			out[pos] = crockfordBase32[(acc>>uint(bits))&31]
			pos++
		}
	}
	return string(out[:])
}

// ParseULID decodes a 26-character Crockford base32 string. Lowercase is accepted.
func ParseULID(s string) (ULID, error) {
	var u ULID
	if len(s) != 26 {
		return u, ErrInvalidULIDLength
	}
	if decodeCrockford(s[0]) > 7 {
		return u, ErrInvalidULIDCharacter
	}

	var acc uint32
	bits := -2 // drop the pad bits carried by the first character
	pos := 0
	for i := 0; i < len(s); i++ {
		v := decodeCrockford(s[i])
		if v == 0xFF {
			return ULID{}, ErrInvalidULIDCharacter
		}
		acc = acc<<5 | uint32(v)
		bits += 5
		if bits >= 8 {
			bits -= 8
			u[pos] = byte(acc >> uint(bits))
			pos++
		}
	}
	return u, nil
}

func decodeCrockford(c byte) byte {
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	for i := 0; i < len(crockfordBase32); i++ {
		if crockfordBase32[i] == c {
			return byte(i)
		}
	}
	return 0xFF
}
