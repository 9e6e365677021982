// Package address derives the deterministic ledger account addresses used by
// every lifecycle component. No other package builds an account address.
package address

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Size is the byte length of a ledger address.
const Size = 32

const (
	maxSeeds   = 16
	maxSeedLen = 32
	pdaMarker  = "ProgramDerivedAddress"
)

var (
	ErrSeedTooLong  = errors.New("address: seed exceeds 32 bytes")
	ErrTooManySeeds = errors.New("address: too many seeds")
	ErrNoViableBump = errors.New("address: no off-curve address for seeds")
	ErrInvalid      = errors.New("address: invalid base58 address")
)

// Address is a 32-byte ledger account key.
type Address [Size]byte

// Zero is the all-zero address; it never identifies a real account.
var Zero Address

func (a Address) String() string { return base58.Encode(a[:]) }

func (a Address) Bytes() []byte { return a[:] }

func (a Address) IsZero() bool { return a == Zero }

// MarshalText renders the base58 form so addresses serialize as JSON strings.
func (a Address) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

func (a *Address) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Parse decodes a base58 address.
func Parse(s string) (Address, error) {
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != Size {
		return Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromPublicKey converts an ed25519 public key into its address.
func FromPublicKey(pub ed25519.PublicKey) Address {
	var a Address
	copy(a[:], pub)
	return a
}

// Key encodes an address as a seed part.
func Key(a Address) []byte { return a[:] }

// I64LE encodes a signed integer (timestamps) as an 8-byte little-endian seed part.
func I64LE(v int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return b
}

// U64LE encodes an unsigned integer as an 8-byte little-endian seed part.
func U64LE(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// Derive computes a program-derived address. It walks the bump byte from 255
// down and returns the first hash that is not a valid ed25519 point, matching
// the ledger's own derivation byte for byte.
func Derive(programID Address, namespace string, parts ...[]byte) (Address, uint8, error) {
	seeds := make([][]byte, 0, len(parts)+1)
	seeds = append(seeds, []byte(namespace))
	seeds = append(seeds, parts...)
	return FindProgramAddress(programID, seeds...)
}

// FindProgramAddress derives from raw seeds. Programs that do not use a
// namespace seed, such as the associated token program, go through here.
func FindProgramAddress(programID Address, seeds ...[]byte) (Address, uint8, error) {
	if len(seeds) >= maxSeeds {
		return Zero, 0, ErrTooManySeeds
	}
	for _, s := range seeds {
		if len(s) > maxSeedLen {
			return Zero, 0, fmt.Errorf("%w: %d bytes", ErrSeedTooLong, len(s))
		}
	}

	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, s := range seeds {
			h.Write(s)
		}
		h.Write([]byte{byte(bump)})
		h.Write(programID[:])
		h.Write([]byte(pdaMarker))

		var candidate Address
		copy(candidate[:], h.Sum(nil))
		if !onCurve(candidate) {
			return candidate, uint8(bump), nil
		}
	}
	return Zero, 0, ErrNoViableBump
}

func onCurve(a Address) bool {
	_, err := new(edwards25519.Point).SetBytes(a[:])
	return err == nil
}
