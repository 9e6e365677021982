package address

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
)

func testAddress(label string) Address {
	var a Address
	sum := sha256.Sum256([]byte(label))
	copy(a[:], sum[:])
	return a
}

func TestDeriveDeterministic(t *testing.T) {
	program := testAddress("program")
	listing := testAddress("listing")
	applicant := testAddress("applicant")

	a1, b1, err := Derive(program, NamespaceApplication, Key(listing), Key(applicant), I64LE(1717000000))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	a2, b2, err := Derive(program, NamespaceApplication, Key(listing), Key(applicant), I64LE(1717000000))
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a1 != a2 || b1 != b2 {
		t.Fatalf("expected identical derivation, got %s/%d and %s/%d", a1, b1, a2, b2)
	}
	if onCurve(a1) {
		t.Fatalf("derived address must be off the ed25519 curve")
	}
}

func TestDeriveSingleByteChangeChangesAddress(t *testing.T) {
	program := testAddress("program")
	parts := [][]byte{
		Key(testAddress("listing")),
		Key(testAddress("tenant")),
		I64LE(1720000000),
	}
	base, _, err := Derive(program, NamespaceLease, parts...)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}

	seen := map[Address]struct{}{base: {}}
	for pi := range parts {
		for bi := range parts[pi] {
			mutated := make([][]byte, len(parts))
			for i := range parts {
				mutated[i] = bytes.Clone(parts[i])
			}
			mutated[pi][bi] ^= 0x01

			got, _, err := Derive(program, NamespaceLease, mutated...)
			if err != nil {
				t.Fatalf("derive mutated part %d byte %d: %v", pi, bi, err)
			}
			if _, dup := seen[got]; dup {
				t.Fatalf("collision after flipping part %d byte %d", pi, bi)
			}
			seen[got] = struct{}{}
		}
	}
}

func TestDeriveNamespaceSeparates(t *testing.T) {
	program := testAddress("program")
	lease := testAddress("lease")
	escrow, _, _ := Derive(program, NamespaceEscrow, Key(lease))
	vault, _, _ := Derive(program, NamespaceEscrowVault, Key(lease))
	if escrow == vault {
		t.Fatalf("namespaces must produce different addresses")
	}
}

func TestDeriveRejectsLongSeed(t *testing.T) {
	_, _, err := Derive(testAddress("program"), NamespaceListing, make([]byte, 33))
	if !errors.Is(err, ErrSeedTooLong) {
		t.Fatalf("expected ErrSeedTooLong, got %v", err)
	}
}

func TestDeriveRejectsTooManySeeds(t *testing.T) {
	parts := make([][]byte, 15)
	for i := range parts {
		parts[i] = []byte{byte(i)}
	}
	_, _, err := Derive(testAddress("program"), NamespaceListing, parts...)
	if !errors.Is(err, ErrTooManySeeds) {
		t.Fatalf("expected ErrTooManySeeds, got %v", err)
	}
}

func TestI64LE(t *testing.T) {
	got := I64LE(0x0102030405060708)
	want := []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected %x, got %x", want, got)
	}
	if neg := I64LE(-1); !bytes.Equal(neg, bytes.Repeat([]byte{0xff}, 8)) {
		t.Fatalf("expected two's complement encoding, got %x", neg)
	}
}

func TestParseRoundTrip(t *testing.T) {
	a := testAddress("wallet")
	parsed, err := Parse(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != a {
		t.Fatalf("round trip mismatch")
	}
	if _, err := Parse("not-base58-0OIl"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
	if _, err := Parse("3yZe7d"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("short input must be rejected, got %v", err)
	}
}

func TestDeriverHelpersMatchRawDerive(t *testing.T) {
	program := testAddress("program")
	d := NewDeriver(program)
	lease := testAddress("lease")
	initiator := testAddress("tenant")

	got, err := d.Dispute(lease, initiator)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	want, _, _ := Derive(program, NamespaceDispute, Key(lease), Key(initiator))
	if got != want {
		t.Fatalf("helper diverged from raw derivation")
	}
}
