// Package txassembler builds ledger transactions in two phases: Build fixes
// the account list and instruction, then CoSign or Seal stamps a fresh
// recency token and adds the platform signature where one is required.
package txassembler

import (
	"fmt"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/wire"
)

var ErrAccountMismatch = apperr.Internal("account_mismatch", "transaction accounts do not match the instruction")

// Role declares one account slot of an instruction.
type Role struct {
	Name     string
	Signer   bool
	Writable bool
}

// Instruction is a program call with its declared account roles.
type Instruction struct {
	Name    string
	Program address.Address
	Roles   []Role
	Args    []byte
	// CoSigner names the role the platform key signs, or is empty.
	CoSigner string
}

// Data is the serialized instruction data: the method discriminator followed
// by the encoded arguments.
func (i Instruction) Data() []byte {
	d := wire.Discriminator("global", i.Name)
	out := make([]byte, 0, len(d)+len(i.Args))
	out = append(out, d[:]...)
	return append(out, i.Args...)
}

// AccountRef supplies the address for a role. When Expect is set the address
// must equal it; derived accounts use this to catch client-supplied keys that
// do not match the derivation.
type AccountRef struct {
	Address address.Address
	Expect  *address.Address
}

// AccountSet maps role names to accounts.
type AccountSet map[string]AccountRef

// Set assigns a plain account.
func (s AccountSet) Set(role string, a address.Address) AccountSet {
	s[role] = AccountRef{Address: a}
	return s
}

// SetDerived assigns supplied and requires it to equal derived.
func (s AccountSet) SetDerived(role string, supplied, derived address.Address) AccountSet {
	d := derived
	s[role] = AccountRef{Address: supplied, Expect: &d}
	return s
}

func (s AccountSet) validate(instr Instruction) error {
	declared := make(map[string]struct{}, len(instr.Roles))
	for _, r := range instr.Roles {
		declared[r.Name] = struct{}{}
		ref, ok := s[r.Name]
		if !ok {
			return ErrAccountMismatch.WithMessage("%s: role %q not supplied", instr.Name, r.Name)
		}
		if ref.Address.IsZero() && r.Signer {
			return ErrAccountMismatch.WithMessage("%s: signer role %q has no address", instr.Name, r.Name)
		}
		if ref.Expect != nil && *ref.Expect != ref.Address {
			return ErrAccountMismatch.WithMessage("%s: role %q is %s, derived %s", instr.Name, r.Name, ref.Address, *ref.Expect)
		}
	}
	for name := range s {
		if _, ok := declared[name]; !ok {
			return ErrAccountMismatch.WithMessage("%s: undeclared role %q", instr.Name, name)
		}
	}
	if instr.CoSigner != "" {
		if _, ok := declared[instr.CoSigner]; !ok {
			return fmt.Errorf("txassembler: %s: co-signer role %q is not declared", instr.Name, instr.CoSigner)
		}
	}
	return nil
}
