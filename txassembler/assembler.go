package txassembler

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"

	"leaseflow/address"
	"leaseflow/ledger"
	"leaseflow/wire"
)

// Signer holds the platform co-signing key.
type Signer interface {
	Address() address.Address
	Sign(message []byte) []byte
}

// KeySigner signs with an in-memory ed25519 key.
type KeySigner struct {
	key ed25519.PrivateKey
}

func NewKeySigner(key ed25519.PrivateKey) *KeySigner { return &KeySigner{key: key} }

// ParseKeySigner decodes a base58 64-byte secret key.
func ParseKeySigner(secret string) (*KeySigner, error) {
	raw, err := base58.Decode(secret)
	if err != nil {
		return nil, fmt.Errorf("txassembler: decode signer key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("txassembler: signer key is %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	return &KeySigner{key: ed25519.PrivateKey(raw)}, nil
}

func (k *KeySigner) Address() address.Address {
	return address.FromPublicKey(k.key.Public().(ed25519.PublicKey))
}

func (k *KeySigner) Sign(message []byte) []byte { return ed25519.Sign(k.key, message) }

// Unsigned is a built transaction waiting for a recency token.
type Unsigned struct {
	Instruction Instruction
	Initiator   address.Address
	msg         compiledMessage
}

// Signers lists the addresses that must sign, fee payer first.
func (u Unsigned) Signers() []address.Address {
	return append([]address.Address(nil), u.msg.keys[:u.msg.numSigners]...)
}

// Prepared is a transaction ready to hand to the initiator.
type Prepared struct {
	Message         []byte
	Signatures      [][ed25519.SignatureSize]byte
	Signers         []address.Address
	Recency         [32]byte
	LastValidHeight uint64
}

// Base64 renders the wire transaction: signature slots then the message.
func (p Prepared) Base64() string {
	out := wire.AppendCompactU16(nil, len(p.Signatures))
	for _, sig := range p.Signatures {
		out = append(out, sig[:]...)
	}
	out = append(out, p.Message...)
	return base64.StdEncoding.EncodeToString(out)
}

// Assembler is the only component that builds transactions.
type Assembler struct {
	client ledger.Client
	signer Signer
}

func New(client ledger.Client, signer Signer) *Assembler {
	return &Assembler{client: client, signer: signer}
}

// CoSignerAddress is the platform identity that co-signs.
func (a *Assembler) CoSignerAddress() address.Address {
	if a.signer == nil {
		return address.Zero
	}
	return a.signer.Address()
}

// Build validates the account set against the instruction's roles and
// compiles the message with initiator as fee payer. It does no I/O.
func (a *Assembler) Build(instr Instruction, accounts AccountSet, initiator address.Address) (Unsigned, error) {
	if err := accounts.validate(instr); err != nil {
		return Unsigned{}, err
	}
	initiatorSigns := false
	for _, r := range instr.Roles {
		if r.Signer && accounts[r.Name].Address == initiator {
			initiatorSigns = true
			break
		}
	}
	if !initiatorSigns {
		return Unsigned{}, ErrAccountMismatch.WithMessage("%s: initiator %s fills no signer role", instr.Name, initiator)
	}
	return Unsigned{Instruction: instr, Initiator: initiator, msg: compile(instr, accounts, initiator)}, nil
}

// CoSign stamps a fresh recency token and signs in the co-signer's slot.
func (a *Assembler) CoSign(ctx context.Context, u Unsigned) (Prepared, error) {
	if u.Instruction.CoSigner == "" {
		return Prepared{}, fmt.Errorf("txassembler: %s has no co-signer role", u.Instruction.Name)
	}
	if a.signer == nil {
		return Prepared{}, fmt.Errorf("txassembler: no co-signing key configured")
	}
	slot := u.msg.signerIndex(a.signer.Address())
	if slot < 0 {
		return Prepared{}, ErrAccountMismatch.WithMessage("%s: platform key %s is not a signer", u.Instruction.Name, a.signer.Address())
	}
	p, err := a.stamp(ctx, u)
	if err != nil {
		return Prepared{}, err
	}
	copy(p.Signatures[slot][:], a.signer.Sign(p.Message))
	return p, nil
}

// Seal stamps a fresh recency token on an instruction with no co-signer.
func (a *Assembler) Seal(ctx context.Context, u Unsigned) (Prepared, error) {
	if u.Instruction.CoSigner != "" {
		return Prepared{}, fmt.Errorf("txassembler: %s requires CoSign", u.Instruction.Name)
	}
	return a.stamp(ctx, u)
}

// Finish applies CoSign or Seal depending on the instruction.
func (a *Assembler) Finish(ctx context.Context, u Unsigned) (Prepared, error) {
	if u.Instruction.CoSigner != "" {
		return a.CoSign(ctx, u)
	}
	return a.Seal(ctx, u)
}

func (a *Assembler) stamp(ctx context.Context, u Unsigned) (Prepared, error) {
	bh, err := a.client.LatestBlockhash(ctx)
	if err != nil {
		return Prepared{}, err
	}
	return Prepared{
		Message:         u.msg.serialize(bh.Hash),
		Signatures:      make([][ed25519.SignatureSize]byte, u.msg.numSigners),
		Signers:         u.Signers(),
		Recency:         bh.Hash,
		LastValidHeight: bh.LastValidHeight,
	}, nil
}

// EnsureFresh fails with a stale recency token error once the ledger has
// moved past lastValidHeight.
func (a *Assembler) EnsureFresh(ctx context.Context, lastValidHeight uint64) error {
	height, err := a.client.BlockHeight(ctx)
	if err != nil {
		return err
	}
	if height > lastValidHeight {
		return ledger.ErrStaleRecencyToken.WithMessage("block height %d is past the token's last valid height %d", height, lastValidHeight)
	}
	return nil
}
