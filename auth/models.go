package auth

import (
	"time"

	"leaseflow/address"
)

type Role string

const (
	RoleMember     Role = "member"
	RoleArbitrator Role = "arbitrator"
)

// Wallet is the domain representation of a signed-in wallet. It mirrors
// the wallets table and carries no JSON annotations so each presentation
// layer can shape it.
type Wallet struct {
	Address     address.Address
	Role        Role
	CreatedAt   time.Time
	LastLoginAt time.Time
}

// Challenge is the message a wallet signs to log in.
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChallengeRequest asks for a login challenge for one wallet.
type ChallengeRequest struct {
	Address address.Address `json:"address"`
}

// LoginRequest carries the base58 ed25519 signature over the challenge
// message.
type LoginRequest struct {
	Address   address.Address `json:"address"`
	Nonce     string          `json:"nonce"`
	Signature string          `json:"signature"`
}
