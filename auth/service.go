package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/bcrypt"

	"leaseflow/address"
)

var (
	// ErrInvalidCredentials signals a wrong, reused or expired signed challenge.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrWeakSecret signals a shared secret too short to hash.
	ErrWeakSecret = errors.New("auth: secret must be at least 16 characters")
	// ErrInvalidToken signals a bearer token that does not verify.
	ErrInvalidToken = errors.New("auth: invalid token")
)

const (
	// DefaultNonceTTL bounds how long a login challenge can be answered.
	DefaultNonceTTL = 5 * time.Minute
	tokenLifetime   = 24 * time.Hour
	minSecretLength = 16
)

type challengeRecord struct {
	addr     address.Address
	message  string
	issuedAt time.Time
}

// Service handles wallet login and bearer tokens.
type Service struct {
	repo       Repository
	jwtSecret  []byte
	nonces     *ttlcache.Cache[string, challengeRecord]
	nonceTTL   time.Duration
	arbitrator address.Address
	now        func() time.Time
}

// LoginResult bundles the token and wallet returned after a successful login.
type LoginResult struct {
	Token  string
	Wallet Wallet
}

// NewService creates a new authentication service.
func NewService(repo Repository, jwtSecret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: []byte(jwtSecret),
		nonces: ttlcache.New[string, challengeRecord](
			ttlcache.WithTTL[string, challengeRecord](DefaultNonceTTL),
			ttlcache.WithDisableTouchOnHit[string, challengeRecord](),
		),
		nonceTTL: DefaultNonceTTL,
		now:      time.Now,
	}
}

// WithArbitrator marks the wallet whose tokens carry the arbitrator role.
func (s *Service) WithArbitrator(addr address.Address) *Service {
	s.arbitrator = addr
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Start runs the nonce cache's expiry loop until Stop.
func (s *Service) Start() { go s.nonces.Start() }

func (s *Service) Stop() { s.nonces.Stop() }

func challengeMessage(addr address.Address, nonce string, issuedAt time.Time) string {
	return fmt.Sprintf("Sign in to leaseflow\n\nWallet: %s\nNonce: %s\nIssued: %s",
		addr, nonce, issuedAt.UTC().Format(time.RFC3339))
}

// Challenge issues a single-use nonce for addr to sign.
func (s *Service) Challenge(addr address.Address) (Challenge, error) {
	if addr.IsZero() {
		return Challenge{}, fmt.Errorf("auth: address is required")
	}
	nonce := uuid.NewString()
	issued := s.now()
	msg := challengeMessage(addr, nonce, issued)
	s.nonces.Set(nonce, challengeRecord{addr: addr, message: msg, issuedAt: issued}, ttlcache.DefaultTTL)
	return Challenge{Nonce: nonce, Message: msg, ExpiresAt: issued.Add(s.nonceTTL)}, nil
}

// Login verifies the wallet's signature over its challenge and returns a
// JWT token. The nonce is consumed whether or not the signature verifies.
func (s *Service) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	item := s.nonces.Get(req.Nonce)
	if item == nil {
		return LoginResult{}, ErrInvalidCredentials
	}
	s.nonces.Delete(req.Nonce)
	rec := item.Value()
	if rec.addr != req.Address || s.now().Sub(rec.issuedAt) > s.nonceTTL {
		return LoginResult{}, ErrInvalidCredentials
	}

	sig, err := base58.Decode(req.Signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return LoginResult{}, ErrInvalidCredentials
	}
	if !ed25519.Verify(ed25519.PublicKey(req.Address.Bytes()), []byte(rec.message), sig) {
		return LoginResult{}, ErrInvalidCredentials
	}

	wallet, err := s.repo.RecordLogin(ctx, req.Address)
	if err != nil {
		return LoginResult{}, err
	}
	if !s.arbitrator.IsZero() && wallet.Address == s.arbitrator {
		wallet.Role = RoleArbitrator
	}

	token, err := s.generateToken(wallet.Address, wallet.Role)
	if err != nil {
		return LoginResult{}, fmt.Errorf("auth: generate token: %w", err)
	}
	return LoginResult{Token: token, Wallet: wallet}, nil
}

// GetWallet retrieves a wallet by address.
func (s *Service) GetWallet(ctx context.Context, addr address.Address) (*Wallet, error) {
	wallet, err := s.repo.GetWallet(ctx, addr)
	if err != nil {
		return nil, err
	}
	return &wallet, nil
}

// VerifyToken validates a JWT token and returns the wallet address.
func (s *Service) VerifyToken(tokenString string) (address.Address, Role, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return address.Zero, "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return address.Zero, "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return address.Zero, "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	addr, err := address.Parse(sub)
	if err != nil {
		return address.Zero, "", fmt.Errorf("%w: subject is not a wallet address", ErrInvalidToken)
	}
	roleStr, _ := claims["role"].(string)
	role := Role(roleStr)
	if !isValidRole(role) {
		return address.Zero, "", fmt.Errorf("%w: invalid role %q", ErrInvalidToken, roleStr)
	}
	return addr, role, nil
}

// Verify resolves a token to its wallet for the websocket channel.
func (s *Service) Verify(tokenString string) (address.Address, error) {
	addr, _, err := s.VerifyToken(tokenString)
	return addr, err
}

func (s *Service) generateToken(addr address.Address, role Role) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  addr.String(),
		"role": role,
		"exp":  now.Add(tokenLifetime).Unix(),
		"iat":  now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func isValidRole(role Role) bool {
	switch role {
	case RoleMember, RoleArbitrator:
		return true
	default:
		return false
	}
}

// HashSecret bcrypt-hashes a shared secret, such as the attestation
// service's callback secret, for storage in configuration.
func HashSecret(secret string) (string, error) {
	if len(secret) < minSecretLength {
		return "", ErrWeakSecret
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether secret matches a HashSecret hash.
func VerifySecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
