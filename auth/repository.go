package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leaseflow/address"
)

var (
	// ErrWalletNotFound signals that the wallet never logged in.
	ErrWalletNotFound = errors.New("auth: wallet not found")
)

// Repository handles data access for authentication.
type Repository interface {
	RecordLogin(ctx context.Context, addr address.Address) (Wallet, error)
	GetWallet(ctx context.Context, addr address.Address) (Wallet, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// RecordLogin creates the wallet on first login and stamps the login time.
func (r *PGRepository) RecordLogin(ctx context.Context, addr address.Address) (Wallet, error) {
	const upsertSQL = `
		INSERT INTO wallets (address)
		VALUES ($1)
		ON CONFLICT (address) DO UPDATE SET last_login_at = now()
		RETURNING address, role, created_at, last_login_at
	`

	wallet, err := scanWallet(r.pool.QueryRow(ctx, upsertSQL, addr.String()))
	if err != nil {
		return Wallet{}, fmt.Errorf("auth: record login: %w", err)
	}
	return wallet, nil
}

// GetWallet retrieves a wallet by address.
func (r *PGRepository) GetWallet(ctx context.Context, addr address.Address) (Wallet, error) {
	const selectSQL = `
		SELECT address, role, created_at, last_login_at
		FROM wallets
		WHERE address = $1
	`

	wallet, err := scanWallet(r.pool.QueryRow(ctx, selectSQL, addr.String()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, fmt.Errorf("auth: get wallet: %w", err)
	}
	return wallet, nil
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		wallet Wallet
		raw    string
	)
	if err := row.Scan(&raw, &wallet.Role, &wallet.CreatedAt, &wallet.LastLoginAt); err != nil {
		return Wallet{}, err
	}
	addr, err := address.Parse(raw)
	if err != nil {
		return Wallet{}, fmt.Errorf("auth: stored address %q: %w", raw, err)
	}
	wallet.Address = addr
	return wallet, nil
}
