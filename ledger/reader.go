package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/viewcache"
)

// DefaultViewTTL bounds how stale a cached account view may be.
const DefaultViewTTL = 5 * time.Minute

// Reader is a read-through cache over raw account bytes.
type Reader struct {
	client  Client
	cache   viewcache.Cache
	ttl     time.Duration
	program address.Address
	bypass  bool
	logger  *slog.Logger
}

func NewReader(client Client, cache viewcache.Cache, program address.Address, ttl time.Duration) *Reader {
	if ttl <= 0 {
		ttl = DefaultViewTTL
	}
	return &Reader{
		client:  client,
		cache:   cache,
		ttl:     ttl,
		program: program,
		logger:  slog.Default().With("component", "ledger_reader"),
	}
}

func (r *Reader) WithLogger(logger *slog.Logger) *Reader {
	if logger != nil {
		r.logger = logger.With("component", "ledger_reader")
	}
	return r
}

// Client exposes the underlying RPC client.
func (r *Reader) Client() Client { return r.client }

// Fresh returns a reader that always goes to the ledger and refreshes the
// cache with what it reads. Confirmation paths use it.
func (r *Reader) Fresh() *Reader {
	out := *r
	out.bypass = true
	return &out
}

func viewKey(addr address.Address) string { return "acct:" + addr.String() }

// Account returns raw account bytes, or ErrAccountNotFound.
func (r *Reader) Account(ctx context.Context, addr address.Address) ([]byte, error) {
	if !r.bypass {
		data, ok, err := r.cache.Get(ctx, viewKey(addr))
		if err != nil {
			r.logger.Warn("view cache read failed", "address", addr.String(), "error", err)
		} else if ok {
			return data, nil
		}
	}
	data, err := r.client.GetAccount(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			_ = r.cache.Delete(ctx, viewKey(addr))
		}
		return nil, err
	}
	if err := r.cache.Set(ctx, viewKey(addr), data, r.ttl); err != nil {
		r.logger.Warn("view cache write failed", "address", addr.String(), "error", err)
	}
	return data, nil
}

// Exists reports whether an account is present on the ledger, bypassing the cache.
func (r *Reader) Exists(ctx context.Context, addr address.Address) (bool, error) {
	_, err := r.client.GetAccount(ctx, addr)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrAccountNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Invalidate drops cached views so the next read observes the ledger.
func (r *Reader) Invalidate(ctx context.Context, addrs ...address.Address) {
	for _, a := range addrs {
		if err := r.cache.Delete(ctx, viewKey(a)); err != nil {
			r.logger.Warn("view cache invalidate failed", "address", a.String(), "error", err)
		}
	}
}

func readAs[T any](ctx context.Context, r *Reader, addr address.Address, notFound *apperr.Error, decode func([]byte) (*T, error)) (*T, error) {
	data, err := r.Account(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, notFound.WithMessage("%s %s does not exist", notFound.Message, addr)
		}
		return nil, err
	}
	v, err := decode(data)
	if err != nil {
		return nil, apperr.Internal("account_decode_failed", "ledger account has an unexpected layout").Wrap(err)
	}
	return v, nil
}

var (
	ErrConfigNotFound      = apperr.Internal("config_not_found", "program config")
	ErrListingNotFound     = apperr.NotFound("listing_not_found", "listing")
	ErrApplicationNotFound = apperr.NotFound("application_not_found", "application")
	ErrLeaseNotFound       = apperr.NotFound("lease_not_found", "lease")
	ErrEscrowNotFound      = apperr.NotFound("escrow_not_found", "escrow")
	ErrDisputeNotFound     = apperr.NotFound("dispute_not_found", "dispute")
)

func (r *Reader) Config(ctx context.Context, addr address.Address) (*Config, error) {
	return readAs(ctx, r, addr, ErrConfigNotFound, DecodeConfig)
}

func (r *Reader) Listing(ctx context.Context, addr address.Address) (*Listing, error) {
	return readAs(ctx, r, addr, ErrListingNotFound, DecodeListing)
}

func (r *Reader) Application(ctx context.Context, addr address.Address) (*Application, error) {
	return readAs(ctx, r, addr, ErrApplicationNotFound, DecodeApplication)
}

func (r *Reader) Lease(ctx context.Context, addr address.Address) (*Lease, error) {
	return readAs(ctx, r, addr, ErrLeaseNotFound, DecodeLease)
}

func (r *Reader) Escrow(ctx context.Context, addr address.Address) (*Escrow, error) {
	return readAs(ctx, r, addr, ErrEscrowNotFound, DecodeEscrow)
}

func (r *Reader) Dispute(ctx context.Context, addr address.Address) (*Dispute, error) {
	return readAs(ctx, r, addr, ErrDisputeNotFound, DecodeDispute)
}

// KeyedApplication pairs an application view with its address.
type KeyedApplication struct {
	Address address.Address
	*Application
}

// ApplicationsForListing scans the program for applications on listing. It
// never uses the cache.
func (r *Reader) ApplicationsForListing(ctx context.Context, listing address.Address) ([]KeyedApplication, error) {
	prefix := append(discApplication[:0:0], discApplication[:]...)
	accounts, err := r.client.GetProgramAccounts(ctx, r.program,
		Memcmp{Offset: 0, Bytes: prefix},
		Memcmp{Offset: ApplicationListingOffset, Bytes: listing.Bytes()},
	)
	if err != nil {
		return nil, err
	}
	out := make([]KeyedApplication, 0, len(accounts))
	for _, acct := range accounts {
		app, err := DecodeApplication(acct.Data)
		if err != nil {
			return nil, fmt.Errorf("ledger: application %s: %w", acct.Address, err)
		}
		out = append(out, KeyedApplication{Address: acct.Address, Application: app})
	}
	return out, nil
}

// KeyedDispute pairs a dispute view with its address.
type KeyedDispute struct {
	Address address.Address
	*Dispute
}

// DisputesForLease scans the program for disputes raised on lease. It never
// uses the cache.
func (r *Reader) DisputesForLease(ctx context.Context, lease address.Address) ([]KeyedDispute, error) {
	accounts, err := r.client.GetProgramAccounts(ctx, r.program,
		Memcmp{Offset: 0, Bytes: append(discDispute[:0:0], discDispute[:]...)},
		Memcmp{Offset: DisputeLeaseOffset, Bytes: lease.Bytes()},
	)
	if err != nil {
		return nil, err
	}
	out := make([]KeyedDispute, 0, len(accounts))
	for _, acct := range accounts {
		d, err := DecodeDispute(acct.Data)
		if err != nil {
			return nil, fmt.Errorf("ledger: dispute %s: %w", acct.Address, err)
		}
		out = append(out, KeyedDispute{Address: acct.Address, Dispute: d})
	}
	return out, nil
}
