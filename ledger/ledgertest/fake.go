// Package ledgertest provides an in-memory ledger for tests of packages that
// read ledger state.
package ledgertest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"

	"leaseflow/address"
	"leaseflow/ledger"
)

// BlockhashValidity is how many blocks a fake recency token stays valid.
const BlockhashValidity = 150

// Fake implements ledger.Client over a map of accounts.
type Fake struct {
	mu           sync.Mutex
	accounts     map[address.Address][]byte
	height       uint64
	err          error
	accountReads int
	hashReads    int
}

func NewFake() *Fake {
	return &Fake{accounts: make(map[address.Address][]byte), height: 1000}
}

// Put stores raw account bytes.
func (f *Fake) Put(addr address.Address, data []byte) {
	f.mu.Lock()
	f.accounts[addr] = bytes.Clone(data)
	f.mu.Unlock()
}

func (f *Fake) Delete(addr address.Address) {
	f.mu.Lock()
	delete(f.accounts, addr)
	f.mu.Unlock()
}

func (f *Fake) PutConfig(addr address.Address, v *ledger.Config) { f.Put(addr, ledger.EncodeConfig(v)) }
func (f *Fake) PutListing(addr address.Address, v *ledger.Listing) {
	f.Put(addr, ledger.EncodeListing(v))
}
func (f *Fake) PutApplication(addr address.Address, v *ledger.Application) {
	f.Put(addr, ledger.EncodeApplication(v))
}
func (f *Fake) PutLease(addr address.Address, v *ledger.Lease)   { f.Put(addr, ledger.EncodeLease(v)) }
func (f *Fake) PutEscrow(addr address.Address, v *ledger.Escrow) { f.Put(addr, ledger.EncodeEscrow(v)) }
func (f *Fake) PutDispute(addr address.Address, v *ledger.Dispute) {
	f.Put(addr, ledger.EncodeDispute(v))
}

// SetHeight moves the block height.
func (f *Fake) SetHeight(h uint64) {
	f.mu.Lock()
	f.height = h
	f.mu.Unlock()
}

// Advance adds n to the block height.
func (f *Fake) Advance(n uint64) {
	f.mu.Lock()
	f.height += n
	f.mu.Unlock()
}

// FailWith makes every call return err until cleared with nil.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// AccountReads counts GetAccount calls.
func (f *Fake) AccountReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accountReads
}

// BlockhashReads counts LatestBlockhash calls.
func (f *Fake) BlockhashReads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hashReads
}

func (f *Fake) GetAccount(ctx context.Context, addr address.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountReads++
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.accounts[addr]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return bytes.Clone(data), nil
}

func (f *Fake) GetProgramAccounts(ctx context.Context, program address.Address, filters ...ledger.Memcmp) ([]ledger.KeyedAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out []ledger.KeyedAccount
	for addr, data := range f.accounts {
		if matches(data, filters) {
			out = append(out, ledger.KeyedAccount{Address: addr, Data: bytes.Clone(data)})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

func matches(data []byte, filters []ledger.Memcmp) bool {
	for _, f := range filters {
		end := f.Offset + len(f.Bytes)
		if end > len(data) || !bytes.Equal(data[f.Offset:end], f.Bytes) {
			return false
		}
	}
	return true
}

func (f *Fake) LatestBlockhash(ctx context.Context) (ledger.Blockhash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hashReads++
	if f.err != nil {
		return ledger.Blockhash{}, f.err
	}
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], f.height)
	return ledger.Blockhash{
		Hash:            sha256.Sum256(seed[:]),
		LastValidHeight: f.height + BlockhashValidity,
	}, nil
}

func (f *Fake) BlockHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.height, nil
}
