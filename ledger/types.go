// Package ledger holds the decoded views of on-ledger accounts, the JSON-RPC
// client that reads them, the cached Reader used by lifecycle services and
// the mapping from program rejection codes to domain errors.
package ledger

import (
	"math/bits"

	"leaseflow/address"
	"leaseflow/contentstore"
)

// SecondsPerDay and SecondsPerMonth follow the program's 30-day month.
const (
	SecondsPerDay   int64 = 86400
	SecondsPerMonth int64 = 30 * SecondsPerDay

	MaxFeeRateBps    = 1000
	MaxLeaseLeadTime = 30 * SecondsPerDay
	MinPaymentDay    = 1
	MaxPaymentDay    = 28
)

// ContentField is a zero-padded content id as stored on the ledger.
type ContentField = [contentstore.FieldWidth]byte

type ListingStatus uint8

const (
	ListingAvailable ListingStatus = iota
	ListingRented
	ListingDelisted
)

func (s ListingStatus) String() string {
	switch s {
	case ListingAvailable:
		return "available"
	case ListingRented:
		return "rented"
	case ListingDelisted:
		return "delisted"
	default:
		return "unknown"
	}
}

type ApplicationStatus uint8

const (
	ApplicationPending ApplicationStatus = iota
	ApplicationApproved
	ApplicationRejected
	ApplicationWithdrawn
)

func (s ApplicationStatus) String() string {
	switch s {
	case ApplicationPending:
		return "pending"
	case ApplicationApproved:
		return "approved"
	case ApplicationRejected:
		return "rejected"
	case ApplicationWithdrawn:
		return "withdrawn"
	default:
		return "unknown"
	}
}

type LeaseStatus uint8

const (
	LeaseActive LeaseStatus = iota
	LeaseCompleted
	LeaseTerminated
)

func (s LeaseStatus) String() string {
	switch s {
	case LeaseActive:
		return "active"
	case LeaseCompleted:
		return "completed"
	case LeaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type EscrowStatus uint8

const (
	EscrowHolding EscrowStatus = iota
	EscrowReleasing
	EscrowReleased
)

func (s EscrowStatus) String() string {
	switch s {
	case EscrowHolding:
		return "holding"
	case EscrowReleasing:
		return "releasing"
	case EscrowReleased:
		return "released"
	default:
		return "unknown"
	}
}

type DisputeStatus uint8

const (
	DisputeOpen DisputeStatus = iota
	DisputeResolved
)

func (s DisputeStatus) String() string {
	if s == DisputeOpen {
		return "open"
	}
	if s == DisputeResolved {
		return "resolved"
	}
	return "unknown"
}

type DisputeReason uint8

const (
	ReasonDeposit DisputeReason = iota
	ReasonOther
)

func (r DisputeReason) Valid() bool { return r == ReasonDeposit || r == ReasonOther }

// Config is the program's singleton configuration account.
type Config struct {
	Authority   address.Address
	APISigner   address.Address
	Arbitrator  address.Address
	FeeReceiver address.Address
	Mint        address.Address
	FeeRateBps  uint16
	Initialized bool
}

type Listing struct {
	Owner          address.Address
	PropertyAttest address.Address
	Rent           uint64
	Deposit        uint64
	BuildingArea   uint32
	Status         ListingStatus
	MetadataURI    ContentField
	CurrentTenant  *address.Address
	CreatedAt      int64
	UpdatedAt      int64
}

type Application struct {
	Listing      address.Address
	Applicant    address.Address
	TenantAttest address.Address
	MessageURI   ContentField
	Status       ApplicationStatus
	CreatedAt    int64
	UpdatedAt    int64
}

type Lease struct {
	Listing        address.Address
	Landlord       address.Address
	Tenant         address.Address
	TenantAttest   address.Address
	Rent           uint64
	Deposit        uint64
	StartDate      int64
	EndDate        int64
	PaymentDay     uint8
	PaidMonths     uint32
	LastPayment    int64
	LandlordSigned bool
	TenantSigned   bool
	Status         LeaseStatus
	ContractURI    ContentField
	CreatedAt      int64
}

// Effective reports whether both parties have signed.
func (l *Lease) Effective() bool { return l.LandlordSigned && l.TenantSigned }

// IsParty reports whether who is the landlord or the tenant.
func (l *Lease) IsParty(who address.Address) bool {
	return who == l.Landlord || who == l.Tenant
}

type Escrow struct {
	Lease             address.Address
	Amount            uint64
	Status            EscrowStatus
	ReleaseToLandlord uint64
	ReleaseToTenant   uint64
	LandlordConfirmed bool
	TenantConfirmed   bool
	HasDispute        bool
	CreatedAt         int64
}

type Dispute struct {
	Lease          address.Address
	Initiator      address.Address
	Reason         DisputeReason
	Status         DisputeStatus
	CreatedAt      int64
	ResolvedAt     *int64
	LandlordAmount uint64
	TenantAmount   uint64
}

// ElapsedWholeMonths counts 30-day months from start to now, and is zero
// before start.
func ElapsedWholeMonths(now, start int64) int64 {
	if now < start {
		return 0
	}
	return (now - start) / SecondsPerMonth
}

// SplitMatches reports whether landlord and tenant add up to exactly total
// without wrapping around.
func SplitMatches(total, landlord, tenant uint64) bool {
	sum, carry := bits.Add64(landlord, tenant, 0)
	return carry == 0 && sum == total
}

// Fee computes the platform fee on amount in basis points.
func Fee(amount uint64, feeRateBps uint16) uint64 {
	hi, lo := amount/10000, amount%10000
	return hi*uint64(feeRateBps) + lo*uint64(feeRateBps)/10000
}
