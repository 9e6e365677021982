package ledger

import (
	"fmt"

	"leaseflow/wire"
)

var (
	discConfig      = wire.Discriminator("account", "Config")
	discListing     = wire.Discriminator("account", "Listing")
	discApplication = wire.Discriminator("account", "Application")
	discLease       = wire.Discriminator("account", "Lease")
	discEscrow      = wire.Discriminator("account", "Escrow")
	discDispute     = wire.Discriminator("account", "Dispute")
)

// ApplicationListingOffset is where the listing key starts in an application
// account, used by memcmp filters.
const ApplicationListingOffset = 8

// DisputeLeaseOffset is where the lease key starts in a dispute account.
const DisputeLeaseOffset = 8

func EncodeConfig(c *Config) []byte {
	return wire.NewWriter().
		Raw(discConfig[:]).
		Address(c.Authority).
		Address(c.APISigner).
		Address(c.Arbitrator).
		Address(c.FeeReceiver).
		Address(c.Mint).
		U16(c.FeeRateBps).
		Bool(c.Initialized).
		Bytes()
}

func DecodeConfig(b []byte) (*Config, error) {
	r := wire.NewReader(b)
	r.Expect(discConfig)
	c := &Config{
		Authority:   r.Address(),
		APISigner:   r.Address(),
		Arbitrator:  r.Address(),
		FeeReceiver: r.Address(),
		Mint:        r.Address(),
		FeeRateBps:  r.U16(),
		Initialized: r.Bool(),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decode config: %w", err)
	}
	return c, nil
}

func EncodeListing(l *Listing) []byte {
	return wire.NewWriter().
		Raw(discListing[:]).
		Address(l.Owner).
		Address(l.PropertyAttest).
		U64(l.Rent).
		U64(l.Deposit).
		U32(l.BuildingArea).
		U8(uint8(l.Status)).
		Raw(l.MetadataURI[:]).
		OptionAddress(l.CurrentTenant).
		I64(l.CreatedAt).
		I64(l.UpdatedAt).
		Bytes()
}

func DecodeListing(b []byte) (*Listing, error) {
	r := wire.NewReader(b)
	r.Expect(discListing)
	l := &Listing{
		Owner:          r.Address(),
		PropertyAttest: r.Address(),
		Rent:           r.U64(),
		Deposit:        r.U64(),
		BuildingArea:   r.U32(),
		Status:         ListingStatus(r.U8()),
	}
	copy(l.MetadataURI[:], r.Raw(len(l.MetadataURI)))
	l.CurrentTenant = r.OptionAddress()
	l.CreatedAt = r.I64()
	l.UpdatedAt = r.I64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decode listing: %w", err)
	}
	return l, nil
}

func EncodeApplication(a *Application) []byte {
	return wire.NewWriter().
		Raw(discApplication[:]).
		Address(a.Listing).
		Address(a.Applicant).
		Address(a.TenantAttest).
		Raw(a.MessageURI[:]).
		U8(uint8(a.Status)).
		I64(a.CreatedAt).
		I64(a.UpdatedAt).
		Bytes()
}

func DecodeApplication(b []byte) (*Application, error) {
	r := wire.NewReader(b)
	r.Expect(discApplication)
	a := &Application{
		Listing:      r.Address(),
		Applicant:    r.Address(),
		TenantAttest: r.Address(),
	}
	copy(a.MessageURI[:], r.Raw(len(a.MessageURI)))
	a.Status = ApplicationStatus(r.U8())
	a.CreatedAt = r.I64()
	a.UpdatedAt = r.I64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decode application: %w", err)
	}
	return a, nil
}

func EncodeLease(l *Lease) []byte {
	return wire.NewWriter().
		Raw(discLease[:]).
		Address(l.Listing).
		Address(l.Landlord).
		Address(l.Tenant).
		Address(l.TenantAttest).
		U64(l.Rent).
		U64(l.Deposit).
		I64(l.StartDate).
		I64(l.EndDate).
		U8(l.PaymentDay).
		U32(l.PaidMonths).
		I64(l.LastPayment).
		Bool(l.LandlordSigned).
		Bool(l.TenantSigned).
		U8(uint8(l.Status)).
		Raw(l.ContractURI[:]).
		I64(l.CreatedAt).
		Bytes()
}

func DecodeLease(b []byte) (*Lease, error) {
	r := wire.NewReader(b)
	r.Expect(discLease)
	l := &Lease{
		Listing:        r.Address(),
		Landlord:       r.Address(),
		Tenant:         r.Address(),
		TenantAttest:   r.Address(),
		Rent:           r.U64(),
		Deposit:        r.U64(),
		StartDate:      r.I64(),
		EndDate:        r.I64(),
		PaymentDay:     r.U8(),
		PaidMonths:     r.U32(),
		LastPayment:    r.I64(),
		LandlordSigned: r.Bool(),
		TenantSigned:   r.Bool(),
		Status:         LeaseStatus(r.U8()),
	}
	copy(l.ContractURI[:], r.Raw(len(l.ContractURI)))
	l.CreatedAt = r.I64()
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decode lease: %w", err)
	}
	return l, nil
}

func EncodeEscrow(e *Escrow) []byte {
	return wire.NewWriter().
		Raw(discEscrow[:]).
		Address(e.Lease).
		U64(e.Amount).
		U8(uint8(e.Status)).
		U64(e.ReleaseToLandlord).
		U64(e.ReleaseToTenant).
		Bool(e.LandlordConfirmed).
		Bool(e.TenantConfirmed).
		Bool(e.HasDispute).
		I64(e.CreatedAt).
		Bytes()
}

func DecodeEscrow(b []byte) (*Escrow, error) {
	r := wire.NewReader(b)
	r.Expect(discEscrow)
	e := &Escrow{
		Lease:             r.Address(),
		Amount:            r.U64(),
		Status:            EscrowStatus(r.U8()),
		ReleaseToLandlord: r.U64(),
		ReleaseToTenant:   r.U64(),
		LandlordConfirmed: r.Bool(),
		TenantConfirmed:   r.Bool(),
		HasDispute:        r.Bool(),
		CreatedAt:         r.I64(),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decode escrow: %w", err)
	}
	return e, nil
}

func EncodeDispute(d *Dispute) []byte {
	return wire.NewWriter().
		Raw(discDispute[:]).
		Address(d.Lease).
		Address(d.Initiator).
		U8(uint8(d.Reason)).
		U8(uint8(d.Status)).
		I64(d.CreatedAt).
		OptionI64(d.ResolvedAt).
		U64(d.LandlordAmount).
		U64(d.TenantAmount).
		Bytes()
}

func DecodeDispute(b []byte) (*Dispute, error) {
	r := wire.NewReader(b)
	r.Expect(discDispute)
	d := &Dispute{
		Lease:          r.Address(),
		Initiator:      r.Address(),
		Reason:         DisputeReason(r.U8()),
		Status:         DisputeStatus(r.U8()),
		CreatedAt:      r.I64(),
		ResolvedAt:     r.OptionI64(),
		LandlordAmount: r.U64(),
		TenantAmount:   r.U64(),
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("ledger: decode dispute: %w", err)
	}
	return d, nil
}

// Kind names an account type for fanout deltas and decoding by tag.
type Kind string

const (
	KindListing     Kind = "listing"
	KindApplication Kind = "application"
	KindLease       Kind = "lease"
	KindEscrow      Kind = "escrow"
	KindDispute     Kind = "dispute"
)

func (k Kind) Valid() bool {
	switch k {
	case KindListing, KindApplication, KindLease, KindEscrow, KindDispute:
		return true
	}
	return false
}

// Decode decodes account bytes of the given kind.
func Decode(kind Kind, b []byte) (any, error) {
	switch kind {
	case KindListing:
		return DecodeListing(b)
	case KindApplication:
		return DecodeApplication(b)
	case KindLease:
		return DecodeLease(b)
	case KindEscrow:
		return DecodeEscrow(b)
	case KindDispute:
		return DecodeDispute(b)
	default:
		return nil, fmt.Errorf("ledger: unknown account kind %q", kind)
	}
}
