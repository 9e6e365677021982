package dispute

import (
	"leaseflow/address"
	"leaseflow/ledger"
)

// RaiseInput opens a dispute on a lease's deposit.
type RaiseInput struct {
	Initiator address.Address
	Lease     address.Address
	Reason    ledger.DisputeReason
}

// ResolveInput is the arbitrator's split of the escrowed deposit.
type ResolveInput struct {
	Arbitrator     address.Address
	Dispute        address.Address
	LandlordAmount uint64
	TenantAmount   uint64
}

// View mirrors a dispute account for clients.
type View struct {
	Address        address.Address `json:"address"`
	Lease          address.Address `json:"lease"`
	Initiator      address.Address `json:"initiator"`
	Reason         string          `json:"reason"`
	Status         string          `json:"status"`
	CreatedAt      int64           `json:"createdAt"`
	ResolvedAt     *int64          `json:"resolvedAt,omitempty"`
	LandlordAmount uint64          `json:"landlordAmount"`
	TenantAmount   uint64          `json:"tenantAmount"`
}

func reasonName(r ledger.DisputeReason) string {
	switch r {
	case ledger.ReasonDeposit:
		return "deposit"
	case ledger.ReasonOther:
		return "other"
	default:
		return "unknown"
	}
}

func newView(addr address.Address, d *ledger.Dispute) View {
	return View{
		Address:        addr,
		Lease:          d.Lease,
		Initiator:      d.Initiator,
		Reason:         reasonName(d.Reason),
		Status:         d.Status.String(),
		CreatedAt:      d.CreatedAt,
		ResolvedAt:     d.ResolvedAt,
		LandlordAmount: d.LandlordAmount,
		TenantAmount:   d.TenantAmount,
	}
}
