package listing

import (
	"leaseflow/address"
	"leaseflow/contentstore"
	"leaseflow/ledger"
)

// Metadata is the JSON document a listing's metadata field points at. The
// ledger account carries only terms and status; everything a renter reads
// about the property lives here.
type Metadata struct {
	Address      string                   `json:"address"`
	BuildingArea uint32                   `json:"buildingArea"`
	Use          string                   `json:"use"`
	Title        string                   `json:"title"`
	Description  string                   `json:"description,omitempty"`
	Images       []contentstore.ContentID `json:"images,omitempty"`
	Rent         uint64                   `json:"rent"`
	Deposit      uint64                   `json:"deposit"`
}

// CreateInput describes a new listing. CredentialID names the validated
// property disclosure that backs it.
type CreateInput struct {
	Owner          address.Address
	PropertyAttest address.Address
	CredentialID   string
	Rent           uint64
	Deposit        uint64
	Title          string
	Description    string
	Images         []contentstore.ContentID
}

// UpdateInput changes a listing's terms or metadata. Nil fields keep their
// current value.
type UpdateInput struct {
	Owner       address.Address
	Listing     address.Address
	Rent        *uint64
	Deposit     *uint64
	Title       *string
	Description *string
	Images      []contentstore.ContentID
}

func (in UpdateInput) touchesMetadata() bool {
	return in.Title != nil || in.Description != nil || in.Images != nil
}

// View is a listing as served to clients.
type View struct {
	Address        address.Address        `json:"address"`
	Owner          address.Address        `json:"owner"`
	PropertyAttest address.Address        `json:"propertyAttest"`
	Rent           uint64                 `json:"rent"`
	Deposit        uint64                 `json:"deposit"`
	BuildingArea   uint32                 `json:"buildingArea"`
	Status         string                 `json:"status"`
	CurrentTenant  *address.Address       `json:"currentTenant,omitempty"`
	MetadataID     contentstore.ContentID `json:"metadataId"`
	Metadata       *Metadata              `json:"metadata,omitempty"`
	CreatedAt      int64                  `json:"createdAt"`
	UpdatedAt      int64                  `json:"updatedAt"`
}

func newView(addr address.Address, l *ledger.Listing) View {
	return View{
		Address:        addr,
		Owner:          l.Owner,
		PropertyAttest: l.PropertyAttest,
		Rent:           l.Rent,
		Deposit:        l.Deposit,
		BuildingArea:   l.BuildingArea,
		Status:         l.Status.String(),
		CurrentTenant:  l.CurrentTenant,
		MetadataID:     contentstore.DecodeFromFixedField(l.MetadataURI),
		CreatedAt:      l.CreatedAt,
		UpdatedAt:      l.UpdatedAt,
	}
}
