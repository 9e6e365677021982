package address

// Namespace tags expected by the ledger program.
const (
	NamespaceConfig      = "config"
	NamespaceListing     = "list"
	NamespaceApplication = "apply"
	NamespaceLease       = "lease"
	NamespaceEscrow      = "escrow"
	NamespaceEscrowVault = "escrow_token"
	NamespaceDispute     = "dispute"
)

// Deriver binds derivation to one deployed program.
type Deriver struct {
	programID Address
}

func NewDeriver(programID Address) *Deriver {
	return &Deriver{programID: programID}
}

func (d *Deriver) ProgramID() Address { return d.programID }

// Derive returns only the address; the bump is recomputed by the ledger.
func (d *Deriver) Derive(namespace string, parts ...[]byte) (Address, error) {
	a, _, err := Derive(d.programID, namespace, parts...)
	return a, err
}

func (d *Deriver) Config() (Address, error) {
	return d.Derive(NamespaceConfig)
}

func (d *Deriver) Listing(propertyAttest Address) (Address, error) {
	return d.Derive(NamespaceListing, Key(propertyAttest))
}

func (d *Deriver) Application(listing, applicant Address, createdAt int64) (Address, error) {
	return d.Derive(NamespaceApplication, Key(listing), Key(applicant), I64LE(createdAt))
}

func (d *Deriver) Lease(listing, tenant Address, startDate int64) (Address, error) {
	return d.Derive(NamespaceLease, Key(listing), Key(tenant), I64LE(startDate))
}

func (d *Deriver) Escrow(lease Address) (Address, error) {
	return d.Derive(NamespaceEscrow, Key(lease))
}

// EscrowVault is the token account holding the escrowed deposit.
func (d *Deriver) EscrowVault(lease Address) (Address, error) {
	return d.Derive(NamespaceEscrowVault, Key(lease))
}

func (d *Deriver) Dispute(lease, initiator Address) (Address, error) {
	return d.Derive(NamespaceDispute, Key(lease), Key(initiator))
}

// Well-known programs referenced by lifecycle instructions.
var (
	SystemProgramID          = MustParse("11111111111111111111111111111111")
	TokenProgramID           = MustParse("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = MustParse("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	RentSysvarID             = MustParse("SysvarRent111111111111111111111111111111111")
)

// TokenAccount is owner's associated token account for mint.
func (d *Deriver) TokenAccount(owner, mint Address) (Address, error) {
	a, _, err := FindProgramAddress(AssociatedTokenProgramID, Key(owner), Key(TokenProgramID), Key(mint))
	return a, err
}
