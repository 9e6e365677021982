package dispute

import (
	"leaseflow/address"
	"leaseflow/ledger"
	"leaseflow/txassembler"
	"leaseflow/wire"
)

func raiseIx(program address.Address, reason ledger.DisputeReason) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "raise_dispute",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "lease"},
			{Name: "escrow", Writable: true},
			{Name: "dispute", Writable: true},
			{Name: "initiator", Signer: true, Writable: true},
			{Name: "system_program"},
		},
		Args: wire.NewWriter().U8(uint8(reason)).Bytes(),
	}
}

func resolveIx(program address.Address, landlordAmount, tenantAmount uint64) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "resolve_dispute",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "config"},
			{Name: "lease"},
			{Name: "escrow", Writable: true},
			{Name: "dispute", Writable: true},
			{Name: "arbitrator", Signer: true},
			{Name: "escrow_token", Writable: true},
			{Name: "landlord_token", Writable: true},
			{Name: "tenant_token", Writable: true},
			{Name: "token_program"},
		},
		Args: wire.NewWriter().U64(landlordAmount).U64(tenantAmount).Bytes(),
	}
}
