package escrow

import (
	"leaseflow/address"
	"leaseflow/txassembler"
	"leaseflow/wire"
)

func initiateReleaseIx(program address.Address, landlordAmount, tenantAmount uint64) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "initiate_release",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "lease"},
			{Name: "escrow", Writable: true},
			{Name: "signer", Signer: true},
		},
		Args: wire.NewWriter().U64(landlordAmount).U64(tenantAmount).Bytes(),
	}
}

func confirmReleaseIx(program address.Address) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "confirm_release",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "config"},
			{Name: "listing", Writable: true},
			{Name: "lease"},
			{Name: "escrow", Writable: true},
			{Name: "signer", Signer: true},
			{Name: "escrow_token", Writable: true},
			{Name: "landlord_token", Writable: true},
			{Name: "tenant_token", Writable: true},
			{Name: "token_program"},
		},
	}
}
