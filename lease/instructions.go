package lease

import (
	"leaseflow/address"
	"leaseflow/ledger"
	"leaseflow/txassembler"
	"leaseflow/wire"
)

type createArgs struct {
	applicant    address.Address
	appCreatedAt int64
	start, end   int64
	paymentDay   uint8
	contract     ledger.ContentField
}

func createLeaseIx(program address.Address, a createArgs) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "create_lease",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "listing"},
			{Name: "application"},
			{Name: "lease", Writable: true},
			{Name: "landlord", Signer: true, Writable: true},
			{Name: "system_program"},
		},
		Args: wire.NewWriter().
			Address(a.applicant).
			I64(a.appCreatedAt).
			I64(a.start).
			I64(a.end).
			U8(a.paymentDay).
			Raw(a.contract[:]).
			Bytes(),
	}
}

func signLeaseIx(program address.Address) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "sign_lease",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "config"},
			{Name: "listing", Writable: true},
			{Name: "lease", Writable: true},
			{Name: "escrow", Writable: true},
			{Name: "tenant", Signer: true, Writable: true},
			{Name: "tenant_token", Writable: true},
			{Name: "landlord_token", Writable: true},
			{Name: "fee_receiver_token", Writable: true},
			{Name: "escrow_token", Writable: true},
			{Name: "usdc_mint"},
			{Name: "token_program"},
			{Name: "system_program"},
			{Name: "rent"},
		},
	}
}

func payRentIx(program address.Address) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "pay_rent",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "config"},
			{Name: "lease", Writable: true},
			{Name: "tenant", Signer: true, Writable: true},
			{Name: "tenant_token", Writable: true},
			{Name: "landlord_token", Writable: true},
			{Name: "fee_receiver_token", Writable: true},
			{Name: "token_program"},
		},
	}
}

func terminateIx(program address.Address) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "terminate_lease",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "listing", Writable: true},
			{Name: "lease", Writable: true},
			{Name: "escrow"},
			{Name: "signer", Signer: true},
		},
	}
}
