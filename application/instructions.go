package application

import (
	"leaseflow/address"
	"leaseflow/ledger"
	"leaseflow/txassembler"
	"leaseflow/wire"
)

func applyLeaseIx(program address.Address, message ledger.ContentField, createdAt int64) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "apply_lease",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "config"},
			{Name: "listing"},
			{Name: "application", Writable: true},
			{Name: "applicant", Signer: true, Writable: true},
			{Name: "api_signer", Signer: true},
			{Name: "tenant_attest"},
			{Name: "system_program"},
		},
		Args:     wire.NewWriter().Raw(message[:]).I64(createdAt).Bytes(),
		CoSigner: "api_signer",
	}
}

// decisionIx builds approve_application and reject_application, which share
// their account layout.
func decisionIx(name string, program address.Address, applicant address.Address, createdAt int64) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    name,
		Program: program,
		Roles: []txassembler.Role{
			{Name: "listing"},
			{Name: "application", Writable: true},
			{Name: "owner", Signer: true},
		},
		Args: wire.NewWriter().Address(applicant).I64(createdAt).Bytes(),
	}
}

func withdrawIx(program address.Address) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "withdraw_application",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "application", Writable: true},
			{Name: "applicant", Signer: true, Writable: true},
		},
	}
}

func cancelApprovedIx(program address.Address, applicant address.Address, createdAt int64) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "cancel_approved_application",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "listing", Writable: true},
			{Name: "application", Writable: true},
			{Name: "signer", Signer: true},
		},
		Args: wire.NewWriter().Address(applicant).I64(createdAt).Bytes(),
	}
}
