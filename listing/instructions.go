package listing

import (
	"leaseflow/address"
	"leaseflow/ledger"
	"leaseflow/txassembler"
	"leaseflow/wire"
)

func createListingIx(program address.Address, buildingArea uint32, rent, deposit uint64, metadata ledger.ContentField) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "create_listing",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "config"},
			{Name: "listing", Writable: true},
			{Name: "owner", Signer: true, Writable: true},
			{Name: "api_signer", Signer: true},
			{Name: "property_attest"},
			{Name: "system_program"},
		},
		Args:     wire.NewWriter().U32(buildingArea).U64(rent).U64(deposit).Raw(metadata[:]).Bytes(),
		CoSigner: "api_signer",
	}
}

func toggleListingIx(program address.Address) txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "toggle_listing",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "listing", Writable: true},
			{Name: "owner", Signer: true},
		},
	}
}

func updateListingIx(program address.Address, rent, deposit *uint64, metadata *ledger.ContentField) txassembler.Instruction {
	w := wire.NewWriter()
	for _, v := range []*uint64{rent, deposit} {
		w.Bool(v != nil)
		if v != nil {
			w.U64(*v)
		}
	}
	w.Bool(metadata != nil)
	if metadata != nil {
		w.Raw(metadata[:])
	}
	return txassembler.Instruction{
		Name:    "update_listing",
		Program: program,
		Roles: []txassembler.Role{
			{Name: "listing", Writable: true},
			{Name: "owner", Signer: true},
		},
		Args: w.Bytes(),
	}
}
