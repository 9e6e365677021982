package txassembler

import (
	"leaseflow/address"
	"leaseflow/wire"
)

type keyMeta struct {
	key      address.Address
	signer   bool
	writable bool
}

// compiledMessage is the legacy message without its recency token.
type compiledMessage struct {
	numSigners          uint8
	numReadonlySigned   uint8
	numReadonlyUnsigned uint8
	keys                []address.Address
	programIndex        uint8
	accountIndexes      []uint8
	data                []byte
}

// compile orders keys as the ledger expects: fee payer, writable signers,
// readonly signers, writable non-signers, readonly non-signers.
func compile(instr Instruction, accounts AccountSet, feePayer address.Address) compiledMessage {
	metas := make(map[address.Address]*keyMeta)
	order := make([]address.Address, 0, len(instr.Roles)+2)
	add := func(a address.Address, signer, writable bool) {
		if m, ok := metas[a]; ok {
			m.signer = m.signer || signer
			m.writable = m.writable || writable
			return
		}
		metas[a] = &keyMeta{key: a, signer: signer, writable: writable}
		order = append(order, a)
	}

	add(feePayer, true, true)
	for _, r := range instr.Roles {
		add(accounts[r.Name].Address, r.Signer, r.Writable)
	}
	add(instr.Program, false, false)

	var groups [4][]address.Address
	for _, a := range order[1:] {
		m := metas[a]
		switch {
		case m.signer && m.writable:
			groups[0] = append(groups[0], a)
		case m.signer:
			groups[1] = append(groups[1], a)
		case m.writable:
			groups[2] = append(groups[2], a)
		default:
			groups[3] = append(groups[3], a)
		}
	}

	msg := compiledMessage{keys: []address.Address{feePayer}}
	for _, g := range groups {
		msg.keys = append(msg.keys, g...)
	}
	msg.numSigners = uint8(1 + len(groups[0]) + len(groups[1]))
	msg.numReadonlySigned = uint8(len(groups[1]))
	msg.numReadonlyUnsigned = uint8(len(groups[3]))

	index := make(map[address.Address]uint8, len(msg.keys))
	for i, k := range msg.keys {
		index[k] = uint8(i)
	}
	msg.programIndex = index[instr.Program]
	for _, r := range instr.Roles {
		msg.accountIndexes = append(msg.accountIndexes, index[accounts[r.Name].Address])
	}
	msg.data = instr.Data()
	return msg
}

// serialize renders the message with the given recency token.
func (m compiledMessage) serialize(recency [32]byte) []byte {
	out := []byte{m.numSigners, m.numReadonlySigned, m.numReadonlyUnsigned}
	out = wire.AppendCompactU16(out, len(m.keys))
	for _, k := range m.keys {
		out = append(out, k[:]...)
	}
	out = append(out, recency[:]...)
	out = wire.AppendCompactU16(out, 1)
	out = append(out, m.programIndex)
	out = wire.AppendCompactU16(out, len(m.accountIndexes))
	out = append(out, m.accountIndexes...)
	out = wire.AppendCompactU16(out, len(m.data))
	return append(out, m.data...)
}

func (m compiledMessage) signerIndex(a address.Address) int {
	for i := 0; i < int(m.numSigners); i++ {
		if m.keys[i] == a {
			return i
		}
	}
	return -1
}
