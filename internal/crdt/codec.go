package crdt

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// updateVersion prefixes every encoded update
const updateVersion byte = 1

// StateVector maps a client id to the highest contiguous seq integrated
type StateVector map[uint64]uint64

func (sv StateVector) clone() StateVector {
	out := make(StateVector, len(sv))
	for k, v := range sv {
		out[k] = v
	}
	return out
}

// Encode writes the vector as uvarint pairs sorted by client id
func (sv StateVector) Encode() []byte {
	clients := make([]uint64, 0, len(sv))
	for c := range sv {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	buf := binary.AppendUvarint(nil, uint64(len(clients)))
	for _, c := range clients {
		buf = binary.AppendUvarint(buf, c)
		buf = binary.AppendUvarint(buf, sv[c])
	}
	return buf
}

func DecodeStateVector(data []byte) (StateVector, error) {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: state vector length: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: state vector claims %d entries", ErrMalformedUpdate, n)
	}
	sv := make(StateVector, n)
	for i := uint64(0); i < n; i++ {
		c, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: state vector client: %v", ErrMalformedUpdate, err)
		}
		s, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: state vector seq: %v", ErrMalformedUpdate, err)
		}
		sv[c] = s
	}
	return sv, nil
}

func encodeOps(ops []Op) []byte {
	buf := []byte{updateVersion}
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	for _, op := range ops {
		buf = append(buf, byte(op.Kind))
		buf = binary.AppendUvarint(buf, op.ID.Client)
		buf = binary.AppendUvarint(buf, op.ID.Seq)
		buf = binary.AppendUvarint(buf, op.Lamport)
		buf = binary.AppendUvarint(buf, uint64(len(op.Text)))
		buf = append(buf, op.Text...)
		buf = binary.AppendUvarint(buf, op.Ref.Client)
		buf = binary.AppendUvarint(buf, op.Ref.Seq)
		if op.Kind == OpInsert {
			buf = binary.AppendUvarint(buf, uint64(op.Value))
		}
	}
	return buf
}

func decodeOps(data []byte) ([]Op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty update", ErrMalformedUpdate)
	}
	if data[0] != updateVersion {
		return nil, fmt.Errorf("%w: unknown version %d", ErrMalformedUpdate, data[0])
	}
	r := bytes.NewReader(data[1:])
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: op count: %v", ErrMalformedUpdate, err)
	}
	if n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: update claims %d ops", ErrMalformedUpdate, n)
	}

	ops := make([]Op, 0, n)
	for i := uint64(0); i < n; i++ {
		op, err := decodeOp(r)
		if err != nil {
			return nil, fmt.Errorf("%w: op %d: %v", ErrMalformedUpdate, i, err)
		}
		ops = append(ops, op)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedUpdate, r.Len())
	}
	return ops, nil
}

func decodeOp(r *bytes.Reader) (Op, error) {
	var op Op
	kind, err := r.ReadByte()
	if err != nil {
		return op, err
	}
	op.Kind = OpKind(kind)

	fields := []*uint64{&op.ID.Client, &op.ID.Seq, &op.Lamport}
	for _, f := range fields {
		if *f, err = binary.ReadUvarint(r); err != nil {
			return op, err
		}
	}

	nameLen, err := binary.ReadUvarint(r)
	if err != nil {
		return op, err
	}
	if nameLen > uint64(r.Len()) {
		return op, io.ErrUnexpectedEOF
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return op, err
	}
	op.Text = string(name)

	if op.Ref.Client, err = binary.ReadUvarint(r); err != nil {
		return op, err
	}
	if op.Ref.Seq, err = binary.ReadUvarint(r); err != nil {
		return op, err
	}
	if op.Kind == OpInsert {
		v, err := binary.ReadUvarint(r)
		if err != nil {
			return op, err
		}
		op.Value = rune(v)
	}
	return op, nil
}

// DecodeUpdate exposes the operations of an encoded update
func DecodeUpdate(update []byte) ([]Op, error) {
	return decodeOps(update)
}

// MergeUpdates concatenates encoded updates into one, preserving order
func MergeUpdates(updates ...[]byte) ([]byte, error) {
	var all []Op
	for _, u := range updates {
		ops, err := decodeOps(u)
		if err != nil {
			return nil, err
		}
		all = append(all, ops...)
	}
	return encodeOps(all), nil
}
