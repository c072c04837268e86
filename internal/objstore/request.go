// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package objstore

import (
	"fmt"
)

type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpWriteFull
	OpStat
	OpCall
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpRead:
		return "read"
	case OpWrite:
		return "write"
	case OpWriteFull:
		return "writefull"
	case OpStat:
		return "stat"
	case OpCall:
		return "call"
	case OpRemove:
		return "remove"
	}

	return fmt.Sprintf("op(%d)", int(k))
}

// Op is one step of a compound request. Input fields are filled by the
// submitter, output fields by the client once the step is executed.
type Op struct {
	Kind   OpKind
	Offset uint64

	// Destination buffer for reads, data for writes and encoded input for
	// class method calls.
	Data []byte

	Class  string
	Method string

	// Outputs.
	BytesRead int
	Out       []byte
	Stat      ObjectStat
}

func ReadOp(off uint64, buf []byte) *Op {
	return &Op{Kind: OpRead, Offset: off, Data: buf}
}

func WriteOp(off uint64, data []byte) *Op {
	return &Op{Kind: OpWrite, Offset: off, Data: data}
}

func WriteFullOp(data []byte) *Op {
	return &Op{Kind: OpWriteFull, Data: data}
}

func StatOp() *Op {
	return &Op{Kind: OpStat}
}

func CallOp(class, method string, in []byte) *Op {
	return &Op{Kind: OpCall, Class: class, Method: method, Data: in}
}

func RemoveOp() *Op {
	return &Op{Kind: OpRemove}
}

// Request is a compound operation on exactly one object. Ops are executed in
// order and the execution stops at the first failing op. Reads and stats see
// the revision selected by Snap, writes carry SnapContext.
//
// Callback is called exactly once after the request was accepted by
// Submit(). It runs on a client worker go routine and must not block.
type Request struct {
	Pool        int64
	Oid         string
	Snap        SnapID
	SnapContext SnapContext
	Ops         []*Op
	Callback    func(*Request)

	// Set by the client.
	Tid     uint64
	Result  error
	Version uint64

	prio bool
	done chan struct{}
}

// Returns a request reading the head revision with empty snapshot context.
func NewRequest(pool int64, oid string, ops ...*Op) *Request {
	return &Request{
		Pool: pool,
		Oid:  oid,
		Snap: NoSnap,
		Ops:  ops,
	}
}

func (r *Request) validate() error {
	if r.Oid == "" {
		return fmt.Errorf("empty object name: %w", ErrInvalidArgument)
	}

	if len(r.Ops) == 0 {
		return fmt.Errorf("request for %s has no ops: %w", r.Oid, ErrInvalidArgument)
	}

	for _, op := range r.Ops {
		if op.Kind == OpCall && (op.Class == "" || op.Method == "") {
			return fmt.Errorf("call without class or method on %s: %w", r.Oid, ErrInvalidArgument)
		}
	}

	return nil
}

func (r *Request) String() string {
	kinds := make([]string, len(r.Ops))
	for i, op := range r.Ops {
		kinds[i] = op.Kind.String()
	}

	return fmt.Sprintf("tid %d %d/%s %v", r.Tid, r.Pool, r.Oid, kinds)
}
