// Package txn models the "macro-driven repeated transaction" pattern
// the version manager applies its mutations through: every change to
// persistent state is staged as a Mutation, the whole batch is
// marshaled into one Raft log entry, and only after that Apply future
// resolves does the caller mutate its in-memory view. This guarantees
// the in-memory and durable views never diverge on a partial failure.
package txn

import "encoding/json"

// Mutation is one named, JSON-encoded change to apply to the meta
// store. Op identifies which metastore.Store method the applier should
// invoke; Data is the marshaled argument.
type Mutation struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// Staged accumulates mutations for a single transaction before they are
// committed as one Raft log entry.
type Staged struct {
	Mutations []Mutation
}

// Stage appends a mutation with op and an argument that will be
// json.Marshal'd.
func (s *Staged) Stage(op string, arg interface{}) error {
	data, err := json.Marshal(arg)
	if err != nil {
		return err
	}
	s.Mutations = append(s.Mutations, Mutation{Op: op, Data: data})
	return nil
}

// Empty reports whether any mutation has been staged.
func (s *Staged) Empty() bool { return len(s.Mutations) == 0 }

// Batch is the wire form applied through Raft: an ordered list of
// mutations committed or rejected together.
type Batch struct {
	Mutations []Mutation `json:"mutations"`
}

// Encode marshals the staged mutations as a Batch ready for raft.Apply.
func (s *Staged) Encode() ([]byte, error) {
	return json.Marshal(Batch{Mutations: s.Mutations})
}

// Decode parses a Batch back out of raft log data.
func Decode(data []byte) (Batch, error) {
	var b Batch
	err := json.Unmarshal(data, &b)
	return b, err
}
