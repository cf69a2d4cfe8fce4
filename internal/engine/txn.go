package engine

import (
	"github.com/roach88/statekernel/internal/converge"
	"github.com/roach88/statekernel/internal/state"
	"github.com/roach88/statekernel/internal/validate"
)

// Lane is the priority class of a transaction.
type Lane string

const (
	LaneUrgent    Lane = "urgent"
	LaneNonUrgent Lane = "nonUrgent"
)

// Origin records what started a transaction.
type Origin string

const (
	OriginUser              Origin = "user"
	OriginSourceRefresh     Origin = "traitSourceRefresh"
	OriginExternalWriteback Origin = "externalStoreWriteback"
	OriginReload            Origin = "reload"
)

// Txn is one unit of work against a module instance.
//
// Patch ops are applied first, then Body runs on the same draft. Either may
// be empty. The draft is committed only if both succeed.
type Txn struct {
	Lane   Lane
	Origin Origin
	Label  string

	Patch []state.Op
	Body  func(d *state.Draft) error

	// Validate lists explicit validation requests. Checks triggered by
	// convergence run in addition.
	Validate []validate.Request
}

// Commit is the published result of a transaction.
type Commit struct {
	TxnSeq   int64
	Lane     Lane
	Origin   Origin
	Label    string
	Snapshot *state.Snapshot
	Errors   *validate.ErrorTree
	Evidence converge.Evidence

	SourceRefreshes []converge.SourceRefresh
}

// TxnResult is delivered once per submitted transaction.
type TxnResult struct {
	Commit Commit
	Err    error
}
