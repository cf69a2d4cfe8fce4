package converge

import "github.com/roach88/statekernel/internal/fieldpath"

// Outcome is the result class of a convergence pass.
type Outcome string

const (
	OutcomeConverged Outcome = "Converged"
	OutcomeDegraded  Outcome = "Degraded"
)

// Reason is one factor that drove a convergence decision.
type Reason string

const (
	ReasonDirtyEmpty    Reason = "dirty_empty"
	ReasonDirtyAll      Reason = "dirty_all"
	ReasonModeFull      Reason = "mode_full"
	ReasonCacheHit      Reason = "cache_hit"
	ReasonCacheMiss     Reason = "cache_miss"
	ReasonCacheDisabled Reason = "cache_disabled"
	ReasonBudgetCutoff  Reason = "budget_cutoff"
	ReasonStepError     Reason = "step_error"
)

// Degraded reason tallies.
const (
	DegradedBudgetExceeded = "budget_exceeded"
	DegradedRuntimeError   = "runtime_error"
)

// maxEvidenceRoots caps the dirty roots listed in evidence so an event stays
// within a few KB.
const maxEvidenceRoots = 16

// Evidence records one convergence decision. Consumers must tolerate new
// fields. Contains no floats.
type Evidence struct {
	TxnSeq          int64          `json:"txnSeq"`
	Module          string         `json:"module"`
	RequestedMode   Mode           `json:"requestedMode"`
	ExecutedMode    Mode           `json:"executedMode"`
	Outcome         Outcome        `json:"outcome"`
	ConfigScope     ConfigScope    `json:"configScope"`
	StaticIRDigest  string         `json:"staticIrDigest"`
	Reasons         []Reason       `json:"reasons"`
	DegradedReasons map[string]int `json:"degradedReasons,omitempty"`
	StepStats       StepStats      `json:"stepStats"`
	Dirty           DirtyEvidence  `json:"dirty"`
	Cache           CacheEvidence  `json:"cache"`
	DurationMicros  int64          `json:"durationUs"`
}

// StepStats counts steps of one pass.
type StepStats struct {
	TotalSteps    int `json:"totalSteps"`
	ExecutedSteps int `json:"executedSteps"`
	SkippedSteps  int `json:"skippedSteps"`
	ChangedSteps  int `json:"changedSteps"`
}

// DirtyEvidence summarizes the dirty set.
type DirtyEvidence struct {
	All       bool        `json:"dirtyAll"`
	Reason    DirtyReason `json:"reason,omitempty"`
	RootCount int         `json:"rootCount"`
	Roots     []string    `json:"roots,omitempty"`
	Truncated bool        `json:"truncated,omitempty"`
}

// CacheEvidence summarizes the plan cache after the pass.
type CacheEvidence struct {
	Hit             bool   `json:"hit"`
	Hits            int64  `json:"hits"`
	Misses          int64  `json:"misses"`
	Evicts          int64  `json:"evicts"`
	Size            int    `json:"size"`
	Capacity        int    `json:"capacity"`
	Disabled        bool   `json:"disabled"`
	DisableReason   string `json:"disableReason,omitempty"`
	HitRatePermille int    `json:"hitRatePermille"`
}

func dirtyEvidence(d DirtySet, reg *fieldpath.Registry) DirtyEvidence {
	ev := DirtyEvidence{All: d.All, Reason: d.Reason, RootCount: len(d.Roots)}
	for i, id := range d.Roots {
		if i == maxEvidenceRoots {
			ev.Truncated = true
			break
		}
		ev.Roots = append(ev.Roots, reg.Path(id).String())
	}
	return ev
}

func cacheEvidence(s CacheStats, hit bool) CacheEvidence {
	return CacheEvidence{
		Hit:             hit,
		Hits:            s.Hits,
		Misses:          s.Misses,
		Evicts:          s.Evicts,
		Size:            s.Size,
		Capacity:        s.Capacity,
		Disabled:        s.Disabled,
		DisableReason:   s.DisableReason,
		HitRatePermille: s.HitRatePermille,
	}
}
