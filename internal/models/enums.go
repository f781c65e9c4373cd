package models

// Priority orders dispatch; a lower ordinal is dispatched first.
type Priority string

const (
	PriorityNRT          Priority = "nrt"
	PriorityDelayed      Priority = "delayed"
	PriorityReprocessing Priority = "reprocessing"
)

// Ordinal returns the dispatch rank of p. Unknown priorities sort last.
func (p Priority) Ordinal() int {
	switch p {
	case PriorityNRT:
		return 0
	case PriorityDelayed:
		return 1
	case PriorityReprocessing:
		return 2
	default:
		return 3
	}
}

// Mode is the atmospheric-correction processing mode.
type Mode string

const (
	ModeInit     Mode = "init"
	ModeNominal  Mode = "nominal"
	ModeBackward Mode = "backward"
)

// L2AStatus tracks the intermediate product of an atmospheric-correction job.
type L2AStatus string

const (
	L2AStatusPending           L2AStatus = "pending"
	L2AStatusGenerated         L2AStatus = "generated"
	L2AStatusGenerationAborted L2AStatus = "generation_aborted"
	L2AStatusDeleted           L2AStatus = "deleted"
)

// AssemblyStatus tracks the Sentinel-1 slice assembly owned by a radar-snow job.
type AssemblyStatus string

const (
	AssemblyStatusPending           AssemblyStatus = "pending"
	AssemblyStatusGenerated         AssemblyStatus = "generated"
	AssemblyStatusEmpty             AssemblyStatus = "empty"
	AssemblyStatusGenerationAborted AssemblyStatus = "generation_aborted"
	AssemblyStatusDeleted           AssemblyStatus = "deleted"
)

// Value returns the position of a in its declared order, the comparison the
// assembly master election relies on.
func (a AssemblyStatus) Value() int {
	switch a {
	case AssemblyStatusPending:
		return 1
	case AssemblyStatusGenerated:
		return 2
	case AssemblyStatusEmpty:
		return 3
	case AssemblyStatusGenerationAborted:
		return 4
	case AssemblyStatusDeleted:
		return 5
	default:
		return 0
	}
}

// ReprocessingContext marks jobs spawned outside the NRT flow.
type ReprocessingContext string

const (
	ReprocessingContextNone     ReprocessingContext = ""
	ReprocessingContextBackward ReprocessingContext = "backward"
)
