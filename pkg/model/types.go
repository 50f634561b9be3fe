package model

// EngineType identifies the bulk transfer engine used.
type EngineType string

const (
	EngineRsync EngineType = "rsync"
	EngineCopy  EngineType = "copy"
)

// StagingState is a state of the staging state machine.
type StagingState string

const (
	StatePending      StagingState = "pending"
	StateMarkerSet    StagingState = "marker_set"
	StateStagingReady StagingState = "staging_ready"
	StateTransferring StagingState = "transferring"
	StatePromoted     StagingState = "promoted"
	StateSynced       StagingState = "synced"
)

// Outcome is the reported result of one relocation job.
type Outcome string

const (
	OutcomeMoved             Outcome = "moved"
	OutcomeAlreadyMoved      Outcome = "already_moved"
	OutcomeResumed           Outcome = "resumed"
	OutcomeInsufficientSpace Outcome = "insufficient_space"
	OutcomeRemoteSyncTimeout Outcome = "remote_sync_timeout"
	OutcomeFailed            Outcome = "failed"
)
