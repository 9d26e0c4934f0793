package models

// TriggerKind identifies how workflow runs are started.
type TriggerKind string

const (
	TriggerKindManual   TriggerKind = "MANUAL"
	TriggerKindEvent    TriggerKind = "EVENT"
	TriggerKindSchedule TriggerKind = "SCHEDULE"
)

// Trigger describes how a workflow is started.
type Trigger struct {
	Kind TriggerKind `json:"kind"               yaml:"kind"               validate:"required,oneof=MANUAL EVENT SCHEDULE"`
	// Pattern is a dot-separated subject filter, EVENT only.
	Pattern string `json:"pattern,omitempty"  yaml:"pattern,omitempty"  validate:"required_if=Kind EVENT"`
	// Schedule is a standard cron expression, SCHEDULE only.
	Schedule string `json:"schedule,omitempty" yaml:"schedule,omitempty" validate:"required_if=Kind SCHEDULE"`
}

// RunTrigger records what started a particular run.
type RunTrigger struct {
	Kind    TriggerKind `json:"kind"`
	EventID string      `json:"event_id,omitempty"`
}
