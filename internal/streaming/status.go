package streaming

// Status is the lifecycle state of a single query run.
type Status string

// Query run statuses. Terminated is absorbing.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusActive       Status = "ACTIVE"
	StatusIdle         Status = "IDLE"
	StatusStopping     Status = "STOPPING"
	StatusTerminated   Status = "TERMINATED"
)

// IsActive reports whether the run counts as active for Manager.Active.
func (s Status) IsActive() bool {
	return s == StatusActive || s == StatusIdle
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusTerminated
}

func (s Status) String() string {
	return string(s)
}
