package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldSessionID = "session_id"
	FieldHolder    = "holder"
	FieldEvent     = "event"
	FieldPhase     = "phase"
	FieldCycle     = "cycle"
	FieldTool      = "tool"
	FieldBackend   = "backend"
	FieldPath      = "path"
)
