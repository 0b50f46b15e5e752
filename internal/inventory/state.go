package inventory

// ScanState is the reader's inventory state.
type ScanState uint32

const (
	// Idle means no inventory cycle is in progress.
	Idle ScanState = iota
	// Scanning means an inventory cycle has been started and not yet closed.
	Scanning
)

// IsIdle returns if the current state is idle.
func (s ScanState) IsIdle() bool { return s == Idle }

// IsScanning returns if the current state is scanning.
func (s ScanState) IsScanning() bool { return s == Scanning }

// String returns string representation of the state.
func (s ScanState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scanning:
		return "scanning"
	default:
		return "unknown"
	}
}
