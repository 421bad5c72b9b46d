package gc

// State is the lifecycle position of one log file.
type State int

const (
	Live State = iota
	// Candidate files are utilized below the threshold.
	Candidate
	Cleaning
	// PendingDeletion files were cleaned; they are removed once no
	// transaction older than the cleaning commit is running.
	PendingDeletion
	Deleted
)

func (s State) String() string {
	switch s {
	case Live:
		return "live"
	case Candidate:
		return "candidate"
	case Cleaning:
		return "cleaning"
	case PendingDeletion:
		return "pending-deletion"
	case Deleted:
		return "deleted"
	}
	return "unknown"
}

// FileStats is a snapshot of one file's utilization.
type FileStats struct {
	Address int64  `json:"address"`
	Size    int64  `json:"size"`
	Expired int64  `json:"expired"`
	State   string `json:"state"`
	// Sequence of the commit that cleaned the file
	Sequence uint64 `json:"sequence,omitempty"`
}

// Utilization returns the live share of the file in percent.
func (s FileStats) Utilization() int {
	if s.Size <= 0 {
		return 100
	}
	live := s.Size - s.Expired
	if live < 0 {
		live = 0
	}
	return int(live * 100 / s.Size)
}
