package sync

import (
	"time"

	"github.com/schaermu/assetsync/internal/progress"
	"github.com/schaermu/assetsync/internal/validate"
)

// State is a step of the operation state machine
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateValidating   State = "validating"
	StateDownloading  State = "downloading"
	StateFinalizing   State = "finalizing"
	StateCompleted    State = "completed"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
)

// Kind identifies the operation being run
type Kind string

const (
	KindInstall Kind = "install"
	KindRepair  Kind = "repair"
	KindVerify  Kind = "verify"
)

// RepairMode selects how a repair sources its resource list
type RepairMode string

const (
	// RepairQuick prefers the local manifest written by the last sync.
	RepairQuick RepairMode = "quick"
	// RepairFull always fetches the remote manifest and deep-validates.
	RepairFull RepairMode = "full"
)

// RepairOptions configures a repair
type RepairOptions struct {
	Mode RepairMode
	// SizeOnly skips hashing during the initial validation of a quick
	// repair. The final integrity pass always hashes.
	SizeOnly bool
}

// Request describes an operation to start
type Request struct {
	Kind        Kind
	InstallPath string // empty resolves from config, then the settings store
	Channel     string // empty uses manifest.channel
	Repair      RepairOptions
}

// Result summarizes a finished operation
type Result struct {
	OperationID  string          `json:"operationId"`
	Kind         Kind            `json:"kind"`
	InstallPath  string          `json:"installPath"`
	Version      string          `json:"version"`
	Status       progress.Status `json:"status"`
	Checked      int             `json:"checked"`
	Invalid      int             `json:"invalid"`
	InvalidFiles []string        `json:"invalidFiles,omitempty"`
	Downloaded   int             `json:"downloaded"`
	Bytes        int64           `json:"bytes"`
	Duration     time.Duration   `json:"duration"`
}

// Status is a point-in-time view of the engine
type Status struct {
	State       State            `json:"state"`
	Kind        Kind             `json:"kind,omitempty"`
	OperationID string           `json:"operationId,omitempty"`
	Paused      bool             `json:"paused"`
	InFlight    int              `json:"inFlight"`
	Metrics     progress.Metrics `json:"metrics"`
}

// validationMode returns the mode for the initial validation of req.
func (r Request) validationMode() validate.Mode {
	if r.Kind == KindRepair && r.Repair.Mode == RepairQuick && r.Repair.SizeOnly {
		return validate.ModeQuick
	}
	return validate.ModeDeep
}
