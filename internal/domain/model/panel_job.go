package model

import "time"

type PanelJobKind string

const (
	PanelJobProvision PanelJobKind = "provision"
	PanelJobDisable   PanelJobKind = "disable"
)

type PanelJobStatus string

const (
	PanelJobPending   PanelJobStatus = "pending"
	PanelJobDone      PanelJobStatus = "done"
	PanelJobExhausted PanelJobStatus = "exhausted" // retry budget spent, operator alerted
	PanelJobFailed    PanelJobStatus = "failed"    // terminal panel error, operator alerted
	PanelJobObsolete  PanelJobStatus = "obsolete"  // superseded by a later transition
)

// PanelJob tracks retries of a panel side effect separately from the subscription.
type PanelJob struct {
	ID              string
	Kind            PanelJobKind
	UserID          string
	InvoiceID       string // provision jobs
	PanelAccountRef string // account to disable, or the ref reserved by a provision attempt
	Attempts        int
	NextAttemptAt   time.Time
	Status          PanelJobStatus
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (j *PanelJob) Open() bool { return j != nil && j.Status == PanelJobPending }
