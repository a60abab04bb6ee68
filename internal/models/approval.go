package models

import "time"

// ApprovalStatus is the state of an approval record.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending_approval"
	ApprovalCommitted ApprovalStatus = "committed"
	ApprovalRejected  ApprovalStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalCommitted || s == ApprovalRejected
}

// ApprovalRecord holds a candidate commit awaiting the branch owner.
// It outlives rejection so the submission stays auditable.
type ApprovalRecord struct {
	ID             string          `db:"id" json:"approvalId"`
	WorkID         string          `db:"work_id" json:"workId"`
	SourceID       string          `db:"source_id" json:"sourceId"`
	Branch         string          `db:"branch" json:"branchName"`
	OwnerUserID    string          `db:"owner_user_id" json:"ownerUserId"`
	SubmittedBy    string          `db:"submitted_by" json:"submittedBy"`
	Status         ApprovalStatus  `db:"status" json:"status"`
	Filename       string          `db:"filename" json:"filename"`
	Format         string          `db:"format" json:"format"`
	CommitMessage  string          `db:"commit_message" json:"commitMessage,omitempty"`
	Payload        *StorageLocator `db:"payload" json:"-"`
	RevisionID     string          `db:"revision_id" json:"revisionId,omitempty"`
	SequenceNumber int64           `db:"sequence_number" json:"sequenceNumber,omitempty"`
	DecidedBy      string          `db:"decided_by" json:"decidedBy,omitempty"`
	DecidedAt      *time.Time      `db:"decided_at" json:"decidedAt,omitempty"`
	Reason         string          `db:"reason" json:"reason,omitempty"`
	Version        int             `db:"version" json:"version"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// TableName returns the table name for ApprovalRecord.
func (ApprovalRecord) TableName() string {
	return "approval_records"
}

// CanDecide reports whether actor may approve or reject the record.
func (a *ApprovalRecord) CanDecide(actor Actor) bool {
	return actor.IsAdmin() || (actor.UserID != "" && actor.UserID == a.OwnerUserID)
}
