package models

import "time"

// DefaultBranchName is the branch every source has, declared or not.
const DefaultBranchName = "trunk"

// Source is one versioned lineage of a score under a work.
type Source struct {
	ID                 string    `db:"id" json:"sourceId"`
	WorkID             string    `db:"work_id" json:"workId"`
	Label              string    `db:"label" json:"label"`
	Format             string    `db:"format" json:"format"`
	IsPrimary          bool      `db:"is_primary" json:"isPrimary"`
	OwnerUserID        string    `db:"owner_user_id" json:"ownerUserId"`
	DefaultBranch      string    `db:"default_branch" json:"defaultBranch"`
	LatestRevisionID   string    `db:"latest_revision_id" json:"latestRevisionId,omitempty"`
	RevisionSeq        int64     `db:"revision_seq" json:"revisionCount"`
	License            string    `db:"license" json:"license,omitempty"`
	LicenseURL         string    `db:"license_url" json:"licenseUrl,omitempty"`
	LicenseAttribution string    `db:"license_attribution" json:"licenseAttribution,omitempty"`
	Version            int       `db:"version" json:"version"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time `db:"updated_at" json:"updatedAt"`
}

// TableName returns the table name for Source.
func (Source) TableName() string {
	return "sources"
}

// DefaultBranchOrTrunk returns the designated default branch name.
func (s *Source) DefaultBranchOrTrunk() string {
	if s.DefaultBranch == "" {
		return DefaultBranchName
	}
	return s.DefaultBranch
}

// IsProtectedBranch reports whether name can never be deleted.
func (s *Source) IsProtectedBranch(name string) bool {
	return name == DefaultBranchName || name == s.DefaultBranchOrTrunk()
}
