package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// BranchPolicy governs who may commit directly to a branch.
// The zero value is not a valid policy.
type BranchPolicy struct {
	kind string
}

var (
	// PolicyOpen lets anyone commit.
	PolicyOpen = BranchPolicy{kind: "public"}
	// PolicyOwnerApproval routes non-owner commits through the owner.
	PolicyOwnerApproval = BranchPolicy{kind: "owner_approval"}
)

// ParsePolicy accepts the wire names. "open" is accepted as an alias of
// "public".
func ParsePolicy(s string) (BranchPolicy, error) {
	switch s {
	case "public", "open":
		return PolicyOpen, nil
	case "owner_approval":
		return PolicyOwnerApproval, nil
	default:
		return BranchPolicy{}, fmt.Errorf("invalid branch policy %q", s)
	}
}

// String returns the wire name of the policy.
func (p BranchPolicy) String() string {
	return p.kind
}

// Valid reports whether p is one of the declared policies.
func (p BranchPolicy) Valid() bool {
	return p == PolicyOpen || p == PolicyOwnerApproval
}

// RequiresApproval reports whether a commit by actor to branch must wait
// for the owner's decision. This is the only place policy is evaluated.
func (p BranchPolicy) RequiresApproval(actor Actor, branch *Branch) bool {
	switch p {
	case PolicyOwnerApproval:
		if actor.IsAdmin() {
			return false
		}
		return branch.OwnerUserID == "" || actor.UserID != branch.OwnerUserID
	default:
		return false
	}
}

// MarshalJSON encodes the policy as its wire name.
func (p BranchPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.kind)
}

// UnmarshalJSON decodes a wire name.
func (p *BranchPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Branch is a named, policy-governed line of revisions within a source.
type Branch struct {
	WorkID         string       `db:"work_id" json:"-"`
	SourceID       string       `db:"source_id" json:"-"`
	Name           string       `db:"name" json:"name"`
	Policy         BranchPolicy `db:"policy" json:"policy"`
	OwnerUserID    string       `db:"owner_user_id" json:"ownerUserId,omitempty"`
	BaseRevisionID string       `db:"base_revision_id" json:"baseRevisionId,omitempty"`
	Version        int          `db:"version" json:"version"`
	CreatedBy      string       `db:"created_by" json:"-"`
	CreatedAt      time.Time    `db:"created_at" json:"-"`
	UpdatedAt      time.Time    `db:"updated_at" json:"-"`

	// Synthesized is set for the default branch when no record exists.
	Synthesized bool `db:"-" json:"-"`
}

// TableName returns the table name for Branch.
func (Branch) TableName() string {
	return "branches"
}

// SynthesizedDefault returns the implicit default branch of a source.
func SynthesizedDefault(workID, sourceID, name string) *Branch {
	return &Branch{
		WorkID:      workID,
		SourceID:    sourceID,
		Name:        name,
		Policy:      PolicyOpen,
		Synthesized: true,
	}
}
