package models

import (
	"fmt"
	"time"
)

// ValidationStatus is the pipeline outcome recorded on a revision.
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationPassed  ValidationStatus = "passed"
	ValidationFailed  ValidationStatus = "failed"
)

// Issue is one problem reported by a pipeline stage.
type Issue struct {
	Stage   string `json:"stage"`
	Message string `json:"message"`
	// Hard marks failures that decide the overall status.
	Hard bool `json:"hard,omitempty"`
}

// Validation is the validation block of a revision.
type Validation struct {
	Status ValidationStatus `json:"status"`
	Issues []Issue          `json:"issues"`
}

// StorageLocator addresses one stored artifact.
type StorageLocator struct {
	Bucket         string    `json:"bucket"`
	ObjectKey      string    `json:"objectKey"`
	SizeBytes      int64     `json:"sizeBytes"`
	Checksum       string    `json:"checksum"`
	ContentType    string    `json:"contentType"`
	LastModifiedAt time.Time `json:"lastModifiedAt"`
}

// Empty reports whether the locator points at nothing.
func (l *StorageLocator) Empty() bool {
	return l == nil || l.ObjectKey == ""
}

// Slot names one derivative artifact of a revision.
type Slot string

const (
	SlotCanonicalXML      Slot = "canonicalXml"
	SlotLinearizedXML     Slot = "linearizedXml"
	SlotNormalizedArchive Slot = "normalizedArchive"
	SlotPDF               Slot = "pdf"
	SlotThumbnail         Slot = "thumbnail"
	SlotDiffReport        Slot = "diffReport"
	SlotDiffPDF           Slot = "diffPdf"
)

// AllSlots lists every derivative slot in pipeline order.
var AllSlots = []Slot{
	SlotCanonicalXML,
	SlotLinearizedXML,
	SlotNormalizedArchive,
	SlotPDF,
	SlotThumbnail,
	SlotDiffReport,
	SlotDiffPDF,
}

// ParseSlot validates a slot name.
func ParseSlot(s string) (Slot, error) {
	for _, slot := range AllSlots {
		if string(slot) == s {
			return slot, nil
		}
	}
	return "", fmt.Errorf("unknown derivative slot %q", s)
}

// Column returns the revisions table column storing the slot.
func (s Slot) Column() string {
	switch s {
	case SlotCanonicalXML:
		return "deriv_canonical_xml"
	case SlotLinearizedXML:
		return "deriv_linearized"
	case SlotNormalizedArchive:
		return "deriv_normalized_archive"
	case SlotPDF:
		return "deriv_pdf"
	case SlotThumbnail:
		return "deriv_thumbnail"
	case SlotDiffReport:
		return "deriv_diff_report"
	case SlotDiffPDF:
		return "deriv_diff_pdf"
	}
	panic(fmt.Sprintf("models: unknown slot %q", string(s)))
}

// DerivativeSet holds the fixed set of optional derivative artifacts.
type DerivativeSet struct {
	CanonicalXML      *StorageLocator `json:"canonicalXml,omitempty"`
	LinearizedXML     *StorageLocator `json:"linearizedXml,omitempty"`
	NormalizedArchive *StorageLocator `json:"normalizedArchive,omitempty"`
	PDF               *StorageLocator `json:"pdf,omitempty"`
	Thumbnail         *StorageLocator `json:"thumbnail,omitempty"`
	DiffReport        *StorageLocator `json:"diffReport,omitempty"`
	DiffPDF           *StorageLocator `json:"diffPdf,omitempty"`
}

// Get returns the locator in slot, or nil.
func (d *DerivativeSet) Get(slot Slot) *StorageLocator {
	if p := d.field(slot); p != nil {
		return *p
	}
	return nil
}

// Has reports whether slot holds a non-empty locator.
func (d *DerivativeSet) Has(slot Slot) bool {
	return !d.Get(slot).Empty()
}

// Set fills slot. It refuses to replace a populated slot with different
// content.
func (d *DerivativeSet) Set(slot Slot, loc *StorageLocator) error {
	p := d.field(slot)
	if p == nil {
		return fmt.Errorf("unknown derivative slot %q", slot)
	}
	if cur := *p; !cur.Empty() {
		if loc != nil && cur.Checksum == loc.Checksum {
			return nil
		}
		return fmt.Errorf("derivative slot %s already populated", slot)
	}
	*p = loc
	return nil
}

// Populated lists the filled slots in pipeline order.
func (d *DerivativeSet) Populated() []Slot {
	var slots []Slot
	for _, slot := range AllSlots {
		if d.Has(slot) {
			slots = append(slots, slot)
		}
	}
	return slots
}

func (d *DerivativeSet) field(slot Slot) **StorageLocator {
	switch slot {
	case SlotCanonicalXML:
		return &d.CanonicalXML
	case SlotLinearizedXML:
		return &d.LinearizedXML
	case SlotNormalizedArchive:
		return &d.NormalizedArchive
	case SlotPDF:
		return &d.PDF
	case SlotThumbnail:
		return &d.Thumbnail
	case SlotDiffReport:
		return &d.DiffReport
	case SlotDiffPDF:
		return &d.DiffPDF
	}
	return nil
}

// CommitInfo records who committed a revision and why.
type CommitInfo struct {
	Actor     string    `json:"actor"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceRevision is an immutable commit of a source's content.
type SourceRevision struct {
	ID               string          `db:"id" json:"revisionId"`
	WorkID           string          `db:"work_id" json:"workId"`
	SourceID         string          `db:"source_id" json:"sourceId"`
	SequenceNumber   int64           `db:"sequence_number" json:"sequenceNumber"`
	Branch           string          `db:"branch" json:"branchName"`
	ArtifactID       string          `db:"artifact_id" json:"artifactId"`
	ParentRevisionID string          `db:"parent_revision_id" json:"parentRevisionId,omitempty"`
	Filename         string          `db:"filename" json:"filename"`
	Format           string          `db:"format" json:"format"`
	Raw              *StorageLocator `db:"raw" json:"raw"`
	Validation       Validation      `db:"-" json:"validation"`
	Derivatives      DerivativeSet   `db:"-" json:"derivatives"`
	Commit           CommitInfo      `db:"-" json:"commit"`
	ApprovalID       string          `db:"approval_id" json:"approvalId,omitempty"`
}

// TableName returns the table name for SourceRevision.
func (SourceRevision) TableName() string {
	return "source_revisions"
}
