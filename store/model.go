package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrNoMatchingRows = errors.New("store: no matching rows in batch")
	ErrInvalidOwner   = errors.New("store: batch needs exactly one owner (user or admin)")
	ErrInvalidStatus  = errors.New("store: invalid row status")
)

// RowStatus is the lifecycle state of one row.
type RowStatus string

const (
	RowUnprocessed        RowStatus = "unprocessed"
	RowProcessing         RowStatus = "processing"
	RowProcessed          RowStatus = "processed"
	RowProcessedWithError RowStatus = "processed_with_error"
)

// Terminal reports whether no further worker action is expected.
func (s RowStatus) Terminal() bool {
	return s == RowProcessed || s == RowProcessedWithError
}

// ParseResultStatus maps a worker-declared status onto a terminal status.
// Empty means processed.
func ParseResultStatus(s string) (RowStatus, error) {
	switch RowStatus(s) {
	case "", RowProcessed:
		return RowProcessed, nil
	case RowProcessedWithError:
		return RowProcessedWithError, nil
	}
	return "", ErrInvalidStatus
}

// BatchStatus is the aggregate state of a batch.
type BatchStatus string

const (
	BatchUnprocessed BatchStatus = "unprocessed"
	BatchProcessed   BatchStatus = "processed"
)

// Enrichment is the fixed set of fields a worker fills in for one row.
type Enrichment struct {
	InsuranceCompany    string `json:"insuranceCompany"`
	MedicalNetwork      string `json:"medicalNetwork"`
	IdentityNumber      string `json:"identityNumber"`
	PolicyNumber        string `json:"policyNumber"`
	Class               string `json:"class"`
	DeductibleRate      string `json:"deductibleRate"`
	MaxLimit            string `json:"maxLimit"`
	UploadDate          string `json:"uploadDate"`
	InsuranceExpiryDate string `json:"insuranceExpiryDate"`
	BeneficiaryType     string `json:"beneficiaryType"`
	BeneficiaryNumber   string `json:"beneficiaryNumber"`
	Gender              string `json:"gender"`
}

// Values lists the fields in column order.
func (e *Enrichment) Values() []string {
	return []string{
		e.InsuranceCompany, e.MedicalNetwork, e.IdentityNumber, e.PolicyNumber,
		e.Class, e.DeductibleRate, e.MaxLimit, e.UploadDate, e.InsuranceExpiryDate,
		e.BeneficiaryType, e.BeneficiaryNumber, e.Gender,
	}
}

func (e *Enrichment) pointers() []any {
	return []any{
		&e.InsuranceCompany, &e.MedicalNetwork, &e.IdentityNumber, &e.PolicyNumber,
		&e.Class, &e.DeductibleRate, &e.MaxLimit, &e.UploadDate, &e.InsuranceExpiryDate,
		&e.BeneficiaryType, &e.BeneficiaryNumber, &e.Gender,
	}
}

// enrichmentColumns matches Enrichment.Values order.
const enrichmentColumns = `insurance_company, medical_network, identity_number, policy_number,
	coverage_class, deductible_rate, max_limit, upload_date, insurance_expiry_date,
	beneficiary_type, beneficiary_number, gender`

// Row is one identifier-bearing record of a batch.
type Row struct {
	ID         int64      `json:"id"`
	BatchID    int64      `json:"batchId"`
	Identifier string     `json:"identifier"`
	Status     RowStatus  `json:"status"`
	ClaimedAt  *time.Time `json:"claimedAt,omitempty"`
	Enrichment
}

// ClaimedRow is what a worker receives from a claim.
type ClaimedRow struct {
	RowID      int64  `json:"fileRowId"`
	Identifier string `json:"ssnId"`
	BatchID    int64  `json:"fileId"`
}

// Owner identifies who uploaded a batch: a user or an admin, never both.
type Owner struct {
	ID    int64
	Admin bool
}

// NewBatch carries everything needed to create a batch.
type NewBatch struct {
	FileName       string
	UploadedBy     string
	Owner          Owner
	ProjectID      *int64
	PatientTypeIDs []int64
	Checksum       string
	Format         string
	Content        []byte
	UploadedOn     time.Time
}

// Batch is an uploaded file without its content.
type Batch struct {
	ID             int64       `json:"fileId"`
	FileName       string      `json:"fileName"`
	Status         BatchStatus `json:"fileStatus"`
	RowCount       int         `json:"fileRowsCounts"`
	UploadedBy     string      `json:"uploadedByUserName"`
	UserID         *int64      `json:"userId,omitempty"`
	AdminID        *int64      `json:"adminId,omitempty"`
	ProjectID      *int64      `json:"projectId,omitempty"`
	PatientTypeIDs []int64     `json:"patientTypeIds"`
	Checksum       string      `json:"checksum"`
	Format         string      `json:"format"`
	DownloadLink   string      `json:"downloadLink"`
	CreatedAt      time.Time   `json:"createdAt"`
	UploadedOn     time.Time   `json:"fileUploadedOn"`
}

// IsUploadedByAdmin reports admin ownership.
func (b *Batch) IsUploadedByAdmin() bool { return b.AdminID != nil }

// Result is one worker writeback entry.
type Result struct {
	RowID      int64  `json:"fileRowId" validate:"gt=0"`
	Status     string `json:"status" validate:"omitempty,oneof=processed processed_with_error"`
	Identifier string `json:"ssn" validate:"max=64"`
	Enrichment
}

// WritebackOutcome summarises one ApplyResults call.
type WritebackOutcome struct {
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
	Skipped  int `json:"skipped"`
	Pending  int `json:"pending"`
}

// ArchivedRow is an expired-identifier archive record.
type ArchivedRow struct {
	ID         int64     `json:"id"`
	RowID      int64     `json:"rowId"`
	BatchID    int64     `json:"fileId"`
	Identifier string    `json:"ssnId"`
	ExpiryDate string    `json:"expiryDate"`
	ArchivedAt time.Time `json:"archivedAt"`
}

// RobotError is a failure reported by a worker.
type RobotError struct {
	ID         int64     `json:"id"`
	Module     string    `json:"module"`
	Message    string    `json:"errorMessage"`
	BatchID    *int64    `json:"fileId,omitempty"`
	FileName   string    `json:"fileName,omitempty"`
	PatientID  string    `json:"patientId,omitempty"`
	OccurredAt time.Time `json:"timestamp"`
}

// Overview aggregates batch and row counts over an upload window.
type Overview struct {
	BatchesByStatus map[BatchStatus]int `json:"batchesByStatus"`
	RowsByStatus    map[RowStatus]int   `json:"rowsByStatus"`
	Archived        int                 `json:"archived"`
	Insured         int                 `json:"insuredPatients"`
	NonInsured      int                 `json:"nonInsuredPatients"`
	Citizens        int                 `json:"citizenPatients"`
	Residents       int                 `json:"residentPatients"`
	Projects        []ProjectOverview   `json:"projects"`
}

// ProjectOverview is the per-project slice of an Overview.
type ProjectOverview struct {
	ProjectID  int64   `json:"projectId"`
	Total      int     `json:"totalPatients"`
	Insured    int     `json:"insuredPatients"`
	NonInsured int     `json:"nonInsuredPatients"`
	Percentage float64 `json:"percentageOfPatients"`
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
