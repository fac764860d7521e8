package models

import "time"

// EnrollmentState is the per-resource state of an enrollment.
type EnrollmentState string

// Enrollment states.
const (
	StateEnrolled   EnrollmentState = "MATRICULADO"
	StateWaitlisted EnrollmentState = "EN_ESPERA"
	StateCancelled  EnrollmentState = "CANCELADA"
)

// ProcessType records which registration window created an enrollment.
type ProcessType string

// Registration windows.
const (
	ProcessRegular ProcessType = "MATRICULA"
	ProcessAddDrop ProcessType = "ADICIONES_CANCELACIONES"
)

// Valid reports whether p is a recognised process type.
func (p ProcessType) Valid() bool {
	return p == ProcessRegular || p == ProcessAddDrop
}

// Enrollment is a student's seat request for a section and, optionally, its lab.
type Enrollment struct {
	ID           string           `db:"id" json:"id"`
	StudentID    string           `db:"student_id" json:"student_id"`
	SectionID    string           `db:"section_id" json:"section_id"`
	LabID        *string          `db:"lab_id" json:"lab_id,omitempty"`
	SectionState EnrollmentState  `db:"section_state" json:"section_state"`
	LabState     *EnrollmentState `db:"lab_state" json:"lab_state,omitempty"`
	SectionOrder *int             `db:"section_order" json:"section_order,omitempty"`
	LabOrder     *int             `db:"lab_order" json:"lab_order,omitempty"`
	ProcessType  ProcessType      `db:"process_type" json:"process_type"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// EnrollRequest asks for a seat in a section and optionally its lab.
type EnrollRequest struct {
	StudentID   string      `json:"student_id" validate:"required,max=64"`
	SectionID   string      `json:"section_id" validate:"required,uuid"`
	LabID       string      `json:"lab_id,omitempty"`
	ProcessType ProcessType `json:"process_type" validate:"required"`
}

// EnrollmentResult is the outcome of one enrollment attempt.
type EnrollmentResult struct {
	EnrollmentID string           `json:"enrollment_id"`
	SectionState EnrollmentState  `json:"section_state"`
	SectionOrder *int             `json:"section_order"`
	LabState     *EnrollmentState `json:"lab_state"`
	LabOrder     *int             `json:"lab_order"`
}

// CancelRequest identifies the enrollment to cancel on a resource.
type CancelRequest struct {
	StudentID string `json:"student_id" validate:"required,max=64"`
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID    string
	SectionID    string
	LabID        string
	SectionState EnrollmentState
	ProcessType  ProcessType
	Page         int
	PageSize     int
	SortBy       string
	SortOrder    string
}

// WaitlistEntry is one position in a resource's waitlist.
type WaitlistEntry struct {
	EnrollmentID string    `db:"id" json:"enrollment_id"`
	StudentID    string    `db:"student_id" json:"student_id"`
	Order        int       `db:"position" json:"order"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}
