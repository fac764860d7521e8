package models

import (
	"fmt"
	"time"
)

// ResourceKind distinguishes the two capacity pools a student can enroll in.
type ResourceKind string

// Supported resource kinds.
const (
	ResourceSection ResourceKind = "SECTION"
	ResourceLab     ResourceKind = "LAB"
)

// ResourceKinds lists the kinds in the order reconciliation visits them.
var ResourceKinds = []ResourceKind{ResourceSection, ResourceLab}

// ResourceColumns names the table and enrollment columns backing a kind.
type ResourceColumns struct {
	Table string
	FK    string
	State string
	Order string
	// OpenIndex is the unique index allowing one open enrollment per student.
	OpenIndex string
	// OrderIndex is the unique index on waitlist positions.
	OrderIndex string
}

var resourceColumns = map[ResourceKind]ResourceColumns{
	ResourceSection: {
		Table: "sections", FK: "section_id", State: "section_state", Order: "section_order",
		OpenIndex: "uq_enrollments_open_section", OrderIndex: "uq_enrollments_section_order",
	},
	ResourceLab: {
		Table: "labs", FK: "lab_id", State: "lab_state", Order: "lab_order",
		OpenIndex: "uq_enrollments_open_lab", OrderIndex: "uq_enrollments_lab_order",
	},
}

// Columns returns the schema names for the kind.
func (k ResourceKind) Columns() (ResourceColumns, error) {
	cols, ok := resourceColumns[k]
	if !ok {
		return ResourceColumns{}, fmt.Errorf("unknown resource kind %q", string(k))
	}
	return cols, nil
}

// Valid reports whether k is a known kind.
func (k ResourceKind) Valid() bool {
	_, ok := resourceColumns[k]
	return ok
}

// ResourceStatus marks whether a section or lab accepts enrollments.
type ResourceStatus string

// Resource statuses.
const (
	ResourceActive    ResourceStatus = "ACTIVE"
	ResourceCancelled ResourceStatus = "CANCELLED"
)

// Resource is a section or lab row. Both tables share this shape.
type Resource struct {
	ID        string         `db:"id" json:"id"`
	ClassID   string         `db:"class_id" json:"class_id"`
	Code      string         `db:"code" json:"code"`
	Capacity  int            `db:"capacity" json:"capacity"`
	Status    ResourceStatus `db:"status" json:"status"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt time.Time      `db:"updated_at" json:"updated_at"`
}

// Availability summarises seat usage for one resource.
type Availability struct {
	Kind       ResourceKind   `json:"kind"`
	ResourceID string         `json:"resource_id"`
	Status     ResourceStatus `json:"status"`
	Capacity   int            `json:"capacity"`
	Enrolled   int            `json:"enrolled"`
	Waitlisted int            `json:"waitlisted"`
	Available  int            `json:"available"`
}
