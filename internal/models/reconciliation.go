package models

import "time"

// ReconcileOutcome reports what reconciliation did to one resource.
type ReconcileOutcome struct {
	Kind       ResourceKind `json:"kind"`
	ResourceID string       `json:"resource_id"`
	Vacancies  int          `json:"vacancies"`
	Promoted   []string     `json:"promoted,omitempty"`
	Renumbered int          `json:"renumbered"`
}

// ReconcileFailure records a resource that could not be reconciled in a pass.
type ReconcileFailure struct {
	Kind       ResourceKind `json:"kind"`
	ResourceID string       `json:"resource_id"`
	Error      string       `json:"error"`
}

// ReconciliationSummary describes one reconciliation pass.
type ReconciliationSummary struct {
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
	Skipped          bool               `json:"skipped"`
	ResourcesScanned int                `json:"resources_scanned"`
	Promoted         int                `json:"promoted"`
	Renumbered       int                `json:"renumbered"`
	Failed           int                `json:"failed"`
	Failures         []ReconcileFailure `json:"failures,omitempty"`
}
