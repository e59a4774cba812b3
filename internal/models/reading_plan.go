package models

import "time"

// ReadingPlan is a user's progress through one plan definition.
type ReadingPlan struct {
	ID            UUID   `db:"id" json:"id"`
	PlanCode      string `db:"plan_code" json:"plan_code"`
	StartDate     int64  `db:"start_date" json:"start_date"`
	CurrentDay    int    `db:"current_day" json:"current_day"`
	CreatedAt     int64  `db:"created_at" json:"created_at"`
	LastUpdatedOn int64  `db:"last_updated_on" json:"last_updated_on"`
}

// TableName returns the table name for ReadingPlan.
func (ReadingPlan) TableName() string { return "reading_plan" }

// StartTime returns StartDate as time.Time.
func (p *ReadingPlan) StartTime() time.Time {
	return time.UnixMilli(p.StartDate)
}

// ReadingPlanStatus stores which readings of one plan day are done. Status
// is a JSON document owned by the reading plan UI.
type ReadingPlanStatus struct {
	ID            UUID   `db:"id" json:"id"`
	PlanCode      string `db:"plan_code" json:"plan_code"`
	PlanDay       int    `db:"plan_day" json:"plan_day"`
	Status        string `db:"reading_status" json:"reading_status"`
	LastUpdatedOn int64  `db:"last_updated_on" json:"last_updated_on"`
}

// TableName returns the table name for ReadingPlanStatus.
func (ReadingPlanStatus) TableName() string { return "reading_plan_status" }
