package studydb

import (
	"context"
	"database/sql"
	"time"

	"github.com/kimhsiao/studysync/internal/db"
	"github.com/kimhsiao/studysync/internal/errors"
	"github.com/kimhsiao/studysync/internal/models"
)

// ReadingPlans tracks progress through reading plans.
type ReadingPlans struct {
	repo
}

// NewReadingPlans returns the reading plan repository.
func NewReadingPlans(reg *db.Registry) *ReadingPlans {
	return &ReadingPlans{repo: newRepo(reg, StoreReadingPlans)}
}

// Start begins (or restarts) the plan with code on day one.
func (p *ReadingPlans) Start(ctx context.Context, code string, start time.Time) (*models.ReadingPlan, error) {
	if code == "" {
		return nil, errors.New(errors.ErrInvalid, "plan code is required")
	}
	plan := &models.ReadingPlan{
		ID:         models.UUID(PlanID(code)),
		PlanCode:   code,
		StartDate:  start.UnixMilli(),
		CurrentDay: 1,
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		plan.LastUpdatedOn = p.stamp(lastUpdated(ctx, tx, "reading_plan", plan.ID.String()))
		plan.CreatedAt = plan.LastUpdatedOn
		if _, err := tx.ExecContext(ctx, "DELETE FROM reading_plan_status WHERE plan_code = ?", code); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to clear plan progress", err)
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO reading_plan (id, plan_code, start_date, current_day, created_at, last_updated_on)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET start_date = excluded.start_date, current_day = excluded.current_day,
				last_updated_on = excluded.last_updated_on`,
			plan.ID, plan.PlanCode, plan.StartDate, plan.CurrentDay, plan.CreatedAt, plan.LastUpdatedOn)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to start plan", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// Plan returns the plan with code.
func (p *ReadingPlans) Plan(ctx context.Context, code string) (*models.ReadingPlan, error) {
	conn, err := p.conn()
	if err != nil {
		return nil, err
	}
	var plan models.ReadingPlan
	err = conn.QueryRowContext(ctx, `SELECT id, plan_code, start_date, current_day, created_at, last_updated_on
		FROM reading_plan WHERE plan_code = ?`, code).
		Scan(&plan.ID, &plan.PlanCode, &plan.StartDate, &plan.CurrentDay, &plan.CreatedAt, &plan.LastUpdatedOn)
	if err != nil {
		return nil, notFound(err, "reading plan", code)
	}
	return &plan, nil
}

// SetCurrentDay moves the plan to day.
func (p *ReadingPlans) SetCurrentDay(ctx context.Context, code string, day int) error {
	if day < 1 {
		return errors.Newf(errors.ErrInvalid, "invalid plan day %d", day)
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		id := PlanID(code)
		res, err := tx.ExecContext(ctx, "UPDATE reading_plan SET current_day = ?, last_updated_on = ? WHERE id = ?",
			day, p.stamp(lastUpdated(ctx, tx, "reading_plan", id)), id)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to update plan", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Newf(errors.ErrNotFound, "reading plan %s not found", code)
		}
		return nil
	})
}

// SetDayStatus stores the reading status document of one plan day.
func (p *ReadingPlans) SetDayStatus(ctx context.Context, code string, day int, status string) (*models.ReadingPlanStatus, error) {
	st := &models.ReadingPlanStatus{
		ID:       models.UUID(PlanStatusID(code, day)),
		PlanCode: code,
		PlanDay:  day,
		Status:   status,
	}
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		st.LastUpdatedOn = p.stamp(lastUpdated(ctx, tx, "reading_plan_status", st.ID.String()))
		_, err := tx.ExecContext(ctx, `INSERT INTO reading_plan_status (id, plan_code, plan_day, reading_status, last_updated_on)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET reading_status = excluded.reading_status, last_updated_on = excluded.last_updated_on`,
			st.ID, st.PlanCode, st.PlanDay, st.Status, st.LastUpdatedOn)
		if err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to store day status", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// DayStatus returns the status of one plan day.
func (p *ReadingPlans) DayStatus(ctx context.Context, code string, day int) (*models.ReadingPlanStatus, error) {
	conn, err := p.conn()
	if err != nil {
		return nil, err
	}
	var st models.ReadingPlanStatus
	err = conn.QueryRowContext(ctx, `SELECT id, plan_code, plan_day, reading_status, last_updated_on
		FROM reading_plan_status WHERE id = ?`, PlanStatusID(code, day)).
		Scan(&st.ID, &st.PlanCode, &st.PlanDay, &st.Status, &st.LastUpdatedOn)
	if err != nil {
		return nil, notFound(err, "plan day", code)
	}
	return &st, nil
}

// Delete removes a plan and its progress.
func (p *ReadingPlans) Delete(ctx context.Context, code string) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM reading_plan_status WHERE plan_code = ?", code); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to delete plan progress", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM reading_plan WHERE plan_code = ?", code); err != nil {
			return errors.Wrap(errors.ErrDatabase, "failed to delete plan", err)
		}
		return nil
	})
}
