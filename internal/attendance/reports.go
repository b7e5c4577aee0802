package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/model"
	"smartclassroom/internal/period"
)

// Report summarises the records of one class.
type Report struct {
	ClassID           string  `json:"class_id"`
	Total             int     `json:"total"`
	Present           int     `json:"present"`
	Late              int     `json:"late"`
	Absent            int     `json:"absent"`
	Excused           int     `json:"excused"`
	AttendanceRate    float64 `json:"attendance_rate"`
	AverageConfidence float64 `json:"average_confidence"`
}

// PeriodAttendance lists the records assigned to one period.
type PeriodAttendance struct {
	Period  period.Period            `json:"period"`
	Present int                      `json:"present"`
	Late    int                      `json:"late"`
	Records []model.AttendanceRecord `json:"records"`
}

// ByPeriod groups a class's records under each computed period. Records
// made outside the session window are listed in Unassigned.
type ByPeriod struct {
	ClassID    string                   `json:"class_id"`
	Periods    []PeriodAttendance       `json:"periods"`
	Unassigned []model.AttendanceRecord `json:"unassigned"`
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

// ListRecords returns a class's records in arrival order.
func (e *Engine) ListRecords(ctx context.Context, classID string) ([]model.AttendanceRecord, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	recs, err := e.store.ListRecords(ctx, classID)
	if err != nil {
		return nil, unavailable("list records", err)
	}
	e.localize(recs)
	return recs, nil
}

// History returns a student's most recent records first.
func (e *Engine) History(ctx context.Context, studentID string, limit int) ([]model.AttendanceRecord, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 50
	}
	recs, err := e.store.StudentHistory(ctx, studentID, limit)
	if err != nil {
		return nil, unavailable("student history", err)
	}
	e.localize(recs)
	return recs, nil
}

// Report computes counts, rate and average confidence for a class.
// The rate counts present and late records over all records.
func (e *Engine) Report(ctx context.Context, classID string) (Report, error) {
	recs, err := e.ListRecords(ctx, classID)
	if err != nil {
		return Report{}, err
	}
	return Summarize(classID, recs), nil
}

// Summarize computes a Report from records.
func Summarize(classID string, recs []model.AttendanceRecord) Report {
	r := Report{ClassID: classID, Total: len(recs)}
	var conf float64
	for _, rec := range recs {
		switch rec.Status {
		case model.StatusPresent:
			r.Present++
		case model.StatusLate:
			r.Late++
		case model.StatusAbsent:
			r.Absent++
		case model.StatusExcused:
			r.Excused++
		}
		conf += rec.Confidence
	}
	if r.Total > 0 {
		r.AttendanceRate = round2(float64(r.Present+r.Late) / float64(r.Total) * 100)
		r.AverageConfidence = round2(conf / float64(r.Total))
	}
	return r
}

// AttendanceByPeriod groups records by period number.
func (e *Engine) AttendanceByPeriod(ctx context.Context, classID string) (ByPeriod, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	sess, err := e.session(ctx, classID)
	if err != nil {
		return ByPeriod{}, err
	}
	recs, err := e.store.ListRecords(ctx, classID)
	if err != nil {
		return ByPeriod{}, unavailable("list records", err)
	}
	e.localize(recs)

	ps := e.periods.Periods(sess.StartTime, sess.EndTime)
	out := ByPeriod{ClassID: classID, Periods: make([]PeriodAttendance, len(ps))}
	for i, p := range ps {
		out.Periods[i] = PeriodAttendance{Period: p, Records: []model.AttendanceRecord{}}
	}
	for _, rec := range recs {
		if rec.PeriodNumber == nil || *rec.PeriodNumber < 1 || *rec.PeriodNumber > len(ps) {
			out.Unassigned = append(out.Unassigned, rec)
			continue
		}
		pa := &out.Periods[*rec.PeriodNumber-1]
		pa.Records = append(pa.Records, rec)
		switch rec.Status {
		case model.StatusPresent:
			pa.Present++
		case model.StatusLate:
			pa.Late++
		}
	}
	return out, nil
}

// CorrectStatus is the manual correction path. Only the status changes.
func (e *Engine) CorrectStatus(ctx context.Context, recordID int64, status model.Status) (model.AttendanceRecord, error) {
	if !status.Valid() {
		return model.AttendanceRecord{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	ctx, cancel := e.bound(ctx)
	defer cancel()
	rec, err := e.store.UpdateRecordStatus(ctx, recordID, status)
	if errors.Is(err, model.ErrNotFound) {
		return model.AttendanceRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return model.AttendanceRecord{}, unavailable("update record", err)
	}
	rec.Timestamp = clock.In(rec.Timestamp, e.clock.Location())
	return rec, nil
}

// DeleteRecord removes a record.
func (e *Engine) DeleteRecord(ctx context.Context, recordID int64) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	err := e.store.DeleteRecord(ctx, recordID)
	if errors.Is(err, model.ErrNotFound) {
		return ErrRecordNotFound
	}
	if err != nil {
		return unavailable("delete record", err)
	}
	return nil
}

func (e *Engine) localize(recs []model.AttendanceRecord) {
	loc := e.clock.Location()
	for i := range recs {
		recs[i].Timestamp = clock.In(recs[i].Timestamp, loc)
	}
}
