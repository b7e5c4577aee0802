package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"smartclassroom/internal/attendance"
	"smartclassroom/internal/clock"
	"smartclassroom/internal/model"
)

// createClassRequest takes either start_time/end_time instants or a date
// with local start/end wall times.
type createClassRequest struct {
	ClassID    string  `json:"class_id" binding:"required"`
	ClassName  string  `json:"class_name"`
	Instructor *string `json:"instructor"`
	Room       *string `json:"room"`
	StartTime  string  `json:"start_time"`
	EndTime    string  `json:"end_time"`
	Date       string  `json:"date"`
	Start      string  `json:"start"`
	End        string  `json:"end"`
}

func (r createClassRequest) window(loc *time.Location) (time.Time, time.Time, error) {
	if r.Date != "" {
		start, err := clock.Combine(r.Date, r.Start, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %v", attendance.ErrInvalidSchedule, err)
		}
		end, err := clock.Combine(r.Date, r.End, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %v", attendance.ErrInvalidSchedule, err)
		}
		return start, end, nil
	}
	start, err := clock.Parse(r.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start_time: %v", attendance.ErrInvalidSchedule, err)
	}
	end, err := clock.Parse(r.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end_time: %v", attendance.ErrInvalidSchedule, err)
	}
	return start, end, nil
}

func (h *handlers) createClass(c *gin.Context) {
	var req createClassRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	start, end, err := req.window(h.Clock.Location())
	if err != nil {
		h.fail(c, err)
		return
	}
	sess, err := h.Engine.CreateSession(c.Request.Context(), attendance.NewSession{
		ClassID:    req.ClassID,
		ClassName:  req.ClassName,
		Instructor: req.Instructor,
		Room:       req.Room,
		Start:      start,
		End:        end,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *handlers) activeClasses(c *gin.Context) {
	out, err := h.Engine.ActiveSessions(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if out == nil {
		out = []model.ClassSession{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (h *handlers) getClass(c *gin.Context) {
	sess, err := h.Engine.GetSession(c.Request.Context(), c.Param("class_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// updateClassRequest changes only the fields it carries.
type updateClassRequest struct {
	ClassName  *string `json:"class_name"`
	Instructor *string `json:"instructor"`
	Room       *string `json:"room"`
	StartTime  *string `json:"start_time"`
	EndTime    *string `json:"end_time"`
}

func (h *handlers) updateClass(c *gin.Context) {
	var req updateClassRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	upd := attendance.SessionUpdate{ClassName: req.ClassName, Instructor: req.Instructor, Room: req.Room}
	loc := h.Clock.Location()
	if req.StartTime != nil {
		t, err := clock.Parse(*req.StartTime, loc)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: start_time: %v", attendance.ErrInvalidSchedule, err))
			return
		}
		upd.Start = &t
	}
	if req.EndTime != nil {
		t, err := clock.Parse(*req.EndTime, loc)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: end_time: %v", attendance.ErrInvalidSchedule, err))
			return
		}
		upd.End = &t
	}
	sess, err := h.Engine.UpdateSession(c.Request.Context(), c.Param("class_id"), upd)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// endClass closes a running class now; a finished class is reported as is.
func (h *handlers) endClass(c *gin.Context) {
	sess, ended, err := h.Engine.EndSession(c.Request.Context(), c.Param("class_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ended": ended, "already_ended": !ended, "session": sess})
}

func (h *handlers) deleteClass(c *gin.Context) {
	if err := h.Engine.DeleteSession(c.Request.Context(), c.Param("class_id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// classStats combines the attendance report with the engagement summary.
func (h *handlers) classStats(c *gin.Context) {
	ctx := c.Request.Context()
	classID := c.Param("class_id")
	stats, err := h.Engine.SessionStats(ctx, classID)
	if err != nil {
		h.fail(c, err)
		return
	}
	emotions, err := h.Engagement.ClassSummary(ctx, classID, nil, nil)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"class_info": stats.Session,
		"attendance": stats.Attendance,
		"emotions":   emotions,
	})
}

type enrollRequest struct {
	StudentID string `json:"student_id" form:"student_id" binding:"required"`
	Name      string `json:"name" form:"name" binding:"required"`
	Email     string `json:"email" form:"email"`
	Image     string `json:"image" form:"-"`
	Replace   bool   `json:"replace" form:"replace"`
}

// enroll accepts a multipart "image" upload or a base64 image.
func (h *handlers) enroll(c *gin.Context) {
	var req enrollRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	img, err := h.image(c, req.Image)
	if err != nil {
		h.fail(c, err)
		return
	}
	in := attendance.Enrollment{StudentID: req.StudentID, Name: req.Name, Image: img, Replace: req.Replace}
	if req.Email != "" {
		in.Email = &req.Email
	}
	st, err := h.Engine.Enroll(c.Request.Context(), in)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, st)
}

func (h *handlers) listStudents(c *gin.Context) {
	activeOnly := true
	if raw := c.Query("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: active must be a boolean", errBadRequest))
			return
		}
		activeOnly = v
	}
	out, err := h.Engine.ListStudents(c.Request.Context(), activeOnly)
	if err != nil {
		h.fail(c, err)
		return
	}
	if out == nil {
		out = []model.Student{}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "students": out})
}

func (h *handlers) updatePhoto(c *gin.Context) {
	var req struct {
		Image string `json:"image" form:"-"`
	}
	if !isMultipart(c) {
		if err := bind(c, &req); err != nil {
			h.fail(c, err)
			return
		}
	}
	img, err := h.image(c, req.Image)
	if err != nil {
		h.fail(c, err)
		return
	}
	studentID := c.Param("id")
	if err := h.Engine.UpdatePhoto(c.Request.Context(), studentID, img); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"student_id": studentID, "updated": true})
}

func (h *handlers) deactivate(c *gin.Context) {
	if err := h.Engine.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// image reads the "image" upload of a multipart request, or decodes the
// base64 value of a JSON one.
func (h *handlers) image(c *gin.Context, encoded string) ([]byte, error) {
	if isMultipart(c) {
		return formImage(c, "image")
	}
	return decodeImage(encoded)
}
