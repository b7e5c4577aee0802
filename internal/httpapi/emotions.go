package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"smartclassroom/internal/clock"
	"smartclassroom/internal/model"
)

type emotionRequest struct {
	StudentID       string             `json:"student_id" binding:"required"`
	ClassID         string             `json:"class_id" binding:"required"`
	DominantEmotion string             `json:"dominant_emotion" binding:"required"`
	Confidence      float64            `json:"confidence" binding:"gte=0,lte=1"`
	Scores          map[string]float64 `json:"emotion_scores"`
	DetectedAt      string             `json:"detected_at"`
}

func (h *handlers) recordEmotion(c *gin.Context) {
	var req emotionRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	ev := model.EmotionEvent{
		StudentID:       req.StudentID,
		ClassID:         req.ClassID,
		DominantEmotion: req.DominantEmotion,
		Confidence:      req.Confidence,
		Scores:          req.Scores,
	}
	if req.DetectedAt != "" {
		t, err := clock.Parse(req.DetectedAt, h.Clock.Location())
		if err != nil {
			h.fail(c, fmt.Errorf("%w: detected_at: %v", errBadRequest, err))
			return
		}
		ev.DetectedAt = t
	}
	out, err := h.Engagement.Record(c.Request.Context(), ev)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, out)
}

// analyzeEmotion classifies an image; the result is stored when both
// student_id and class_id are given.
func (h *handlers) analyzeEmotion(c *gin.Context) {
	var req struct {
		StudentID string `json:"student_id" form:"student_id"`
		ClassID   string `json:"class_id" form:"class_id"`
		Image     string `json:"image" form:"-"`
	}
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	img, err := h.image(c, req.Image)
	if err != nil {
		h.fail(c, err)
		return
	}
	res, err := h.Engagement.Analyze(c.Request.Context(), img, req.StudentID, req.ClassID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"student_id":       req.StudentID,
		"class_id":         req.ClassID,
		"dominant_emotion": res.Dominant,
		"confidence":       res.Confidence,
		"emotion_scores":   res.Scores,
		"stored":           req.StudentID != "" && req.ClassID != "",
	})
}

func (h *handlers) emotionSummary(c *gin.Context) {
	from, err := h.queryTime(c, "from")
	if err != nil {
		h.fail(c, err)
		return
	}
	to, err := h.queryTime(c, "to")
	if err != nil {
		h.fail(c, err)
		return
	}
	sum, err := h.Engagement.ClassSummary(c.Request.Context(), c.Param("class_id"), from, to)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *handlers) emotionTimeline(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	studentID := c.Param("id")
	events, err := h.Engagement.Timeline(c.Request.Context(), studentID, c.Query("class_id"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if events == nil {
		events = []model.EmotionEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"student_id": studentID, "count": len(events), "events": events})
}

func (h *handlers) queryTime(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := clock.Parse(raw, h.Clock.Location())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errBadRequest, name, err)
	}
	return &t, nil
}
