package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"smartclassroom/internal/attendance"
	"smartclassroom/internal/model"
)

type verifyRequest struct {
	ClassID   string    `json:"class_id" form:"class_id" binding:"required"`
	Image     string    `json:"image" form:"-"`
	Embedding []float32 `json:"embedding" form:"-"`
}

// verify accepts a multipart "image" upload, a base64 image, or a raw
// embedding.
func (h *handlers) verify(c *gin.Context) {
	var req verifyRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	ctx := c.Request.Context()

	var (
		out attendance.Outcome
		err error
	)
	switch {
	case isMultipart(c):
		var img []byte
		if img, err = formImage(c, "image"); err == nil {
			out, err = h.Engine.VerifyImage(ctx, img, req.ClassID)
		}
	case len(req.Embedding) > 0:
		out, err = h.Engine.VerifyByFace(ctx, req.Embedding, req.ClassID)
	default:
		var img []byte
		if img, err = decodeImage(req.Image); err == nil {
			out, err = h.Engine.VerifyImage(ctx, img, req.ClassID)
		}
	}
	h.outcome(c, out, err)
}

// outcome writes a verification result. Negative outcomes are 400s.
func (h *handlers) outcome(c *gin.Context, out attendance.Outcome, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if !out.Success {
		status = http.StatusBadRequest
	}
	c.JSON(status, out)
}

type batchRequest struct {
	ClassID string   `json:"class_id" form:"class_id" binding:"required"`
	Images  []string `json:"images" form:"-"`
}

// verifyBatch accepts multipart "images" files or a list of base64 images.
// An image that cannot be decoded fails only its own item.
func (h *handlers) verifyBatch(c *gin.Context) {
	var req batchRequest
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}

	var images [][]byte
	if isMultipart(c) {
		form, err := c.MultipartForm()
		if err != nil {
			h.fail(c, errBadRequest)
			return
		}
		files := form.File["images"]
		if len(files) > h.Engine.MaxBatch() {
			h.fail(c, attendance.ErrBatchTooLarge)
			return
		}
		for _, fh := range files {
			img, err := readUpload(fh)
			if err != nil {
				img = nil
			}
			images = append(images, img)
		}
	} else {
		if len(req.Images) > h.Engine.MaxBatch() {
			h.fail(c, attendance.ErrBatchTooLarge)
			return
		}
		for _, raw := range req.Images {
			img, err := decodeImage(raw)
			if err != nil {
				img = nil
			}
			images = append(images, img)
		}
	}

	res, err := h.Engine.VerifyBatch(c.Request.Context(), req.ClassID, images)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) listRecords(c *gin.Context) {
	classID := c.Param("class_id")
	recs, err := h.Engine.ListRecords(c.Request.Context(), classID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"class_id": classID, "count": len(recs), "records": recs})
}

func (h *handlers) report(c *gin.Context) {
	rep, err := h.Engine.Report(c.Request.Context(), c.Param("class_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *handlers) byPeriod(c *gin.Context) {
	out, err := h.Engine.AttendanceByPeriod(c.Request.Context(), c.Param("class_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) history(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	studentID := c.Param("id")
	recs, err := h.Engine.History(c.Request.Context(), studentID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []model.AttendanceRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"student_id": studentID, "records": recs})
}

func (h *handlers) correctRecord(c *gin.Context) {
	id, err := pathInt64(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	var req struct {
		Status model.Status `json:"status" binding:"required"`
	}
	if err := bind(c, &req); err != nil {
		h.fail(c, err)
		return
	}
	rec, err := h.Engine.CorrectStatus(c.Request.Context(), id, req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *handlers) deleteRecord(c *gin.Context) {
	id, err := pathInt64(c, "id")
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Engine.DeleteRecord(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
