package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"smartclassroom/internal/logger"
	"smartclassroom/internal/matcher"
	"smartclassroom/internal/model"
)

var (
	ErrStudentExists  = errors.New("attendance: student already enrolled")
	ErrMissingStudent = errors.New("attendance: student_id is required")
	ErrNoFace         = errors.New("attendance: no face detected")
)

// Enrollment registers a student with a face photo.
type Enrollment struct {
	StudentID string
	Name      string
	Email     *string
	Image     []byte
	// Replace re-activates and re-templates an existing student instead of
	// failing with ErrStudentExists.
	Replace bool
}

// Enroll embeds the photo and stores the student's template.
func (e *Engine) Enroll(ctx context.Context, in Enrollment) (model.Student, error) {
	in.StudentID = strings.TrimSpace(in.StudentID)
	if in.StudentID == "" {
		return model.Student{}, ErrMissingStudent
	}
	ctx, cancel := e.bound(ctx)
	defer cancel()

	emb, err := e.template(ctx, in.Image)
	if err != nil {
		return model.Student{}, err
	}
	st, err := e.store.CreateStudent(ctx, model.Student{
		StudentID: in.StudentID,
		Name:      in.Name,
		Email:     in.Email,
		Embedding: emb,
		Active:    true,
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrConflict) && in.Replace:
		if err := e.store.UpdateEmbedding(ctx, in.StudentID, emb); err != nil {
			return model.Student{}, unavailable("update embedding", err)
		}
		if err := e.store.SetActive(ctx, in.StudentID, true); err != nil {
			return model.Student{}, unavailable("activate student", err)
		}
		if st, err = e.store.GetStudent(ctx, in.StudentID); err != nil {
			return model.Student{}, unavailable("get student", err)
		}
	case errors.Is(err, model.ErrConflict):
		return model.Student{}, fmt.Errorf("%w: %s", ErrStudentExists, in.StudentID)
	default:
		return model.Student{}, unavailable("create student", err)
	}
	e.log.Info("student enrolled", zap.String(logger.FieldStudentID, in.StudentID))
	return st, nil
}

// UpdatePhoto replaces a student's template.
func (e *Engine) UpdatePhoto(ctx context.Context, studentID string, image []byte) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	emb, err := e.template(ctx, image)
	if err != nil {
		return err
	}
	err = e.store.UpdateEmbedding(ctx, studentID, emb)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrStudentNotFound, studentID)
	}
	if err != nil {
		return unavailable("update embedding", err)
	}
	return nil
}

// Deactivate removes a student from matching. Records are kept.
func (e *Engine) Deactivate(ctx context.Context, studentID string) error {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	err := e.store.SetActive(ctx, studentID, false)
	if errors.Is(err, model.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrStudentNotFound, studentID)
	}
	if err != nil {
		return unavailable("deactivate student", err)
	}
	return nil
}

// ListStudents returns enrolled students.
func (e *Engine) ListStudents(ctx context.Context, activeOnly bool) ([]model.Student, error) {
	ctx, cancel := e.bound(ctx)
	defer cancel()
	out, err := e.store.ListStudents(ctx, activeOnly)
	if err != nil {
		return nil, unavailable("list students", err)
	}
	return out, nil
}

// template embeds an enrollment photo and checks its dimension.
func (e *Engine) template(ctx context.Context, image []byte) ([]float32, error) {
	emb, neg, err := e.embed(ctx, image)
	if err != nil {
		return nil, err
	}
	if emb == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFace, neg.Message)
	}
	if e.dimension > 0 && len(emb) != e.dimension {
		return nil, fmt.Errorf("%w: embedder returned %d, expected %d", matcher.ErrDimensionMismatch, len(emb), e.dimension)
	}
	return emb, nil
}

// CheckTemplates verifies stored templates against the configured dimension.
func (e *Engine) CheckTemplates(ctx context.Context) error {
	if e.dimension <= 0 {
		return nil
	}
	return matcher.CheckDimensions(ctx, e.store, e.dimension)
}
