package httpapi

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"smartclassroom/internal/attendance"
)

// maxImageBytes bounds a single uploaded image.
const maxImageBytes = 10 << 20

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if s == "" {
		return nil, fmt.Errorf("%w: image is required", errBadRequest)
	}
	if base64.StdEncoding.DecodedLen(len(s)) > maxImageBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", attendance.ErrInvalidImage, maxImageBytes)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed base64", attendance.ErrInvalidImage)
	}
	return b, nil
}

// formImage reads a single uploaded file.
func formImage(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %s file is required", errBadRequest, field)
	}
	return readUpload(fh)
}

func readUpload(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxImageBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", attendance.ErrInvalidImage, fh.Filename, maxImageBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", attendance.ErrInvalidImage, err)
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxImageBytes))
}

func bind(c *gin.Context, v any) error {
	if err := c.ShouldBind(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pathInt64(c *gin.Context, name string) (int64, error) {
	v, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", errBadRequest, name)
	}
	return v, nil
}

func queryInt(c *gin.Context, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return v, nil
}
