package faceclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"
)

var (
	// ErrNoFace means the image decoded but contains no detectable face.
	ErrNoFace = errors.New("faceclient: no face detected")
	// ErrInvalidImage means the image could not be decoded.
	ErrInvalidImage = errors.New("faceclient: invalid image")
)

// FaceQuality contains face quality metrics.
type FaceQuality struct {
	Score     float64 `json:"score"`
	Blur      float64 `json:"blur"`
	PoseYaw   float64 `json:"pose_yaw"`
	PosePitch float64 `json:"pose_pitch"`
	PoseRoll  float64 `json:"pose_roll"`
	FaceSize  int     `json:"face_size"`
	IsFrontal bool    `json:"is_frontal"`
}

// EmbedResult contains the face embedding and detection confidence.
type EmbedResult struct {
	Embedding     []float32
	Score         float64
	FacesDetected int
	Quality       *FaceQuality
}

// EmotionResult is the emotion analysis of the most prominent face.
type EmotionResult struct {
	Dominant   string             `json:"dominant_emotion"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"emotion_scores"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	// Dim is the embedding length produced in Skip mode.
	Dim int
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool, dim int) *Client {
	if dim <= 0 {
		dim = 128
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		Dim:     dim,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Embed returns the embedding of the single most prominent face in image.
func (c *Client) Embed(ctx context.Context, image []byte) ([]float32, error) {
	result, err := c.EmbedWithScore(ctx, image)
	if err != nil {
		return nil, err
	}
	return result.Embedding, nil
}

// EmbedWithScore requests an embedding and returns full result including score.
func (c *Client) EmbedWithScore(ctx context.Context, image []byte) (*EmbedResult, error) {
	if len(image) == 0 {
		return nil, ErrInvalidImage
	}
	if c.Skip {
		return &EmbedResult{
			Embedding:     pseudoEmbedding(image, c.Dim),
			Score:         0.95,
			FacesDetected: 1,
			Quality:       &FaceQuality{Score: 0.85, IsFrontal: true},
		}, nil
	}

	var out struct {
		Embedding     []float32    `json:"embedding"`
		Score         float64      `json:"score"`
		FacesDetected int          `json:"faces_detected"`
		Quality       *FaceQuality `json:"quality"`
	}
	if err := c.post(ctx, "/embed", imagePayload(image), &out); err != nil {
		return nil, err
	}
	if out.FacesDetected == 0 || len(out.Embedding) == 0 {
		return nil, ErrNoFace
	}
	return &EmbedResult{
		Embedding:     out.Embedding,
		Score:         out.Score,
		FacesDetected: out.FacesDetected,
		Quality:       out.Quality,
	}, nil
}

// AnalyzeEmotion classifies the facial expression in image.
func (c *Client) AnalyzeEmotion(ctx context.Context, image []byte) (*EmotionResult, error) {
	if len(image) == 0 {
		return nil, ErrInvalidImage
	}
	if c.Skip {
		return &EmotionResult{
			Dominant:   "neutral",
			Confidence: 0.8,
			Scores:     map[string]float64{"neutral": 0.8, "happy": 0.15, "sad": 0.05},
		}, nil
	}

	var out struct {
		EmotionResult
		FacesDetected int `json:"faces_detected"`
	}
	if err := c.post(ctx, "/emotion", imagePayload(image), &out); err != nil {
		return nil, err
	}
	if out.FacesDetected == 0 || out.Dominant == "" {
		return nil, ErrNoFace
	}
	return &out.EmotionResult, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

func imagePayload(image []byte) map[string]string {
	return map[string]string{"image": base64.StdEncoding.EncodeToString(image)}
}

// post sends a JSON request and decodes the JSON reply into out. The service
// answers 422 for images without a face and 400 for undecodable images.
func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return ErrNoFace
	case resp.StatusCode == http.StatusBadRequest:
		return ErrInvalidImage
	case resp.StatusCode >= 300:
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// pseudoEmbedding derives a stable unit vector from the image bytes so the
// same photo always maps to the same template in Skip mode.
func pseudoEmbedding(image []byte, dim int) []float32 {
	out := make([]float32, dim)
	seed := sha256.Sum256(image)
	block := seed[:]
	var norm float64
	for i := 0; i < dim; i++ {
		if i%8 == 0 && i > 0 {
			next := sha256.Sum256(block)
			block = next[:]
		}
		v := binary.BigEndian.Uint32(block[(i%8)*4:])
		f := float64(v)/math.MaxUint32*2 - 1
		out[i] = float32(f)
		norm += f * f
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return out
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}
