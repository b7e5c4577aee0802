package faceclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbedSkipIsDeterministic(t *testing.T) {
	c := New("", true, 128)
	ctx := context.Background()

	a, err := c.Embed(ctx, []byte("photo-a"))
	require.NoError(t, err)
	require.Len(t, a, 128)
	again, err := c.Embed(ctx, []byte("photo-a"))
	require.NoError(t, err)
	assert.Equal(t, a, again)

	b, err := c.Embed(ctx, []byte("photo-b"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-4)

	_, err = c.Embed(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestEmbedRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Image string `json:"image"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		raw, err := base64.StdEncoding.DecodeString(in.Image)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch string(raw) {
		case "face":
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{0.1, 0.2}, "faces_detected": 1, "score": 0.9})
		case "wall":
			w.WriteHeader(http.StatusUnprocessableEntity)
		case "empty-result":
			_ = json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{}, "faces_detected": 0})
		case "broken":
			w.WriteHeader(http.StatusBadRequest)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, false, 2)
	ctx := context.Background()

	emb, err := c.Embed(ctx, []byte("face"))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, emb)

	_, err = c.Embed(ctx, []byte("wall"))
	assert.ErrorIs(t, err, ErrNoFace)
	_, err = c.Embed(ctx, []byte("empty-result"))
	assert.ErrorIs(t, err, ErrNoFace)
	_, err = c.Embed(ctx, []byte("broken"))
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = c.Embed(ctx, []byte("boom"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoFace)
}

func TestAnalyzeEmotionRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/emotion", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"dominant_emotion": "happy",
			"confidence":       0.91,
			"emotion_scores":   map[string]float64{"happy": 0.91, "neutral": 0.09},
			"faces_detected":   1,
		})
	}))
	defer srv.Close()

	res, err := New(srv.URL, false, 0).AnalyzeEmotion(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "happy", res.Dominant)
	assert.InDelta(t, 0.91, res.Scores["happy"], 1e-9)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	assert.Error(t, New(srv.URL, false, 0).Health(context.Background()))
	assert.NoError(t, New(srv.URL, true, 0).Health(context.Background()))
}
