package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedreamGenerate(t *testing.T) {
	var gotPayload map[string]any
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/generate" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"image_url": "https://cdn.example.com/out.png",
			"seed":      42,
		})
	}))
	defer srv.Close()

	c := NewSeedreamClient(SeedreamOptions{BaseURL: srv.URL, APIKey: "sk-test"})
	result, err := c.Generate(context.Background(), GenerateParams{
		Prompt: "a portrait",
		Width:  1024,
		Height: 1820,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/out.png", result.ImageURL)
	assert.Equal(t, int64(42), result.Seed)

	assert.Equal(t, "Bearer sk-test", gotAuth)
	assert.Equal(t, "a portrait", gotPayload["prompt"])
	assert.Equal(t, "1024x1820", gotPayload["size"])
}

func TestSeedreamGenerate_OpenAIStyleResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"url": "https://cdn.example.com/alt.png"}},
		})
	}))
	defer srv.Close()

	c := NewSeedreamClient(SeedreamOptions{BaseURL: srv.URL})
	result, err := c.Generate(context.Background(), GenerateParams{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/alt.png", result.ImageURL)
}

func TestSeedreamGenerate_ReferenceImages(t *testing.T) {
	refSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad.png" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("pngbytes"))
	}))
	defer refSrv.Close()

	var gotPayload map[string]any
	genSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(map[string]any{"image_url": "https://cdn.example.com/out.png"})
	}))
	defer genSrv.Close()

	c := NewSeedreamClient(SeedreamOptions{BaseURL: genSrv.URL})
	_, err := c.Generate(context.Background(), GenerateParams{
		Prompt: "x",
		ReferenceImages: []string{
			refSrv.URL + "/good1.png",
			refSrv.URL + "/bad.png", // fetch fails, skipped
			refSrv.URL + "/good2.png",
		},
	})
	require.NoError(t, err)

	// Failed reference dropped, survivors inlined as data URLs in order
	images, ok := gotPayload["image"].([]any)
	require.True(t, ok, "expected image list, got %T", gotPayload["image"])
	require.Len(t, images, 2)
	for _, img := range images {
		assert.True(t, strings.HasPrefix(img.(string), "data:image/png;base64,"))
	}
}

func TestSeedreamGenerate_SingleReferenceIsScalar(t *testing.T) {
	refSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegbytes"))
	}))
	defer refSrv.Close()

	var gotPayload map[string]any
	genSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(map[string]any{"image_url": "u"})
	}))
	defer genSrv.Close()

	c := NewSeedreamClient(SeedreamOptions{BaseURL: genSrv.URL})
	_, err := c.Generate(context.Background(), GenerateParams{
		Prompt:          "x",
		ReferenceImages: []string{refSrv.URL + "/one.jpg"},
	})
	require.NoError(t, err)

	_, isString := gotPayload["image"].(string)
	assert.True(t, isString, "single reference should be a scalar, got %T", gotPayload["image"])
}

func TestSeedreamGenerate_DataURLPassthrough(t *testing.T) {
	var gotPayload map[string]any
	genSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_ = json.NewEncoder(w).Encode(map[string]any{"image_url": "u"})
	}))
	defer genSrv.Close()

	dataURL := "data:image/png;base64,aGVsbG8="
	c := NewSeedreamClient(SeedreamOptions{BaseURL: genSrv.URL})
	_, err := c.Generate(context.Background(), GenerateParams{
		Prompt:          "x",
		ReferenceImages: []string{dataURL},
	})
	require.NoError(t, err)
	assert.Equal(t, dataURL, gotPayload["image"])
}

func TestSeedreamGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewSeedreamClient(SeedreamOptions{BaseURL: srv.URL})
	_, err := c.Generate(context.Background(), GenerateParams{Prompt: "x"})
	assert.ErrorContains(t, err, "unexpected status 500")
}

func TestSeedreamHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewSeedreamClient(SeedreamOptions{BaseURL: srv.URL})
	assert.True(t, c.Health(context.Background()))

	c = NewSeedreamClient(SeedreamOptions{BaseURL: "http://127.0.0.1:1"})
	assert.False(t, c.Health(context.Background()))
}

func TestBytesToDataURL(t *testing.T) {
	url := BytesToDataURL([]byte("hi"), "image/png")
	assert.Equal(t, "data:image/png;base64,aGk=", url)

	url = BytesToDataURL([]byte("hi"), "")
	assert.True(t, strings.HasPrefix(url, "data:image/jpeg;base64,"))
}
