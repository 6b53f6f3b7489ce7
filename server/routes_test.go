package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/xlm/api"
	"github.com/ollama/xlm/gesture"
	"github.com/ollama/xlm/runner/xlmrunner"
	"github.com/ollama/xlm/version"
)

type fakePredictor struct {
	texts    []string
	suggests []xlmrunner.SuggestRequest
}

func (f *fakePredictor) PredictNextWord(text string) []xlmrunner.Suggestion {
	f.texts = append(f.texts, text)
	return []xlmrunner.Suggestion{{Text: "pizza", Probability: 0.5}, {Text: "pasta", Probability: 0.25}}
}

func (f *fakePredictor) Suggest(req xlmrunner.SuggestRequest) []xlmrunner.Suggestion {
	f.suggests = append(f.suggests, req)
	return []xlmrunner.Suggestion{{Text: "hello", Probability: 0.75}}
}

func newTestServer(t *testing.T) (*Server, *fakePredictor, http.Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	p := &fakePredictor{}
	s := NewServer(p)
	return s, p, s.GenerateRoutes()
}

func request(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var b bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&b).Encode(body))
	}

	req := httptest.NewRequest(method, path, &b)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) api.SuggestResponse {
	t.Helper()

	var resp api.SuggestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestPredictHandler(t *testing.T) {
	_, p, h := newTestServer(t)

	w := request(t, h, http.MethodPost, "/api/predict", api.PredictRequest{Context: "I like to eat"})
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode(t, w)
	assert.NotEmpty(t, resp.ID)
	if diff := cmp.Diff([]api.Suggestion{{Text: "pizza", Probability: 0.5}, {Text: "pasta", Probability: 0.25}}, resp.Suggestions); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{"I like to eat"}, p.texts)

	// every response has its own id
	assert.NotEqual(t, resp.ID, decode(t, request(t, h, http.MethodPost, "/api/predict", api.PredictRequest{})).ID)
}

func TestCorrectHandler(t *testing.T) {
	_, p, h := newTestServer(t)

	w := request(t, h, http.MethodPost, "/api/correct", api.CorrectRequest{
		Context: "say",
		Points:  []api.Point{{X: 600, Y: 150}, {X: 250, Y: 50}},
		Swipe:   true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	want := xlmrunner.SuggestRequest{
		Context:     "say",
		PartialWord: "??",
		InputMode:   xlmrunner.InputModeSwipe,
		Points:      []gesture.Point{{X: 600, Y: 150}, {X: 250, Y: 50}},
	}
	if diff := cmp.Diff([]xlmrunner.SuggestRequest{want}, p.suggests); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	w = request(t, h, http.MethodPost, "/api/correct", api.CorrectRequest{Context: "say"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSuggestHandler(t *testing.T) {
	cases := []struct {
		name   string
		req    api.SuggestRequest
		status int
		mode   xlmrunner.InputMode
	}{
		{"tap", api.SuggestRequest{PartialWord: "h", InputMode: api.InputModeTap, Points: []api.Point{{X: 1, Y: 2}}}, http.StatusOK, xlmrunner.InputModeTap},
		{"default mode", api.SuggestRequest{PartialWord: "h", Points: []api.Point{{X: 1, Y: 2}}}, http.StatusOK, xlmrunner.InputModeTap},
		{"swipe", api.SuggestRequest{PartialWord: "h", InputMode: api.InputModeSwipe, Points: []api.Point{{X: 1, Y: 2}}}, http.StatusOK, xlmrunner.InputModeSwipe},
		{"invalid mode", api.SuggestRequest{InputMode: "voice"}, http.StatusBadRequest, 0},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, p, h := newTestServer(t)

			w := request(t, h, http.MethodPost, "/api/suggest", tt.req)
			require.Equal(t, tt.status, w.Code)

			if tt.status != http.StatusOK {
				assert.Empty(t, p.suggests)
				return
			}

			require.Len(t, p.suggests, 1)
			assert.Equal(t, tt.mode, p.suggests[0].InputMode)
			assert.Equal(t, []gesture.Point{{X: 1, Y: 2}}, p.suggests[0].Points)
		})
	}
}

func TestMalformedRequest(t *testing.T) {
	_, _, h := newTestServer(t)

	for _, path := range []string{"/api/predict", "/api/correct", "/api/suggest"} {
		req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString("{"))
		req.Header.Set("Content-Type", "application/json")

		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestBusy(t *testing.T) {
	s, p, h := newTestServer(t)
	s.timeout = 10 * time.Millisecond

	require.NoError(t, s.sem.Acquire(context.Background(), 1))

	w := request(t, h, http.MethodPost, "/api/predict", api.PredictRequest{Context: "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "busy")
	assert.Empty(t, p.texts)

	s.sem.Release(1)

	w = request(t, h, http.MethodPost, "/api/predict", api.PredictRequest{Context: "x"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGeneral(t *testing.T) {
	_, _, h := newTestServer(t)

	w := request(t, h, http.MethodHead, "/", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = request(t, h, http.MethodGet, "/api/version", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var v struct {
		Version string `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	assert.Equal(t, version.Version, v.Version)

	w = request(t, h, http.MethodGet, "/api/predict", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestLoadWithoutModel(t *testing.T) {
	t.Setenv("XLM_MODEL", "")

	_, err := Load()
	assert.ErrorIs(t, err, ErrNoModel)
}
