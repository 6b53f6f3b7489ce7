package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollama/xlm/api"
)

func newTestServer(t *testing.T, fn func(path string, body []byte)) {
	t.Helper()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}

		var body bytes.Buffer
		if _, err := body.ReadFrom(r.Body); err != nil {
			t.Error(err)
		}
		fn(r.URL.Path, body.Bytes())

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(api.SuggestResponse{
			ID: "test",
			Suggestions: []api.Suggestion{
				{Text: "hello", Probability: 0.5},
				{Text: "help", Probability: 0.125},
			},
		}); err != nil {
			t.Error(err)
		}
	}))
	t.Cleanup(ts.Close)

	t.Setenv("XLM_HOST", ts.URL)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&out)
	cli.SetErr(&out)
	cli.SetArgs(args)

	err := cli.ExecuteContext(t.Context())
	return out.String(), err
}

func TestPredict(t *testing.T) {
	var got api.PredictRequest
	newTestServer(t, func(path string, body []byte) {
		assert.Equal(t, "/api/predict", path)
		assert.NoError(t, json.Unmarshal(body, &got))
	})

	out, err := execute(t, "predict", "I", "like", "to", "eat")
	require.NoError(t, err)

	assert.Equal(t, "I like to eat", got.Context)
	assert.Equal(t, "hello\t0.5000\nhelp\t0.1250\n", out)
}

func TestCorrect(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want api.CorrectRequest
	}{
		{
			name: "key centres",
			args: []string{"correct", "say", "Hi"},
			want: api.CorrectRequest{Context: "say", Points: []api.Point{{X: 600, Y: 150}, {X: 750, Y: 50}}},
		},
		{
			name: "explicit points",
			args: []string{"correct", "--swipe", "--points", "1,2; 3,4", "hi"},
			want: api.CorrectRequest{Points: []api.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, Swipe: true},
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			var got api.CorrectRequest
			newTestServer(t, func(path string, body []byte) {
				assert.Equal(t, "/api/correct", path)
				assert.NoError(t, json.Unmarshal(body, &got))
			})

			_, err := execute(t, tt.args...)
			require.NoError(t, err)

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCorrectNoKeys(t *testing.T) {
	newTestServer(t, func(string, []byte) { t.Error("unexpected request") })

	_, err := execute(t, "correct", "123")
	assert.Error(t, err)
}

func TestParsePoints(t *testing.T) {
	points, err := parsePoints("10,20;30, 40;")
	require.NoError(t, err)
	assert.Equal(t, []api.Point{{X: 10, Y: 20}, {X: 30, Y: 40}}, points)

	for _, s := range []string{"10", "a,1", "1,b"} {
		_, err := parsePoints(s)
		assert.ErrorIs(t, err, errInvalidPoints, s)
	}
}

func TestPrintSuggestionsTable(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printSuggestions(&out, true, []api.Suggestion{{Text: "pizza", Probability: 0.25}}))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "SUGGESTION")
	assert.Contains(t, lines[1], "pizza")
	assert.Contains(t, lines[1], "25.0%")
}

func TestEnv(t *testing.T) {
	t.Setenv("XLM_LAYOUT", "dvorak")

	out, err := execute(t, "env")
	require.NoError(t, err)

	assert.Contains(t, out, "XLM_MODEL")
	assert.Regexp(t, `XLM_LAYOUT\s+dvorak`, out)
}

func TestNoServer(t *testing.T) {
	t.Setenv("XLM_HOST", "127.0.0.1:1")

	_, err := execute(t, "predict", "hello")
	assert.ErrorContains(t, err, "could not connect")
}
