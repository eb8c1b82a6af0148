package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServingModel(t *testing.T) {
	var gotInstances [][]int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/models/spam":
			_, _ = w.Write([]byte(`{"model_version_status":[{"version":"1","state":"AVAILABLE"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/models/spam:predict":
			var req struct {
				Instances [][]int `json:"instances"`
			}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			gotInstances = req.Instances
			if len(req.Instances[0]) != 3 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"bad shape"}`))
				return
			}
			_, _ = w.Write([]byte(`{"predictions":[[0.25,0.75]]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()

	l := &ServingLoader{URL: ts.URL + "/v1/models/spam/", HTTPClient: &http.Client{Timeout: time.Second}, Length: 3}
	m, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, m.InputLength())

	out, err := m.Predict(context.Background(), [][]int{{1, 4, 0}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0.25, 0.75}}, out)
	assert.Equal(t, [][]int{{1, 4, 0}}, gotInstances)

	_, err = m.Predict(context.Background(), [][]int{{1, 4}})
	require.ErrorIs(t, err, ErrMalformedInput)
	assert.Contains(t, err.Error(), "bad shape")

	t.Run("engine over serving model", func(t *testing.T) {
		e, err := NewEngine(Config{Loader: l})
		require.NoError(t, err)
		res, err := e.Classify(context.Background(), []int{1, 2, 0})
		require.NoError(t, err)
		assert.Equal(t, Result{NotSpam: 0.25, Spam: 0.75}, res)
	})
}

func TestServingLoader_Errors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/loading":
			_, _ = w.Write([]byte(`{"model_version_status":[{"state":"LOADING"}]}`))
		case "/garbage":
			_, _ = w.Write([]byte(`not json`))
		case "/broken:predict":
			w.WriteHeader(http.StatusInternalServerError)
		case "/short:predict":
			_, _ = w.Write([]byte(`{"predictions":[]}`))
		case "/broken", "/short":
			_, _ = w.Write([]byte(`{"model_version_status":[{"state":"AVAILABLE"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()
	client := &http.Client{Timeout: time.Second}

	_, err := (&ServingLoader{URL: "localhost:8501", HTTPClient: client}).Load(context.Background())
	require.Error(t, err)

	_, err = (&ServingLoader{URL: ts.URL + "/loading", HTTPClient: client}).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no available model version")

	_, err = (&ServingLoader{URL: ts.URL + "/garbage", HTTPClient: client}).Load(context.Background())
	require.Error(t, err)

	_, err = (&ServingLoader{URL: ts.URL + "/missing", HTTPClient: client, Retries: 2, RetryDelay: time.Millisecond}).
		Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")

	m, err := (&ServingLoader{URL: ts.URL + "/broken", HTTPClient: client}).Load(context.Background())
	require.NoError(t, err)
	_, err = m.Predict(context.Background(), [][]int{{1}})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedInput)

	m, err = (&ServingLoader{URL: ts.URL + "/short", HTTPClient: client}).Load(context.Background())
	require.NoError(t, err)
	_, err = m.Predict(context.Background(), [][]int{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "got 0 predictions")
}
