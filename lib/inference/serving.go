package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ServingLoader connects to a remote model served over REST, tensorflow-serving style.
// Load checks the model status with GET on the url, prediction requests go to <url>:predict.
type ServingLoader struct {
	URL        string        // model url, i.e. http://localhost:8501/v1/models/spam
	HTTPClient HTTPClient    // http client, required
	Length     int           // expected sequence length, 0 for any
	Retries    int           // number of status check attempts, 1 if not set
	RetryDelay time.Duration // delay between status check attempts
}

// Load verifies the remote model is available and returns a client for it
func (l *ServingLoader) Load(ctx context.Context) (Model, error) {
	if !isURL(l.URL) {
		return nil, fmt.Errorf("invalid model url %q", l.URL)
	}
	url := strings.TrimSuffix(l.URL, "/")

	err := fetch(ctx, l.HTTPClient, l.Retries, l.RetryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
		if err != nil {
			return fmt.Errorf("can't make request: %w", err)
		}
		resp, err := l.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("can't get model status from %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
		}

		var status struct {
			Versions []struct {
				State string `json:"state"`
			} `json:"model_version_status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("can't decode model status: %w", err)
		}
		for _, v := range status.Versions {
			if v.State == "AVAILABLE" {
				return nil
			}
		}
		return errors.New("no available model version")
	})
	if err != nil {
		return nil, err
	}
	return &ServingModel{url: url, client: l.HTTPClient, length: l.Length}, nil
}

// ServingModel is a client for a remote model
type ServingModel struct {
	url    string
	client HTTPClient
	length int
}

// InputLength returns expected sequence length
func (m *ServingModel) InputLength() int { return m.length }

// Predict sends the batch as {"instances": batch} and reads {"predictions": [[p0, p1], ...]}
func (m *ServingModel) Predict(ctx context.Context, batch [][]int) ([][]float64, error) {
	body, err := json.Marshal(struct {
		Instances [][]int `json:"instances"`
	}{Instances: batch})
	if err != nil {
		return nil, fmt.Errorf("can't marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url+":predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("can't make request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("can't send predict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s", ErrMalformedInput, strings.TrimSpace(string(msg)))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, m.url)
	}

	var res struct {
		Predictions [][]float64 `json:"predictions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("can't decode predictions: %w", err)
	}
	if len(res.Predictions) != len(batch) {
		return nil, fmt.Errorf("got %d predictions for %d inputs", len(res.Predictions), len(batch))
	}
	return res.Predictions, nil
}
