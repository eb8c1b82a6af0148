package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/repeater"
)

// HTTPClient is an interface for http client, satisfied by *http.Client
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// LayersModel is an in-process model: token embedding, average pooling over the sequence
// and a stack of dense layers. The last layer produces [not-spam, spam].
type LayersModel struct {
	Length    int          `json:"input_length"` // expected sequence length, 0 for any
	Embedding [][]float64  `json:"embedding"`    // [token id][embedding dim]
	Layers    []DenseLayer `json:"layers"`
}

// DenseLayer is a fully connected layer, Kernel is [inputs][units]
type DenseLayer struct {
	Activation string      `json:"activation"` // relu, tanh, sigmoid, softmax or linear (default)
	Kernel     [][]float64 `json:"kernel"`
	Bias       []float64   `json:"bias"`
}

// ParseLayersModel reads and validates json model description
func ParseLayersModel(r io.Reader) (*LayersModel, error) {
	var m LayersModel
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("can't decode model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model: %w", err)
	}
	return &m, nil
}

// InputLength returns expected sequence length
func (m *LayersModel) InputLength() int { return m.Length }

// Predict runs the forward pass for every sequence in the batch
func (m *LayersModel) Predict(ctx context.Context, batch [][]int) ([][]float64, error) {
	res := make([][]float64, 0, len(batch))
	for i, seq := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(seq) == 0 {
			return nil, fmt.Errorf("%w: empty sequence %d", ErrMalformedInput, i)
		}
		x, err := m.pool(seq)
		if err != nil {
			return nil, err
		}
		for _, l := range m.Layers {
			x = l.forward(x)
		}
		res = append(res, x)
	}
	return res, nil
}

// pool averages embeddings of all tokens, pad tokens included
func (m *LayersModel) pool(seq []int) ([]float64, error) {
	dim := len(m.Embedding[0])
	res := make([]float64, dim)
	for _, id := range seq {
		if id < 0 || id >= len(m.Embedding) {
			return nil, fmt.Errorf("%w: token id %d out of embedding range %d", ErrMalformedInput, id, len(m.Embedding))
		}
		for j, v := range m.Embedding[id] {
			res[j] += v
		}
	}
	for j := range res {
		res[j] /= float64(len(seq))
	}
	return res, nil
}

func (l DenseLayer) forward(x []float64) []float64 {
	units := len(l.Bias)
	out := make([]float64, units)
	for j := range units {
		sum := l.Bias[j]
		for i, xv := range x {
			sum += xv * l.Kernel[i][j]
		}
		out[j] = sum
	}

	switch strings.ToLower(l.Activation) {
	case "relu":
		for j, v := range out {
			out[j] = math.Max(0, v)
		}
	case "tanh":
		for j, v := range out {
			out[j] = math.Tanh(v)
		}
	case "sigmoid":
		for j, v := range out {
			out[j] = 1 / (1 + math.Exp(-v))
		}
	case "softmax":
		maxV := math.Inf(-1)
		for _, v := range out {
			maxV = math.Max(maxV, v)
		}
		sum := 0.0
		for j, v := range out {
			out[j] = math.Exp(v - maxV)
			sum += out[j]
		}
		for j := range out {
			out[j] /= sum
		}
	}
	return out
}

func (m *LayersModel) validate() error {
	if len(m.Embedding) == 0 || len(m.Embedding[0]) == 0 {
		return errors.New("empty embedding")
	}
	if m.Length < 0 {
		return fmt.Errorf("negative input length %d", m.Length)
	}
	dim := len(m.Embedding[0])
	for i, row := range m.Embedding {
		if len(row) != dim {
			return fmt.Errorf("embedding row %d has %d values, expected %d", i, len(row), dim)
		}
	}
	if len(m.Layers) == 0 {
		return errors.New("no dense layers")
	}

	inputs := dim
	for i, l := range m.Layers {
		switch strings.ToLower(l.Activation) {
		case "", "linear", "relu", "tanh", "sigmoid", "softmax":
		default:
			return fmt.Errorf("layer %d: unknown activation %q", i, l.Activation)
		}
		if len(l.Kernel) != inputs {
			return fmt.Errorf("layer %d: kernel has %d rows, expected %d", i, len(l.Kernel), inputs)
		}
		units := len(l.Bias)
		if units == 0 {
			return fmt.Errorf("layer %d: no units", i)
		}
		for r, row := range l.Kernel {
			if len(row) != units {
				return fmt.Errorf("layer %d: kernel row %d has %d values, expected %d", i, r, len(row), units)
			}
		}
		inputs = units
	}
	if inputs != 2 {
		return fmt.Errorf("last layer has %d units, expected 2", inputs)
	}
	return nil
}

// LayersLoader loads LayersModel from a local file or http(s) url
type LayersLoader struct {
	Location   string        // file path or url of the model json
	HTTPClient HTTPClient    // client for remote locations
	Retries    int           // number of attempts for remote locations, 1 if not set
	RetryDelay time.Duration // delay between attempts
}

// Load reads the model from the location. Remote locations are retried.
func (l *LayersLoader) Load(ctx context.Context) (Model, error) {
	if l.Location == "" {
		return nil, errors.New("model location is not set")
	}

	if fileutils.IsFile(l.Location) {
		fh, err := os.Open(l.Location)
		if err != nil {
			return nil, fmt.Errorf("can't open model file %s: %w", l.Location, err)
		}
		defer fh.Close()
		return ParseLayersModel(fh)
	}

	if !isURL(l.Location) {
		return nil, fmt.Errorf("model file %s not found", l.Location)
	}

	var res *LayersModel
	err := fetch(ctx, l.HTTPClient, l.Retries, l.RetryDelay, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.Location, http.NoBody)
		if err != nil {
			return fmt.Errorf("can't make request: %w", err)
		}
		resp, err := l.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("can't get model from %s: %w", l.Location, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, l.Location)
		}
		m, err := ParseLayersModel(resp.Body)
		if err != nil {
			return err
		}
		res = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// fetch calls fn with retries, up to the number of attempts
func fetch(ctx context.Context, client HTTPClient, attempts int, delay time.Duration, fn func() error) error {
	if client == nil {
		return errors.New("http client is not set")
	}
	if attempts < 1 {
		attempts = 1
	}
	attempt := 0
	return repeater.NewDefault(attempts, delay).Do(ctx, func() error {
		attempt++
		if err := fn(); err != nil {
			if attempt < attempts {
				log.Printf("[WARN] attempt %d of %d failed, %v", attempt, attempts, err)
			}
			return err
		}
		return nil
	})
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
