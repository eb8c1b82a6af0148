// Package inference runs the spam classification model over encoded sequences.
// The model is loaded lazily on the first Classify call and shared by all callers afterwards.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
	"golang.org/x/sync/singleflight"
)

//go:generate moq --out mocks/model.go --pkg mocks --skip-ensure --with-resets . Model
//go:generate moq --out mocks/http_client.go --pkg mocks --skip-ensure --with-resets . HTTPClient

// ErrModelUnavailable returned if the model can't be loaded or failed to run a forward pass
var ErrModelUnavailable = errors.New("model unavailable")

// ErrMalformedInput returned if the encoded sequence doesn't match the shape expected by the model
var ErrMalformedInput = errors.New("malformed input")

// Result is a classification result, both probabilities are in [0, 1]
type Result struct {
	NotSpam float64 `json:"not_spam"`
	Spam    float64 `json:"spam"`
}

func (r Result) String() string {
	return fmt.Sprintf("not-spam: %.4f, spam: %.4f", r.NotSpam, r.Spam)
}

// Model is a loaded classifier. Predict gets a batch of sequences and returns
// a probability vector [not-spam, spam] for each of them.
type Model interface {
	Predict(ctx context.Context, batch [][]int) ([][]float64, error)
	InputLength() int // expected sequence length, 0 if any length is accepted
}

// Loader makes a Model, called once per process unless the load fails
type Loader interface {
	Load(ctx context.Context) (Model, error)
}

// LoaderFunc is an adapter to use ordinary functions as Loader
type LoaderFunc func(ctx context.Context) (Model, error)

// Load calls f(ctx)
func (f LoaderFunc) Load(ctx context.Context) (Model, error) { return f(ctx) }

// Config is a set of parameters for Engine
type Config struct {
	Loader      Loader        // model loader, required
	LoadTimeout time.Duration // timeout for model loading, no timeout if 0
	CacheTTL    time.Duration // ttl for cached results, cache disabled if 0
	CacheSize   int           // max number of cached results, default 1000
}

// Engine classifies encoded sequences with a lazily loaded model, thread-safe.
// Concurrent calls made before the model is ready share a single load.
// A failed load is not remembered, the next call tries again.
type Engine struct {
	Config
	group singleflight.Group
	cache cache.Cache[string, Result]

	lock  sync.RWMutex
	model Model
	loads atomic.Int64
}

const defaultCacheSize = 1000

// NewEngine makes an Engine, the model is not loaded until the first Classify or Warmup call
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Loader == nil {
		return nil, errors.New("model loader is not set")
	}
	res := &Engine{Config: cfg}
	if cfg.CacheTTL > 0 {
		size := cfg.CacheSize
		if size <= 0 {
			size = defaultCacheSize
		}
		res.cache = cache.NewCache[string, Result]().WithMaxKeys(size).WithTTL(cfg.CacheTTL)
	}
	return res, nil
}

// Classify runs the model over a single encoded sequence (batch of one).
// Returns error wrapping ErrModelUnavailable if the model can't be loaded or the forward pass failed,
// and ErrMalformedInput if the sequence doesn't fit the model.
func (e *Engine) Classify(ctx context.Context, seq []int) (Result, error) {
	if len(seq) == 0 {
		return Result{}, fmt.Errorf("%w: empty sequence", ErrMalformedInput)
	}

	model, err := e.getModel(ctx)
	if err != nil {
		return Result{}, err
	}

	if l := model.InputLength(); l > 0 && len(seq) != l {
		return Result{}, fmt.Errorf("%w: sequence length %d, expected %d", ErrMalformedInput, len(seq), l)
	}

	key := cacheKey(seq)
	if e.cache != nil {
		if res, ok := e.cache.Get(key); ok {
			return res, nil
		}
	}

	out, err := model.Predict(ctx, [][]int{seq})
	if err != nil {
		if errors.Is(err, ErrMalformedInput) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: forward pass failed: %w", ErrModelUnavailable, err)
	}
	if len(out) != 1 || len(out[0]) != 2 {
		return Result{}, fmt.Errorf("%w: unexpected output shape %v", ErrModelUnavailable, shape(out))
	}
	res := Result{NotSpam: out[0][0], Spam: out[0][1]}
	if !isProb(res.NotSpam) || !isProb(res.Spam) {
		return Result{}, fmt.Errorf("%w: probabilities out of range, %s", ErrModelUnavailable, res)
	}

	if e.cache != nil {
		e.cache.Set(key, res, e.CacheTTL)
	}
	return res, nil
}

// Warmup loads the model without classifying anything
func (e *Engine) Warmup(ctx context.Context) error {
	_, err := e.getModel(ctx)
	return err
}

// Loaded returns true if the model is already loaded
func (e *Engine) Loaded() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.model != nil
}

// Loads returns the number of load attempts made so far
func (e *Engine) Loads() int64 { return e.loads.Load() }

// getModel returns the loaded model, loading it if needed. Caller's context cancellation releases
// the caller but doesn't abort the shared load, other waiters still get the result.
func (e *Engine) getModel(ctx context.Context) (Model, error) {
	e.lock.RLock()
	m := e.model
	e.lock.RUnlock()
	if m != nil {
		return m, nil
	}

	ch := e.group.DoChan("model", func() (any, error) {
		e.lock.RLock()
		m := e.model
		e.lock.RUnlock()
		if m != nil {
			return m, nil // loaded by the previous flight
		}

		lctx := context.WithoutCancel(ctx)
		if e.LoadTimeout > 0 {
			var cancel context.CancelFunc
			lctx, cancel = context.WithTimeout(lctx, e.LoadTimeout)
			defer cancel()
		}

		e.loads.Add(1)
		st := time.Now()
		m, err := e.Loader.Load(lctx)
		if err != nil {
			return nil, err
		}
		if m == nil {
			return nil, errors.New("loader returned no model")
		}
		e.lock.Lock()
		e.model = m
		e.lock.Unlock()
		log.Printf("[INFO] model loaded in %v, input length %d", time.Since(st).Round(time.Millisecond), m.InputLength())
		return m, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, fmt.Errorf("%w: can't load model: %w", ErrModelUnavailable, r.Err)
		}
		return r.Val.(Model), nil
	}
}

func cacheKey(seq []int) string {
	var sb strings.Builder
	for i, v := range seq {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(v))
	}
	return sb.String()
}

func isProb(v float64) bool { return !math.IsNaN(v) && v >= 0 && v <= 1 }

func shape(out [][]float64) []int {
	res := []int{len(out)}
	if len(out) > 0 {
		res = append(res, len(out[0]))
	}
	return res
}
