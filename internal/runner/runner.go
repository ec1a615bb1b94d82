// Package runner drives HTTP load against the print-dispatch endpoint. It
// maintains a resizable pool of virtual users, each issuing requests in a
// closed loop, and records response-time, success-rate and throughput samples
// for every observation.
package runner

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchworks/printload/internal/common/loaderrors"
	"github.com/dispatchworks/printload/internal/common/logging"
	"github.com/dispatchworks/printload/internal/metrics"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxResponseBodyBytes  = 1 << 20
)

// Classifier decides whether a response counts as successful. Which status
// codes and body contents are acceptable is a business rule owned by the
// caller; the runner never re-derives it.
type Classifier func(statusCode int, body []byte) bool

// DefaultClassifier accepts any 2xx response.
func DefaultClassifier(statusCode int, _ []byte) bool {
	return statusCode >= 200 && statusCode < 300
}

// Config holds the immutable parameters of one runner instance.
type Config struct {
	TestID         string
	URL            string
	Method         string        // defaults to POST
	Body           []byte        // request body sent with every request
	RequestTimeout time.Duration // defaults to 30s
}

func (c Config) Validate() error {
	if c.TestID == "" {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "TestID", Value: c.TestID, Message: "not provided",
		})
	}
	if c.URL == "" {
		return errors.WithStack(&loaderrors.ErrInvalidArgument{
			Name: "URL", Value: c.URL, Message: "not provided",
		})
	}
	return nil
}

// Runner issues requests from a pool of virtual-user goroutines. The pool is
// resized at runtime through SetConcurrency, which is the target of the
// adjuster's notification hook.
type Runner struct {
	config   Config
	store    *metrics.Store
	classify Classifier
	client   *http.Client
	log      *logrus.Entry

	mu      sync.Mutex
	workers []chan struct{}
	closed  bool
	wg      sync.WaitGroup

	requestCount int64
}

func New(config Config, store *metrics.Store, classify Classifier) (*Runner, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Runner{
		config:   config,
		store:    store,
		classify: classify,
		client:   &http.Client{Timeout: config.RequestTimeout},
		log:      logrus.StandardLogger().WithField("service", "Runner").WithField("test", config.TestID),
	}, nil
}

// Run ramps up to initialUsers and drives load until ctx is cancelled, then
// retires all workers and waits for in-flight requests to finish. Once the
// shutdown starts the pool is closed: later SetConcurrency calls, e.g., from
// an adjustment tick racing the drain, are ignored instead of resurrecting
// workers.
func (r *Runner) Run(ctx context.Context, initialUsers int) error {
	r.log.WithField("users", initialUsers).WithField("url", r.config.URL).Info("starting load")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.throughputLoop(ctx)
	})

	r.SetConcurrency(initialUsers, "initial ramp")
	<-ctx.Done()

	r.mu.Lock()
	r.closed = true
	r.resize(0, "shutdown")
	r.mu.Unlock()
	r.wg.Wait()
	r.log.Info("load stopped")
	return g.Wait()
}

// SetConcurrency resizes the virtual user pool to n. It matches the
// adjuster's NotifyFunc signature. Calls after the run has shut down are
// no-ops.
func (r *Runner) SetConcurrency(n int, reason string) {
	if n < 0 {
		n = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.WithField("users", n).Debug("pool closed; ignoring resize")
		return
	}
	r.resize(n, reason)
}

// resize must be called with mu held.
func (r *Runner) resize(n int, reason string) {
	if n != len(r.workers) {
		r.log.WithField("previous", len(r.workers)).WithField("users", n).Info(reason)
	}
	for len(r.workers) < n {
		stop := make(chan struct{})
		r.workers = append(r.workers, stop)
		r.wg.Add(1)
		go r.worker(stop)
	}
	for len(r.workers) > n {
		last := len(r.workers) - 1
		close(r.workers[last])
		r.workers = r.workers[:last]
	}
}

// ActiveWorkers returns the current virtual user count.
func (r *Runner) ActiveWorkers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// worker issues requests back to back until its stop channel is closed.
func (r *Runner) worker(stop chan struct{}) {
	defer r.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		r.issueRequest()
	}
}

// issueRequest sends one dispatch request and records its observation.
// Transport failures count as unsuccessful requests, not as runner errors.
func (r *Runner) issueRequest() {
	start := time.Now()
	success := false

	req, err := http.NewRequest(r.config.Method, r.config.URL, bytes.NewReader(r.config.Body))
	if err != nil {
		logging.WithStacktrace(r.log, errors.WithStack(err)).Error("failed to build dispatch request")
		return
	}
	resp, err := r.client.Do(req)
	if err == nil {
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
		_ = resp.Body.Close()
		if readErr == nil {
			success = r.classify(resp.StatusCode, body)
		}
	}
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)

	r.store.Record(r.config.TestID, metrics.MetricResponseTime, elapsedMs)
	successRate := 0.0
	if success {
		successRate = 100
	}
	r.store.Record(r.config.TestID, metrics.MetricSuccessRate, successRate)
	atomic.AddInt64(&r.requestCount, 1)
}

// throughputLoop records one tps sample per second, computed from the number
// of requests completed since the previous sample.
func (r *Runner) throughputLoop(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			count := atomic.SwapInt64(&r.requestCount, 0)
			r.store.Record(r.config.TestID, metrics.MetricTPS, float64(count))
		}
	}
}
