// Package listing 从后端清单接口刷新模块注册表。
package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/modgate/internal/logging"
	"github.com/any-hub/modgate/internal/modregistry"
	"github.com/any-hub/modgate/internal/version"
)

const successCode = "200"

// RefreshError 表示一次刷新最终失败，注册表保持原样。
type RefreshError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh module listing %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Upserter 是刷新结果写入注册表所需的最小接口。
type Upserter interface {
	Upsert(entries ...modregistry.Descriptor) int
}

// Options 汇总 Refresher 的依赖与重试参数。
type Options struct {
	URL            string
	Client         *http.Client
	Registry       Upserter
	MaxRetries     int
	InitialBackoff time.Duration
	Logger         *logrus.Logger
}

// Status 描述最近一次刷新的结果，用于诊断接口。
type Status struct {
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Modules     int       `json:"modules"`
}

// Refresher 拉取清单并合并进注册表；失败时保留旧数据。
type Refresher struct {
	url      string
	client   *http.Client
	registry Upserter
	retries  int
	initial  time.Duration
	logger   *logrus.Logger

	mu     sync.Mutex
	status Status
	now    func() time.Time
}

// New 构造 Refresher。
func New(opts Options) (*Refresher, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, errors.New("listing url is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	initial := opts.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	return &Refresher{
		url:      opts.URL,
		client:   client,
		registry: opts.Registry,
		retries:  retries,
		initial:  initial,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Status 返回最近一次刷新结果的快照。
func (r *Refresher) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Refresh 拉取一次清单并写入注册表，返回写入的条数。
// 网络错误与 5xx 会按指数退避重试，其余错误立即失败。
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	started := r.now()
	attempts := 0

	var resp Response
	operation := func() error {
		attempts++
		result, err := r.fetch(ctx)
		if err != nil {
			return err
		}
		resp = result
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.initial
	policy.MaxElapsedTime = 0
	retryPolicy := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.retries)), ctx)

	notify := func(err error, wait time.Duration) {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":  "listing_refresh",
			"attempt": attempts,
			"wait_ms": wait.Milliseconds(),
		}).Warn("listing refresh attempt failed, retrying")
	}

	if err := backoff.RetryNotify(operation, retryPolicy, notify); err != nil {
		refreshErr := &RefreshError{URL: r.url, Attempts: attempts, Err: err}
		r.mu.Lock()
		r.status.LastAttempt = started
		r.status.LastError = refreshErr.Error()
		r.mu.Unlock()

		r.logger.WithError(err).WithFields(logrus.Fields{
			"action":   "listing_refresh",
			"url":      r.url,
			"attempts": attempts,
		}).Error("listing refresh failed, keeping previous registry")
		return 0, refreshErr
	}

	applied := r.registry.Upsert(Normalize(resp.Results)...)

	r.mu.Lock()
	r.status = Status{
		LastAttempt: started,
		LastSuccess: r.now(),
		Modules:     applied,
	}
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"action":   "listing_refresh",
		"url":      r.url,
		"modules":  applied,
		"attempts": attempts,
	}).Info("module listing refreshed")
	return applied, nil
}

// Run 每隔 interval 刷新一次，直到 ctx 结束；interval <= 0 时直接返回。
func (r *Refresher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 失败已在 Refresh 中记录，注册表保持旧数据。
			_, _ = r.Refresh(ctx)
		}
	}
}

func (r *Refresher) fetch(ctx context.Context) (Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader([]byte("{}")))
	if err != nil {
		return Response{}, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	httpResp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, backoff.Permanent(err)
		}
		return Response{}, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if err != nil {
		return Response{}, err
	}

	switch {
	case httpResp.StatusCode >= 500:
		return Response{}, fmt.Errorf("listing responded %d", httpResp.StatusCode)
	case httpResp.StatusCode < 200 || httpResp.StatusCode > 299:
		return Response{}, backoff.Permanent(fmt.Errorf("listing responded %d", httpResp.StatusCode))
	}

	var parsed Response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Response{}, backoff.Permanent(fmt.Errorf("decode listing: %w", err))
	}
	if parsed.Code != successCode {
		return Response{}, backoff.Permanent(fmt.Errorf("listing code %q: %s", parsed.Code, parsed.Message))
	}
	if parsed.Results == nil {
		return Response{}, backoff.Permanent(errors.New("listing has no results"))
	}
	return parsed, nil
}
