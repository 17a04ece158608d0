// Package api talks to the batch scheduler and deployer REST endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	fberrors "github.com/fleetbench/fleetbench/common/errors"
	"github.com/fleetbench/fleetbench/common/stats"
)

//go:generate mockgen -source=client.go -package=api -destination=mock_api.go

// StatusClient queries and submits to the scheduler and the deployer. Calls
// are never retried beyond Config.Tries; the caller re-observes on its next
// pass.
type StatusClient interface {
	SchedulerStatus(ctx context.Context, site, id string) (string, error)
	SubmitSchedulerJob(ctx context.Context, site string, req SchedulerJobRequest) (string, error)
	DeploymentStatus(ctx context.Context, site, id string) (string, error)
	SubmitDeployment(ctx context.Context, site string, req DeploymentRequest) (string, error)
}

const (
	DefaultBaseURL = "https://api.grid5000.fr/stable"
	DefaultTries   = 1
	DefaultTimeout = 30 * time.Second
)

type Config struct {
	BaseURL           string
	Username          string
	Password          string
	Tries             int
	RequestsPerSecond float64
	Timeout           time.Duration
}

// Doer is satisfied by *pester.Client and *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

func MakePesterClient(tries int, timeout time.Duration) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.Timeout = timeout
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

type client struct {
	cfg     Config
	doer    Doer
	limiter *rate.Limiter
	stat    stats.StatsReceiver
}

func NewClient(cfg Config, stat stats.StatsReceiver) StatusClient {
	if cfg.Tries < 1 {
		cfg.Tries = DefaultTries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return NewCustomClient(cfg, MakePesterClient(cfg.Tries, cfg.Timeout), stat)
}

// NewCustomClient uses doer for every request. A RequestsPerSecond <= 0
// disables rate limiting.
func NewCustomClient(cfg Config, doer Doer, stat stats.StatsReceiver) StatusClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &client{
		cfg:     cfg,
		doer:    doer,
		limiter: rate.NewLimiter(limit, 1),
		stat:    stat.Scope("api"),
	}
}

func (c *client) SchedulerStatus(ctx context.Context, site, id string) (string, error) {
	var resp jobStatusResponse
	if err := c.call(ctx, http.MethodGet, c.url(site, "jobs", id), nil, &resp); err != nil {
		return "", err
	}
	if resp.State == "" {
		return "", fberrors.NewDecodeError("job status", errors.New("missing state"))
	}
	return resp.State, nil
}

func (c *client) SubmitSchedulerJob(ctx context.Context, site string, req SchedulerJobRequest) (string, error) {
	var resp submissionResponse
	if err := c.call(ctx, http.MethodPost, c.url(site, "jobs", ""), req, &resp); err != nil {
		return "", err
	}
	if resp.UID == "" {
		return "", fberrors.NewDecodeError("job submission", errors.New("missing uid"))
	}
	return string(resp.UID), nil
}

func (c *client) DeploymentStatus(ctx context.Context, site, id string) (string, error) {
	var resp deploymentStatusResponse
	if err := c.call(ctx, http.MethodGet, c.url(site, "deployments", id), nil, &resp); err != nil {
		return "", err
	}
	if resp.Status == "" {
		return "", fberrors.NewDecodeError("deployment status", errors.New("missing status"))
	}
	return resp.Status, nil
}

func (c *client) SubmitDeployment(ctx context.Context, site string, req DeploymentRequest) (string, error) {
	var resp submissionResponse
	if err := c.call(ctx, http.MethodPost, c.url(site, "deployments", ""), req, &resp); err != nil {
		return "", err
	}
	if resp.UID == "" {
		return "", fberrors.NewDecodeError("deployment submission", errors.New("missing uid"))
	}
	return string(resp.UID), nil
}

func (c *client) url(site, collection, id string) string {
	u := fmt.Sprintf("%s/sites/%s/%s", c.cfg.BaseURL, site, collection)
	if id != "" {
		u += "/" + id
	}
	return u
}

// call sends body as JSON when set and decodes a 2xx response into out.
// Transport problems and non-2xx statuses become TransportError, a body that
// doesn't decode becomes DecodeError.
func (c *client) call(ctx context.Context, method, url string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fberrors.NewTransportError(method, url, err)
	}
	defer c.stat.Latency(stats.APIRequestLatency_ms).Time().Stop()
	c.stat.Counter(stats.APIRequestCounter).Inc(1)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrapf(err, "building request %s %s", method, url)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	log.WithFields(log.Fields{"method": method, "url": url}).Debug("Calling api")
	resp, err := c.doer.Do(req)
	if err != nil {
		c.stat.Counter(stats.APIErrorCounter).Inc(1)
		return fberrors.NewTransportError(method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.stat.Counter(stats.APIErrorCounter).Inc(1)
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		te := fberrors.NewTransportError(method, url, errors.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(msg))))
		te.StatusCode = resp.StatusCode
		return te
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.stat.Counter(stats.APIErrorCounter).Inc(1)
		return fberrors.NewTransportError(method, url, errors.Wrap(err, "reading body"))
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.stat.Counter(stats.APIErrorCounter).Inc(1)
		return fberrors.NewDecodeError(url, err)
	}
	return nil
}
