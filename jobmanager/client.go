package jobmanager

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/telemetry"
)

// Client is the full typed surface over the Job Manager's control plane
// (§6.1). Consumer and Producer are built on top of it; HandlerContext only
// ever sees the narrower ScopedClient.
type Client interface {
	DequeueTask(ctx context.Context, stageType string) (*Task, error)
	GetTask(ctx context.Context, id TaskId) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id TaskId, status TaskStatus) error
	GetStage(ctx context.Context, id StageId) (*Stage, error)
	GetJob(ctx context.Context, id JobId) (*Job, error)
	UpdateJobUserMetadata(ctx context.Context, id JobId, metadata UserMetadata) error
	UpdateStageUserMetadata(ctx context.Context, id StageId, metadata UserMetadata) error
	UpdateTaskUserMetadata(ctx context.Context, id TaskId, metadata UserMetadata) error
	CreateJob(ctx context.Context, name string, priority JobPriority, data TaskData, traceparent string) (*Job, error)
	CreateStage(ctx context.Context, jobID JobId, stageType string, data TaskData, traceparent string) (*Stage, error)
	CreateTask(ctx context.Context, stageID StageId, data TaskData, traceparent string) (*Task, error)
}

// ScopedClient is the "safe subset" of Client handed to user handlers via
// HandlerContext: reads and metadata writes, never dequeue or status
// transitions, which remain exclusively the Consumer's responsibility so
// the local precondition in §4.3 cannot be bypassed from handler code.
type ScopedClient interface {
	GetTask(ctx context.Context, id TaskId) (*Task, error)
	GetStage(ctx context.Context, id StageId) (*Stage, error)
	GetJob(ctx context.Context, id JobId) (*Job, error)
	UpdateJobUserMetadata(ctx context.Context, id JobId, metadata UserMetadata) error
	UpdateStageUserMetadata(ctx context.Context, id StageId, metadata UserMetadata) error
	UpdateTaskUserMetadata(ctx context.Context, id TaskId, metadata UserMetadata) error
}

// apiErrorBody is the server's structured error envelope.
type apiErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPClient implements Client against the Job Manager's HTTP/JSON API. The
// underlying *http.Client is traced (telemetry.NewTracedHTTPClient) so every
// call participates in the caller's span.
type HTTPClient struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
	logger     core.Logger
}

// NewHTTPClient builds an HTTPClient from a core.JobManagerConfig. BaseURL
// must be an absolute URL; a ConfigurationError is returned otherwise.
func NewHTTPClient(cfg core.JobManagerConfig, logger core.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, core.NewConfigurationError(core.ConfigMissingField, "jobManager.baseURL is required")
	}
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, core.NewConfigurationError(core.ConfigInvalidURL, fmt.Sprintf("jobManager.baseURL %q is not an absolute URL", cfg.BaseURL))
	}

	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("worker/jobmanager")
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	httpClient := telemetry.NewTracedHTTPClient(nil)
	httpClient.Timeout = timeout

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "jobnik-worker-sdk"
	}

	return &HTTPClient{
		baseURL:    parsed.String(),
		userAgent:  userAgent,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, core.NewNetworkError(core.NetworkUnknown, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, core.NewNetworkError(core.NetworkUnknown, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if decodeErr := json.NewDecoder(resp.Body).Decode(out); decodeErr != nil {
				return resp, core.NewNetworkError(core.NetworkUnknown, decodeErr)
			}
		}
		return resp, nil
	}

	var envelope apiErrorBody
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return resp, core.NewAPIError(resp.StatusCode, envelope.Code, errors.New(envelope.Message))
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return core.NewNetworkError(core.NetworkTimeout, err)
		}
		return core.NewNetworkError(core.NetworkCancelled, err)
	}
	return core.NewNetworkError(core.NetworkUnknown, err)
}

// DequeueTask claims the next task of stageType, or returns (nil, nil) when
// the server reports no task is available (§6.1).
func (c *HTTPClient) DequeueTask(ctx context.Context, stageType string) (*Task, error) {
	var task Task
	_, err := c.do(ctx, http.MethodPatch, "/stages/"+url.PathEscape(stageType)+"/tasks/dequeue", nil, &task)
	if err != nil {
		if core.IsTaskNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &task, nil
}

// GetTask fetches a task by id.
func (c *HTTPClient) GetTask(ctx context.Context, id TaskId) (*Task, error) {
	var task Task
	_, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id.String()), nil, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

type updateStatusBody struct {
	Status TaskStatus `json:"status"`
}

// UpdateTaskStatus settles a task as COMPLETED or FAILED.
func (c *HTTPClient) UpdateTaskStatus(ctx context.Context, id TaskId, status TaskStatus) error {
	_, err := c.do(ctx, http.MethodPut, "/tasks/"+url.PathEscape(id.String())+"/status", updateStatusBody{Status: status}, nil)
	return err
}

// GetStage fetches a stage by id.
func (c *HTTPClient) GetStage(ctx context.Context, id StageId) (*Stage, error) {
	var stage Stage
	_, err := c.do(ctx, http.MethodGet, "/stages/"+url.PathEscape(id.String()), nil, &stage)
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

// GetJob fetches a job by id.
func (c *HTTPClient) GetJob(ctx context.Context, id JobId) (*Job, error) {
	var job Job
	_, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id.String()), nil, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJobUserMetadata replaces a job's user metadata.
func (c *HTTPClient) UpdateJobUserMetadata(ctx context.Context, id JobId, metadata UserMetadata) error {
	_, err := c.do(ctx, http.MethodPatch, "/jobs/"+url.PathEscape(id.String())+"/user-metadata", metadata, nil)
	return err
}

// UpdateStageUserMetadata replaces a stage's user metadata.
func (c *HTTPClient) UpdateStageUserMetadata(ctx context.Context, id StageId, metadata UserMetadata) error {
	_, err := c.do(ctx, http.MethodPatch, "/stages/"+url.PathEscape(id.String())+"/user-metadata", metadata, nil)
	return err
}

// UpdateTaskUserMetadata replaces a task's user metadata.
func (c *HTTPClient) UpdateTaskUserMetadata(ctx context.Context, id TaskId, metadata UserMetadata) error {
	_, err := c.do(ctx, http.MethodPatch, "/tasks/"+url.PathEscape(id.String())+"/user-metadata", metadata, nil)
	return err
}

type createJobBody struct {
	Name        string      `json:"name"`
	Priority    JobPriority `json:"priority,omitempty"`
	Data        TaskData    `json:"data,omitempty"`
	Traceparent string      `json:"traceparent,omitempty"`
}

// CreateJob is a Producer-path operation, outside the Worker's core loop but
// exposed here so the Producer handed into HandlerContext can reach it.
func (c *HTTPClient) CreateJob(ctx context.Context, name string, priority JobPriority, data TaskData, traceparent string) (*Job, error) {
	var job Job
	_, err := c.do(ctx, http.MethodPost, "/jobs", createJobBody{Name: name, Priority: priority, Data: data, Traceparent: traceparent}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

type createStageBody struct {
	Type        string   `json:"type"`
	Data        TaskData `json:"data,omitempty"`
	Traceparent string   `json:"traceparent,omitempty"`
}

// CreateStage is a Producer-path operation.
func (c *HTTPClient) CreateStage(ctx context.Context, jobID JobId, stageType string, data TaskData, traceparent string) (*Stage, error) {
	var stage Stage
	_, err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(jobID.String())+"/stage", createStageBody{Type: stageType, Data: data, Traceparent: traceparent}, &stage)
	if err != nil {
		return nil, err
	}
	return &stage, nil
}

type createTaskBody struct {
	Data        TaskData `json:"data,omitempty"`
	Traceparent string   `json:"traceparent,omitempty"`
}

// CreateTask is a Producer-path operation.
func (c *HTTPClient) CreateTask(ctx context.Context, stageID StageId, data TaskData, traceparent string) (*Task, error) {
	var task Task
	_, err := c.do(ctx, http.MethodPost, "/stages/"+url.PathEscape(stageID.String())+"/tasks", createTaskBody{Data: data, Traceparent: traceparent}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}
