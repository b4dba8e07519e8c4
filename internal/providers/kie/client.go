// Package kie talks to the KIE.AI jobs API that renders product videos.
package kie

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL     = "https://api.kie.ai"
	defaultModel       = "sora-2-image-to-video"
	maxArtifactBytes   = 512 << 20
	maxErrorBodyLength = 512
)

var ErrMissingAPIKey = errors.New("kie: api key is required")

// Credential is the API key plus optional outbound proxy used for one call.
type Credential struct {
	APIKey string
	Proxy  string
}

// TaskState is the normalized provider task state.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskStatus is one poll result.
type TaskStatus struct {
	State       TaskState
	ArtifactURL string
	ErrorDetail string
	Raw         map[string]any
}

// APIError is returned for non-2xx responses and for envelopes whose code
// reports a failure.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != 0 && e.Code != e.StatusCode {
		return fmt.Sprintf("kie: status %d code %d: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("kie: status %d: %s", e.StatusCode, e.Message)
}

// ProviderMessage is the failure text as the API reported it.
func (e *APIError) ProviderMessage() string { return e.Message }

// HTTPStatus prefers the envelope code when it looks like an HTTP status,
// since the API answers 200 with an error code inside the body.
func (e *APIError) HTTPStatus() int {
	if e.Code >= 400 && e.Code < 600 {
		return e.Code
	}
	return e.StatusCode
}

// Options configures the client.
type Options struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client performs HTTP calls to the KIE jobs API. Calls through a proxy use a
// dedicated transport per proxy URL.
type Client struct {
	baseURL string
	model   string
	direct  *http.Client
	logger  zerolog.Logger

	mu      sync.Mutex
	proxied map[string]*http.Client
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		model = defaultModel
	}
	direct := opts.HTTPClient
	if direct == nil {
		direct = &http.Client{}
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		baseURL: baseURL,
		model:   model,
		direct:  direct,
		logger:  logger,
		proxied: map[string]*http.Client{},
	}
}

func (c *Client) Model() string { return c.model }

type createTaskRequest struct {
	Model string          `json:"model"`
	Input createTaskInput `json:"input"`
}

type createTaskInput struct {
	Prompt          string   `json:"prompt"`
	ImageURLs       []string `json:"image_urls"`
	AspectRatio     string   `json:"aspect_ratio"`
	NFrames         string   `json:"n_frames"`
	RemoveWatermark bool     `json:"remove_watermark"`
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// CreateTask starts an image-to-video generation and returns the provider task id.
func (c *Client) CreateTask(ctx context.Context, cred Credential, prompt, inputURL string) (string, error) {
	if strings.TrimSpace(cred.APIKey) == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("kie: prompt is required")
	}
	body, err := json.Marshal(createTaskRequest{
		Model: c.model,
		Input: createTaskInput{
			Prompt:          prompt,
			ImageURLs:       []string{inputURL},
			AspectRatio:     "portrait",
			NFrames:         "15",
			RemoveWatermark: true,
		},
	})
	if err != nil {
		return "", fmt.Errorf("kie: encode request: %w", err)
	}

	env, err := c.call(ctx, cred, http.MethodPost, c.baseURL+"/api/v1/jobs/createTask", body)
	if err != nil {
		return "", err
	}
	var data struct {
		TaskID   string `json:"taskId"`
		RecordID string `json:"recordId"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return "", fmt.Errorf("kie: decode task: %w", err)
		}
	}
	taskID := data.TaskID
	if taskID == "" {
		taskID = data.RecordID
	}
	if taskID == "" {
		return "", &APIError{StatusCode: http.StatusOK, Code: env.Code, Message: "response carries no task id"}
	}
	c.logger.Debug().Str("task_id", taskID).Str("model", c.model).Msg("kie: task created")
	return taskID, nil
}

// GetTaskStatus polls a task once.
func (c *Client) GetTaskStatus(ctx context.Context, cred Credential, taskID string) (TaskStatus, error) {
	if strings.TrimSpace(cred.APIKey) == "" {
		return TaskStatus{}, ErrMissingAPIKey
	}
	endpoint := c.baseURL + "/api/v1/jobs/recordInfo?taskId=" + url.QueryEscape(taskID)
	env, err := c.call(ctx, cred, http.MethodGet, endpoint, nil)
	if err != nil {
		return TaskStatus{}, err
	}

	raw := map[string]any{"code": env.Code, "msg": env.Msg}
	var data map[string]any
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return TaskStatus{}, fmt.Errorf("kie: decode record: %w", err)
		}
		raw["data"] = data
	}
	return interpretRecord(raw, data), nil
}

func interpretRecord(raw, data map[string]any) TaskStatus {
	status := TaskStatus{State: TaskPending, Raw: raw}
	state := ""
	for _, key := range []string{"state", "status", "successFlag"} {
		if v, ok := data[key]; ok && v != nil {
			state = strings.ToLower(strings.TrimSpace(fmt.Sprint(v)))
			break
		}
	}

	switch state {
	case "fail", "failed", "error", "2", "3":
		status.State = TaskFailed
		status.ErrorDetail = failureText(data)
		return status
	}

	if u := FindVideoURL(data); u != "" {
		status.State = TaskSucceeded
		status.ArtifactURL = u
		return status
	}
	switch state {
	case "success", "succeeded", "completed", "done", "1":
		status.State = TaskSucceeded
	}
	return status
}

func failureText(data map[string]any) string {
	for _, key := range []string{"failMsg", "fail_msg", "errorMessage", "error_message", "error", "message", "msg", "reason", "detail", "details"} {
		if v, ok := data[key]; ok && v != nil {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	if code, ok := data["failCode"]; ok && code != nil {
		return "provider failure code " + fmt.Sprint(code)
	}
	return ""
}

// Download fetches the generated artifact and returns its bytes and content type.
func (c *Client) Download(ctx context.Context, cred Credential, artifactURL string) ([]byte, string, error) {
	parsed, err := url.Parse(strings.TrimSpace(artifactURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, "", fmt.Errorf("kie: invalid artifact url: %s", artifactURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("kie: build download request: %w", err)
	}
	client, err := c.clientFor(cred.Proxy)
	if err != nil {
		return nil, "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("kie: download artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
		return nil, "", &APIError{StatusCode: resp.StatusCode, Message: "download failed: " + strings.TrimSpace(string(snippet))}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArtifactBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("kie: read artifact: %w", err)
	}
	if len(data) > maxArtifactBytes {
		return nil, "", fmt.Errorf("kie: artifact exceeds %d bytes", maxArtifactBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("kie: artifact is empty")
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}
	return data, contentType, nil
}

func (c *Client) call(ctx context.Context, cred Credential, method, endpoint string, body []byte) (*envelope, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("kie: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(cred.APIKey))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client, err := c.clientFor(cred.Proxy)
	if err != nil {
		return nil, err
	}
	started := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kie: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kie: read response: %w", err)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(started)).
		Msg("kie: call finished")

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		msg := env.Msg
		if decodeErr != nil || msg == "" {
			msg = truncate(strings.TrimSpace(string(raw)))
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("kie: decode response: %w", decodeErr)
	}
	if env.Code != 0 && env.Code != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: env.Code, Message: env.Msg}
	}
	return &env, nil
}

func (c *Client) clientFor(proxy string) (*http.Client, error) {
	if proxy == "" {
		return c.direct, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.proxied[proxy]; ok {
		return client, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil || proxyURL.Host == "" {
		return nil, errors.New("kie: invalid proxy url")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(proxyURL)
	client := &http.Client{Transport: transport, Timeout: c.direct.Timeout}
	c.proxied[proxy] = client
	return client, nil
}

func truncate(s string) string {
	if len(s) <= maxErrorBodyLength {
		return s
	}
	return s[:maxErrorBodyLength]
}
