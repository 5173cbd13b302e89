package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxBackendResponseBytes = 4 << 20

// PistonBackend вызывает Piston (POST /execute)
type PistonBackend struct {
	baseURL       string
	apiKey        string
	memoryLimitMB int
	client        *http.Client
}

// NewPistonBackend создает клиента Piston. baseURL указывает на /api/v2.
func NewPistonBackend(baseURL, apiKey string, memoryLimitMB int, client *http.Client) *PistonBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &PistonBackend{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		memoryLimitMB: memoryLimitMB,
		client:        client,
	}
}

type pistonFile struct {
	Content string `json:"content"`
}

type pistonRequest struct {
	Language           string       `json:"language"`
	Version            string       `json:"version"`
	Files              []pistonFile `json:"files"`
	Stdin              string       `json:"stdin"`
	RunTimeout         int64        `json:"run_timeout"`
	CompileTimeout     int64        `json:"compile_timeout"`
	RunMemoryLimit     int64        `json:"run_memory_limit,omitempty"`
	CompileMemoryLimit int64        `json:"compile_memory_limit,omitempty"`
}

type pistonStage struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Code     *int    `json:"code"`
	Signal   *string `json:"signal"`
	Status   *string `json:"status"`
	Message  *string `json:"message"`
	WallTime *int64  `json:"wall_time"`
}

type pistonResponse struct {
	Run     *pistonStage `json:"run"`
	Compile *pistonStage `json:"compile"`
	Message string       `json:"message"`
}

// Name возвращает имя бэкенда для логов
func (p *PistonBackend) Name() string { return "piston" }

// Run выполняет код в Piston
func (p *PistonBackend) Run(ctx context.Context, req Request) (Result, error) {
	body := pistonRequest{
		Language:       NormalizeLanguage(req.Language),
		Version:        "*",
		Files:          []pistonFile{{Content: req.Code}},
		Stdin:          req.Stdin,
		RunTimeout:     req.Timeout.Milliseconds(),
		CompileTimeout: req.Timeout.Milliseconds(),
	}
	if p.memoryLimitMB > 0 {
		limit := int64(p.memoryLimitMB) << 20
		body.RunMemoryLimit = limit
		body.CompileMemoryLimit = limit
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = p.apiKey
	}

	started := time.Now()
	var resp pistonResponse
	status, err := postJSON(ctx, p.client, p.baseURL+"/execute", headers, body, &resp)
	elapsed := time.Since(started)
	if err != nil {
		return Result{}, err
	}
	if status == http.StatusBadRequest && strings.Contains(strings.ToLower(resp.Message), "runtime") {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}
	if status < 200 || status > 299 {
		return Result{}, fmt.Errorf("piston responded %d: %s", status, resp.Message)
	}
	if resp.Run == nil {
		return Result{}, fmt.Errorf("piston response has no run stage")
	}

	return normalizePiston(resp, elapsed, req.Timeout), nil
}

func normalizePiston(resp pistonResponse, elapsed, timeout time.Duration) Result {
	if c := resp.Compile; c != nil && c.Code != nil && *c.Code != 0 {
		return Result{
			Stdout:          c.Stdout,
			Stderr:          c.Stderr,
			Status:          StatusError,
			ExecutionTimeMs: elapsed.Milliseconds(),
			Reason:          "compilation failed",
		}
	}

	run := resp.Run
	res := Result{
		Stdout:          run.Stdout,
		Stderr:          run.Stderr,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if run.WallTime != nil {
		res.ExecutionTimeMs = *run.WallTime
	}

	switch {
	case run.Status != nil && *run.Status == "TO":
		res.Status = StatusTimeout
		res.Reason = "time limit exceeded"
	case run.Signal != nil && *run.Signal == "SIGKILL" && time.Duration(res.ExecutionTimeMs)*time.Millisecond >= timeout:
		res.Status = StatusTimeout
		res.Reason = "time limit exceeded"
	case run.Signal != nil && *run.Signal != "":
		res.Status = StatusError
		res.Reason = "killed by " + *run.Signal
	case run.Code != nil && *run.Code != 0:
		res.Status = StatusError
		res.Reason = fmt.Sprintf("exit code %d", *run.Code)
	default:
		res.Status = StatusSuccess
	}
	if run.Message != nil && res.Status != StatusSuccess {
		res.Reason = *run.Message
	}
	return res
}

// postJSON отправляет JSON и декодирует ответ; возвращает HTTP-статус
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, dest interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxBackendResponseBytes))
	if err != nil {
		return httpResp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return httpResp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		if httpResp.StatusCode >= 200 && httpResp.StatusCode <= 299 {
			return httpResp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return httpResp.StatusCode, nil
}
