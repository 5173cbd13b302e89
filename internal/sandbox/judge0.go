package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Идентификаторы языков Judge0 CE
var judge0Languages = map[string]int{
	"python":     71,
	"javascript": 63,
	"java":       62,
	"cpp":        54,
	"c":          50,
	"go":         60,
	"typescript": 74,
	"ruby":       72,
	"csharp":     51,
	"rust":       73,
	"kotlin":     78,
	"php":        68,
}

var languageAliases = map[string]string{
	"python3": "python",
	"py":      "python",
	"js":      "javascript",
	"node":    "javascript",
	"ts":      "typescript",
	"c++":     "cpp",
	"golang":  "go",
	"c#":      "csharp",
	"cs":      "csharp",
}

// NormalizeLanguage приводит название языка к каноническому виду
func NormalizeLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if alias, ok := languageAliases[l]; ok {
		return alias
	}
	return l
}

// LanguageSupported сообщает, умеют ли бэкенды запускать язык
func LanguageSupported(lang string) bool {
	_, ok := judge0Languages[NormalizeLanguage(lang)]
	return ok
}

// Judge0Backend вызывает Judge0 (POST /submissions?wait=true)
type Judge0Backend struct {
	baseURL       string
	apiKey        string
	memoryLimitMB int
	client        *http.Client
}

// NewJudge0Backend создает клиента Judge0
func NewJudge0Backend(baseURL, apiKey string, memoryLimitMB int, client *http.Client) *Judge0Backend {
	if client == nil {
		client = &http.Client{}
	}
	return &Judge0Backend{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		memoryLimitMB: memoryLimitMB,
		client:        client,
	}
}

type judge0Request struct {
	SourceCode    string  `json:"source_code"`
	LanguageID    int     `json:"language_id"`
	Stdin         string  `json:"stdin"`
	CPUTimeLimit  float64 `json:"cpu_time_limit"`
	WallTimeLimit float64 `json:"wall_time_limit"`
	MemoryLimit   int     `json:"memory_limit,omitempty"`
}

type judge0Response struct {
	Stdout        *string `json:"stdout"`
	Stderr        *string `json:"stderr"`
	CompileOutput *string `json:"compile_output"`
	Message       *string `json:"message"`
	Time          *string `json:"time"`
	Status        *struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
	Error string `json:"error"`
}

// Name возвращает имя бэкенда для логов
func (j *Judge0Backend) Name() string { return "judge0" }

// Run выполняет код в Judge0 синхронно
func (j *Judge0Backend) Run(ctx context.Context, req Request) (Result, error) {
	langID, ok := judge0Languages[NormalizeLanguage(req.Language)]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, req.Language)
	}

	limit := req.Timeout.Seconds()
	body := judge0Request{
		SourceCode:    req.Code,
		LanguageID:    langID,
		Stdin:         req.Stdin,
		CPUTimeLimit:  limit,
		WallTimeLimit: limit,
	}
	if j.memoryLimitMB > 0 {
		body.MemoryLimit = j.memoryLimitMB * 1024
	}

	headers := map[string]string{}
	if j.apiKey != "" {
		headers["X-Auth-Token"] = j.apiKey
	}

	started := time.Now()
	var resp judge0Response
	status, err := postJSON(ctx, j.client, j.baseURL+"/submissions?base64_encoded=false&wait=true", headers, body, &resp)
	elapsed := time.Since(started)
	if err != nil {
		return Result{}, err
	}
	if status < 200 || status > 299 {
		return Result{}, fmt.Errorf("judge0 responded %d: %s", status, resp.Error)
	}
	if resp.Status == nil {
		return Result{}, fmt.Errorf("judge0 response has no status")
	}

	return normalizeJudge0(resp, elapsed)
}

func normalizeJudge0(resp judge0Response, elapsed time.Duration) (Result, error) {
	res := Result{
		Stdout:          deref(resp.Stdout),
		Stderr:          deref(resp.Stderr),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if t := deref(resp.Time); t != "" {
		if sec, err := strconv.ParseFloat(t, 64); err == nil {
			res.ExecutionTimeMs = int64(sec * 1000)
		}
	}

	switch id := resp.Status.ID; {
	case id == 3 || id == 4:
		// 4 (Wrong Answer) возможен только с expected_output, которого мы не передаем
		res.Status = StatusSuccess
	case id == 5:
		res.Status = StatusTimeout
		res.Reason = "time limit exceeded"
	case id == 6:
		res.Status = StatusError
		res.Reason = "compilation failed"
		if out := deref(resp.CompileOutput); out != "" {
			res.Stderr = out
		}
	case id >= 7 && id <= 12:
		res.Status = StatusError
		res.Reason = resp.Status.Description
	default:
		// 1-2 в очереди при wait=true, 13 внутренняя ошибка, 14 exec format error
		return Result{}, fmt.Errorf("judge0 status %d (%s): %s", id, resp.Status.Description, deref(resp.Message))
	}
	return res, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
