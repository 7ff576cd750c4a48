package workeragent

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

	"angel-master/internal/shared/model"
	"angel-master/internal/shared/scherr"
)

// APIError Master 返回的错误响应
type APIError struct {
	Status  int
	Code    scherr.Code
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("master returned %d %s: %s", e.Status, e.Code, e.Message)
}

// IsCode 判断 err 是否为指定错误码的 APIError
func IsCode(err error, code scherr.Code) bool {
	var e *APIError
	return errors.As(err, &e) && e.Code == code
}

// Client Master HTTP 客户端
//
// 登录后持有 token，并发安全。
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient 创建客户端，httpClient 为 nil 时使用 30s 超时的默认客户端
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

// SetToken 设置 Bearer token
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Code    scherr.Code `json:"code"`
				Message string      `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &e) != nil || e.Error.Code == "" {
			return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return &APIError{Status: resp.StatusCode, Code: e.Error.Code, Message: e.Error.Message}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ============================================================================
// 接口
// ============================================================================

// Session register/login 结果
type Session struct {
	WorkerID string `json:"worker_id"`
	Token    string `json:"token"`
	GroupID  string `json:"group_id"`
}

// Register 注册并保存 token
func (c *Client) Register(ctx context.Context, name, password string, params model.WorkerParams) (*Session, error) {
	var s Session
	err := c.do(ctx, http.MethodPost, "/register", map[string]any{
		"name": name, "password": password, "params": params,
	}, &s)
	if err != nil {
		return nil, err
	}
	c.SetToken(s.Token)
	return &s, nil
}

// Login 登录并保存 token
func (c *Client) Login(ctx context.Context, name, password string) (*Session, error) {
	var s Session
	if err := c.do(ctx, http.MethodPost, "/login", map[string]string{"name": name, "password": password}, &s); err != nil {
		return nil, err
	}
	c.SetToken(s.Token)
	return &s, nil
}

// Logout 主动下线
func (c *Client) Logout(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/logout", map[string]string{"worker_id": workerID}, nil)
}

// Directives 心跳响应中的指令
type Directives struct {
	CancelTasks []string `json:"cancel_tasks"`
	Drain       bool     `json:"drain"`
}

// Heartbeat 上报遥测与本地运行中的任务
func (c *Client) Heartbeat(ctx context.Context, workerID string, m model.WorkerMetrics, running []string) (*Directives, error) {
	if running == nil {
		running = []string{}
	}
	var resp struct {
		OK         bool       `json:"ok"`
		Directives Directives `json:"directives"`
	}
	err := c.do(ctx, http.MethodPost, "/heartbeat", map[string]any{
		"worker_id":     workerID,
		"metrics":       m,
		"running_tasks": running,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp.Directives, nil
}

// Pull 领取至多 maxTasks 个任务
func (c *Client) Pull(ctx context.Context, workerID string, maxTasks int) ([]model.Task, error) {
	var resp struct {
		Tasks []model.Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodPost, "/pull", map[string]any{"worker_id": workerID, "max_tasks": maxTasks}, &resp)
	return resp.Tasks, err
}

// Callback 回报任务状态
func (c *Client) Callback(ctx context.Context, workerID, taskID string, state model.TaskState, exitState *int, doneTime *time.Time) error {
	req := map[string]any{"task_id": taskID, "worker_id": workerID, "state": state}
	if exitState != nil {
		req["exit_state"] = *exitState
	}
	if doneTime != nil {
		req["done_time"] = doneTime.UTC().Format(time.RFC3339Nano)
	}
	return c.do(ctx, http.MethodPost, "/task_callback", req, nil)
}

// AddLog 上报一条任务日志
func (c *Client) AddLog(ctx context.Context, workerID, taskID string, level model.LogLevel, content string) error {
	return c.do(ctx, http.MethodPost, "/logs", map[string]any{
		"task_id": taskID, "worker_id": workerID, "level": level, "content": content,
	}, nil)
}
