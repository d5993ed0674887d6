package console

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"changedesk/internal/approval"
	"changedesk/internal/authgate"
	"changedesk/internal/taskerr"
	"changedesk/internal/taskstate"
)

// Client calls the local HTTP API and turns error envelopes back into
// classified errors.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
	}
}

// StreamURL is the websocket address of the event stream.
func (c *Client) StreamURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func (c *Client) Token() string { return c.token }

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	authgate.SetBearer(req.Header, c.token)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return taskerr.Wrap(taskerr.KindTransport, op, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	var env envelope
	if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
		return taskerr.Wrap(taskerr.KindTransport, op, fmt.Errorf("decode response (status %d): %w", res.StatusCode, err))
	}
	if !env.OK {
		return remoteError(op, res.StatusCode, env)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

func remoteError(op string, status int, env envelope) error {
	e := &taskerr.Error{Kind: kindForStatus(status), Op: op, Msg: fmt.Sprintf("request failed with status %d", status)}
	if env.Error == nil {
		return e
	}
	if env.Error.Kind != "" {
		e.Kind = taskerr.Kind(env.Error.Kind)
	}
	if env.Error.Code != "" && env.Error.Code != env.Error.Kind {
		e.Code = env.Error.Code
	}
	if env.Error.Message != "" {
		e.Op, e.Msg = "", env.Error.Message
	}
	return e
}

func kindForStatus(status int) taskerr.Kind {
	switch status {
	case http.StatusBadRequest:
		return taskerr.KindValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return taskerr.KindAuthFailed
	case http.StatusNotFound:
		return taskerr.KindNotFound
	case http.StatusConflict:
		return taskerr.KindConflict
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return taskerr.KindTransport
	default:
		return taskerr.KindPersistence
	}
}

func taskPath(taskID string, rest ...string) string {
	p := "/api/v1/tasks/" + url.PathEscape(taskID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func (c *Client) ListTasks(ctx context.Context) ([]taskstate.Task, error) {
	var out struct {
		Tasks []taskstate.Task `json:"tasks"`
	}
	err := c.do(ctx, "list tasks", http.MethodGet, "/api/v1/tasks", nil, &out)
	return out.Tasks, err
}

func (c *Client) Submit(ctx context.Context, prompt string) (taskstate.Task, error) {
	var out taskstate.Task
	err := c.do(ctx, "submit task", http.MethodPost, "/api/v1/tasks", map[string]any{"prompt": prompt}, &out)
	return out, err
}

func (c *Client) TaskDetail(ctx context.Context, taskID string) (approval.TaskDetail, error) {
	var out approval.TaskDetail
	err := c.do(ctx, "fetch task", http.MethodGet, taskPath(taskID), nil, &out)
	return out, err
}

func (c *Client) History(ctx context.Context, taskID string) ([]taskstate.StatusChange, error) {
	var out struct {
		History []taskstate.StatusChange `json:"history"`
	}
	err := c.do(ctx, "task history", http.MethodGet, taskPath(taskID, "history"), nil, &out)
	return out.History, err
}

func (c *Client) DeleteTask(ctx context.Context, taskID string) (taskstate.Task, error) {
	var out taskstate.Task
	err := c.do(ctx, "delete task", http.MethodDelete, taskPath(taskID), nil, &out)
	return out, err
}

func (c *Client) ClearAll(ctx context.Context) (int64, error) {
	var out struct {
		Removed int64 `json:"removed"`
	}
	err := c.do(ctx, "clear tasks", http.MethodDelete, "/api/v1/tasks", nil, &out)
	return out.Removed, err
}

func (c *Client) Test(ctx context.Context, taskID string, manual bool) error {
	return c.do(ctx, "test task", http.MethodPost, taskPath(taskID, "test"), map[string]any{"manual": manual}, nil)
}

func (c *Client) Approve(ctx context.Context, taskID string) (taskstate.Task, error) {
	var out taskstate.Task
	err := c.do(ctx, "approve task", http.MethodPost, taskPath(taskID, "approve"), nil, &out)
	return out, err
}

func (c *Client) SetPriority(ctx context.Context, taskID string, priority int) (taskstate.Task, error) {
	var out taskstate.Task
	err := c.do(ctx, "set priority", http.MethodPost, taskPath(taskID, "priority"), map[string]any{"priority": priority}, &out)
	return out, err
}

func (c *Client) OpenDenyIntent(ctx context.Context, taskID string) (approval.DenyIntent, error) {
	var out approval.DenyIntent
	err := c.do(ctx, "deny task", http.MethodPost, taskPath(taskID, "deny-intent"), nil, &out)
	return out, err
}

func (c *Client) ConfirmDeny(ctx context.Context, intentID string) (taskstate.Task, error) {
	var out taskstate.Task
	err := c.do(ctx, "confirm deny", http.MethodPost, "/api/v1/deny-intents/"+url.PathEscape(intentID)+"/confirm", nil, &out)
	return out, err
}

func (c *Client) CancelDenyIntent(ctx context.Context, intentID string) error {
	return c.do(ctx, "cancel deny", http.MethodDelete, "/api/v1/deny-intents/"+url.PathEscape(intentID), nil, nil)
}

func (c *Client) PendingProposals(ctx context.Context) ([]taskstate.Proposal, error) {
	var out struct {
		Proposals []taskstate.Proposal `json:"proposals"`
	}
	err := c.do(ctx, "pending proposals", http.MethodGet, "/api/v1/proposals", nil, &out)
	return out.Proposals, err
}

func (c *Client) BulkApprove(ctx context.Context, ids []string) (approval.BulkResult, error) {
	return c.bulk(ctx, "bulk approve", "bulk-approve", ids)
}

func (c *Client) BulkDeny(ctx context.Context, ids []string) (approval.BulkResult, error) {
	return c.bulk(ctx, "bulk deny", "bulk-deny", ids)
}

func (c *Client) bulk(ctx context.Context, op, action string, ids []string) (approval.BulkResult, error) {
	var out approval.BulkResult
	err := c.do(ctx, op, http.MethodPost, "/api/v1/proposals/"+action, map[string]any{"proposal_ids": ids}, &out)
	return out, err
}

func (c *Client) ApproveProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error) {
	var out taskstate.Proposal
	err := c.do(ctx, "approve proposal", http.MethodPost, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/approve", nil, &out)
	return out, err
}

func (c *Client) DenyProposal(ctx context.Context, proposalID string) (taskstate.Proposal, error) {
	var out taskstate.Proposal
	err := c.do(ctx, "deny proposal", http.MethodPost, "/api/v1/proposals/"+url.PathEscape(proposalID)+"/deny", nil, &out)
	return out, err
}
