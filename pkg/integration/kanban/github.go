package kanban

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"

	"github.com/marcus-ai/marcus/pkg/config"
	"github.com/marcus-ai/marcus/pkg/domain"
	"github.com/marcus-ai/marcus/pkg/domain/coordination"
	"github.com/marcus-ai/marcus/pkg/logger"
)

const listPageSize = 100

// GitHubProvider maps repository issues onto tasks. Scheduling fields ride
// on issue labels so the board stays usable from the GitHub UI:
//
//	priority:high  phase:build  task:subtask  parent:12  depends:7
//	estimate:2.5   progress:40  agent:worker-1  status:in_progress
//
// A closed issue is a done task. Labels outside the reserved prefixes pass
// through unchanged and group tasks into features.
type GitHubProvider struct {
	client  *http.Client
	base    string
	owner   string
	repo    string
	retries uint64
}

// NewGitHubProvider builds a provider authenticated with a static token.
func NewGitHubProvider(cfg config.GitHubKanbanConfig) *GitHubProvider {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
	client := oauth2.NewClient(context.Background(), src)
	client.Timeout = 30 * time.Second

	base := strings.TrimSuffix(cfg.APIBase, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &GitHubProvider{
		client:  client,
		base:    base,
		owner:   cfg.Owner,
		repo:    cfg.Repo,
		retries: uint64(retries),
	}
}

var _ Provider = (*GitHubProvider)(nil)

// GetAllTasks lists every issue in the repository. Pull requests share the
// issues endpoint and are skipped.
func (g *GitHubProvider) GetAllTasks(ctx context.Context) ([]*coordination.Task, error) {
	var tasks []*coordination.Task
	for page := 1; ; page++ {
		path := fmt.Sprintf("/repos/%s/%s/issues?state=all&per_page=%d&page=%d",
			g.owner, g.repo, listPageSize, page)
		var issues []ghIssue
		if err := g.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
			return nil, unavailable(OpGetAllTasks, err)
		}
		for i := range issues {
			if issues[i].PullRequest != nil {
				continue
			}
			tasks = append(tasks, taskFromIssue(&issues[i]))
		}
		if len(issues) < listPageSize {
			logger.DebugCF("kanban", "github board listed", map[string]interface{}{
				"repo":  g.owner + "/" + g.repo,
				"tasks": len(tasks),
				"pages": page,
			})
			return tasks, nil
		}
	}
}

// GetTaskByID fetches a single issue.
func (g *GitHubProvider) GetTaskByID(ctx context.Context, id string) (*coordination.Task, error) {
	num, err := issueNumber(id)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
	}
	var issue ghIssue
	if err := g.do(ctx, http.MethodGet, g.issuePath(num), nil, &issue); err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
		}
		return nil, unavailable(OpGetTaskByID, err)
	}
	return taskFromIssue(&issue), nil
}

// UpdateTask applies a partial mutation with a read-modify-write of the
// issue's labels and state.
func (g *GitHubProvider) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	task, err := g.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Priority != nil {
		task.Priority = *update.Priority
	}
	if update.AssignedTo != nil {
		task.AssignedTo = *update.AssignedTo
	}
	if update.Progress != nil {
		task.Progress = *update.Progress
	}
	return g.writeIssue(ctx, id, task, OpUpdateTask)
}

// UpdateTaskProgress mirrors a progress report onto the issue and records
// the message as a comment.
func (g *GitHubProvider) UpdateTaskProgress(ctx context.Context, id string, info ProgressInfo) error {
	task, err := g.GetTaskByID(ctx, id)
	if err != nil {
		return err
	}
	task.Status = info.Status
	task.Progress = info.Progress
	if info.Status == coordination.StatusDone {
		task.Progress = 100
	}
	if err := g.writeIssue(ctx, id, task, OpUpdateTaskProgress); err != nil {
		return err
	}
	if info.Message == "" {
		return nil
	}
	return g.AddComment(ctx, id, progressComment(info))
}

// AddComment posts an issue comment.
func (g *GitHubProvider) AddComment(ctx context.Context, id string, text string) error {
	num, err := issueNumber(id)
	if err != nil {
		return fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
	}
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", g.owner, g.repo, num)
	if err := g.do(ctx, http.MethodPost, path, map[string]string{"body": text}, nil); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
		}
		return unavailable(OpAddComment, err)
	}
	return nil
}

func (g *GitHubProvider) writeIssue(ctx context.Context, id string, task *coordination.Task, op string) error {
	num, err := issueNumber(id)
	if err != nil {
		return fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
	}
	payload := map[string]interface{}{
		"state":  issueState(task.Status),
		"labels": encodeLabels(task),
	}
	if err := g.do(ctx, http.MethodPatch, g.issuePath(num), payload, nil); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("task %s: %w", id, coordination.ErrTaskNotFound)
		}
		return unavailable(op, err)
	}
	return nil
}

func (g *GitHubProvider) issuePath(num int) string {
	return fmt.Sprintf("/repos/%s/%s/issues/%d", g.owner, g.repo, num)
}

// do sends one API request with bounded exponential backoff. Network
// failures, 429 and 5xx responses retry; other 4xx responses are permanent.
func (g *GitHubProvider) do(ctx context.Context, method, path string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	attempt := func() error {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, g.base+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/vnd.github+json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := g.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			return err
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return &statusError{code: resp.StatusCode, body: trimBody(data)}
		case resp.StatusCode >= 400:
			return backoff.Permanent(&statusError{code: resp.StatusCode, body: trimBody(data)})
		}

		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 30 * time.Second
	notify := func(err error, wait time.Duration) {
		logger.WarnCF("kanban", "github request retrying", map[string]interface{}{
			"method":  method,
			"path":    path,
			"error":   err,
			"backoff": wait,
		})
	}
	return backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, g.retries), ctx), notify)
}

// ---------------------------------------------------------------------------
// Issue <-> task mapping
// ---------------------------------------------------------------------------

type ghIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	State       string    `json:"state"`
	Labels      []ghLabel `json:"labels"`
	PullRequest *struct{} `json:"pull_request,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ghLabel struct {
	Name string `json:"name"`
}

func taskFromIssue(is *ghIssue) *coordination.Task {
	t := &coordination.Task{
		ID:          strconv.Itoa(is.Number),
		Name:        is.Title,
		Description: is.Body,
		Status:      coordination.StatusTodo,
		Priority:    coordination.PriorityMedium,
		Timestamps: domain.Timestamps{
			CreatedAt: domain.TimestampFrom(is.CreatedAt),
			UpdatedAt: domain.TimestampFrom(is.UpdatedAt),
		},
	}
	closed := is.State == "closed"
	for _, l := range is.Labels {
		name := l.Name
		switch {
		case strings.HasPrefix(name, "priority:"):
			t.Priority = coordination.ParseTaskPriority(strings.TrimPrefix(name, "priority:"))
		case name == "status:in_progress":
			if !closed {
				t.Status = coordination.StatusInProgress
			}
		case name == "status:blocked":
			if !closed {
				t.Status = coordination.StatusBlocked
			}
		case strings.HasPrefix(name, "estimate:"):
			if v, err := strconv.ParseFloat(strings.TrimPrefix(name, "estimate:"), 64); err == nil {
				t.EstimatedHours = v
			}
		case strings.HasPrefix(name, "progress:"):
			if v, err := strconv.Atoi(strings.TrimPrefix(name, "progress:")); err == nil {
				t.Progress = v
			}
		case strings.HasPrefix(name, "agent:"):
			t.AssignedTo = strings.TrimPrefix(name, "agent:")
		case name == "task:subtask":
			t.IsSubtask = true
		case strings.HasPrefix(name, "parent:"):
			t.ParentTaskID = strings.TrimPrefix(name, "parent:")
		case strings.HasPrefix(name, "depends:"):
			t.Dependencies = append(t.Dependencies, strings.TrimPrefix(name, "depends:"))
		default:
			t.Labels = append(t.Labels, name)
		}
	}
	if closed {
		t.Status = coordination.StatusDone
		t.Progress = 100
	}
	return t
}

// encodeLabels rebuilds the full label set from the task. Passthrough
// labels come first so the board reads naturally.
func encodeLabels(t *coordination.Task) []string {
	labels := append([]string(nil), t.Labels...)
	labels = append(labels, "priority:"+string(t.Priority))
	switch t.Status {
	case coordination.StatusInProgress:
		labels = append(labels, "status:in_progress")
	case coordination.StatusBlocked:
		labels = append(labels, "status:blocked")
	}
	if t.EstimatedHours > 0 {
		labels = append(labels, "estimate:"+strconv.FormatFloat(t.EstimatedHours, 'f', -1, 64))
	}
	if t.Progress > 0 && t.Status != coordination.StatusDone {
		labels = append(labels, "progress:"+strconv.Itoa(t.Progress))
	}
	if t.AssignedTo != "" {
		labels = append(labels, "agent:"+t.AssignedTo)
	}
	if t.IsSubtask {
		labels = append(labels, "task:subtask")
	}
	if t.ParentTaskID != "" {
		labels = append(labels, "parent:"+t.ParentTaskID)
	}
	for _, dep := range t.Dependencies {
		labels = append(labels, "depends:"+dep)
	}
	return labels
}

func issueState(s coordination.TaskStatus) string {
	if s == coordination.StatusDone {
		return "closed"
	}
	return "open"
}

func issueNumber(id string) (int, error) {
	num, err := strconv.Atoi(strings.TrimPrefix(id, "#"))
	if err != nil || num <= 0 {
		return 0, fmt.Errorf("not an issue number: %q", id)
	}
	return num, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func trimBody(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
