package platform

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/codeready-toolchain/revue/pkg/resilience"
)

const apiVersion = "7.1"

// Client talks to the Azure DevOps REST API for one organization using PAT
// basic auth.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	organization string
	pat          string
	retry        resilience.RetryConfig
	breaker      *resilience.Breaker
	logger       *slog.Logger
}

// Config holds platform client settings.
type Config struct {
	// BaseURL defaults to the public cloud endpoint.
	BaseURL      string        `yaml:"base_url"`
	Organization string        `yaml:"organization"`
	PAT          string        `yaml:"-"`
	CallTimeout  time.Duration `yaml:"call_timeout"`
}

// DefaultConfig returns platform defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://dev.azure.com",
		CallTimeout: 30 * time.Second,
	}
}

// NewClient creates a platform client. The breaker is shared by every
// operation; one breaker exists per external dependency.
func NewClient(cfg Config, retry resilience.RetryConfig, breaker *resilience.Breaker) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://dev.azure.com"
	}
	return &Client{
		httpClient:   &http.Client{Timeout: cfg.CallTimeout},
		baseURL:      strings.TrimRight(base, "/"),
		organization: cfg.Organization,
		pat:          cfg.PAT,
		retry:        retry,
		breaker:      breaker,
		logger:       slog.Default(),
	}
}

// call executes one HTTP request inside the resilience kit. out may be nil,
// an *string (raw body), or a JSON target.
func (c *Client) call(ctx context.Context, method, callURL string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	return resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			var reader io.Reader
			if payload != nil {
				reader = bytes.NewReader(payload)
			}
			req, err := http.NewRequestWithContext(ctx, method, callURL, reader)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("Authorization", "Basic "+
				base64.StdEncoding.EncodeToString([]byte(":"+c.pat)))
			if payload != nil {
				req.Header.Set("Content-Type", "application/json")
			}

			resp, err := c.httpClient.Do(req)
			if err != nil {
				// Network errors and client timeouts are transient.
				return resilience.Transient(fmt.Errorf("%s %s: %w", method, callURL, err))
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return classifyStatus(resp.StatusCode, method, callURL)
			}

			switch target := out.(type) {
			case nil:
				_, _ = io.Copy(io.Discard, resp.Body)
				return nil
			case *string:
				raw, err := io.ReadAll(resp.Body)
				if err != nil {
					return resilience.Transient(fmt.Errorf("read response body: %w", err))
				}
				*target = string(raw)
				return nil
			default:
				if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
					return fmt.Errorf("decode response from %s: %w", callURL, err)
				}
				return nil
			}
		})
	})
}

func (c *Client) repoURL(project, repositoryID, suffix string) string {
	return fmt.Sprintf("%s/%s/%s/_apis/git/repositories/%s%s",
		c.baseURL, url.PathEscape(c.organization), url.PathEscape(project),
		url.PathEscape(repositoryID), suffix)
}

// ---- Wire shapes ----

type wireCommit struct {
	CommitID string `json:"commitId"`
}

type wireIdentity struct {
	UniqueName string `json:"uniqueName"`
}

type wirePullRequest struct {
	ID                    int          `json:"pullRequestId"`
	Title                 string       `json:"title"`
	Status                string       `json:"status"`
	CreatedBy             wireIdentity `json:"createdBy"`
	SourceRefName         string       `json:"sourceRefName"`
	TargetRefName         string       `json:"targetRefName"`
	LastMergeSourceCommit wireCommit   `json:"lastMergeSourceCommit"`
	LastMergeTargetCommit wireCommit   `json:"lastMergeTargetCommit"`
}

type wireIteration struct {
	ID              int        `json:"id"`
	CreatedDate     time.Time  `json:"createdDate"`
	SourceRefCommit wireCommit `json:"sourceRefCommit"`
	TargetRefCommit wireCommit `json:"targetRefCommit"`
}

type wireList[T any] struct {
	Count int `json:"count"`
	Value []T `json:"value"`
}

type wireChangeItem struct {
	Path          string `json:"path"`
	GitObjectType string `json:"gitObjectType"`
}

type wireChange struct {
	Item       wireChangeItem `json:"item"`
	ChangeType string         `json:"changeType"`
}

type wireChangeList struct {
	ChangeEntries []wireChange `json:"changeEntries"`
}

type wireThreadContext struct {
	FilePath       string            `json:"filePath,omitempty"`
	RightFileStart *wireFilePosition `json:"rightFileStart,omitempty"`
	RightFileEnd   *wireFilePosition `json:"rightFileEnd,omitempty"`
}

type wireFilePosition struct {
	Line   int `json:"line"`
	Offset int `json:"offset"`
}

type wireComment struct {
	ID          int    `json:"id,omitempty"`
	Content     string `json:"content"`
	CommentType string `json:"commentType,omitempty"`
}

type wireThread struct {
	ID            int                `json:"id,omitempty"`
	Status        string             `json:"status,omitempty"`
	ThreadContext *wireThreadContext `json:"threadContext,omitempty"`
	Comments      []wireComment      `json:"comments,omitempty"`
}

// ---- Operations ----

// GetPullRequest retrieves PR metadata including the current iteration id.
func (c *Client) GetPullRequest(ctx context.Context, project, repositoryID string, prID int) (*PullRequest, error) {
	var wire wirePullRequest
	prURL := c.repoURL(project, repositoryID,
		fmt.Sprintf("/pullRequests/%d?api-version=%s", prID, apiVersion))
	if err := c.call(ctx, http.MethodGet, prURL, nil, &wire); err != nil {
		return nil, fmt.Errorf("get pull request %d: %w", prID, err)
	}

	iterations, err := c.ListIterations(ctx, project, repositoryID, prID)
	if err != nil {
		return nil, err
	}
	current := 0
	if n := len(iterations); n > 0 {
		current = iterations[n-1].ID
	}

	return &PullRequest{
		ID:               wire.ID,
		Title:            wire.Title,
		Status:           wire.Status,
		CreatedBy:        wire.CreatedBy.UniqueName,
		SourceBranch:     wire.SourceRefName,
		TargetBranch:     wire.TargetRefName,
		SourceCommit:     wire.LastMergeSourceCommit.CommitID,
		TargetCommit:     wire.LastMergeTargetCommit.CommitID,
		CurrentIteration: current,
	}, nil
}

// ListIterations returns the PR's iterations in ascending id order.
func (c *Client) ListIterations(ctx context.Context, project, repositoryID string, prID int) ([]Iteration, error) {
	var wire wireList[wireIteration]
	iterURL := c.repoURL(project, repositoryID,
		fmt.Sprintf("/pullRequests/%d/iterations?api-version=%s", prID, apiVersion))
	if err := c.call(ctx, http.MethodGet, iterURL, nil, &wire); err != nil {
		return nil, fmt.Errorf("list iterations for PR %d: %w", prID, err)
	}

	iterations := make([]Iteration, 0, len(wire.Value))
	for _, it := range wire.Value {
		iterations = append(iterations, Iteration{
			ID:           it.ID,
			CreatedAt:    it.CreatedDate,
			SourceCommit: it.SourceRefCommit.CommitID,
			TargetCommit: it.TargetRefCommit.CommitID,
		})
	}
	return iterations, nil
}

// GetIterationChanges returns the per-file change summary of one iteration.
// Folder entries are filtered out.
func (c *Client) GetIterationChanges(ctx context.Context, project, repositoryID string, prID, iterationID int) ([]IterationChange, error) {
	var wire wireChangeList
	changesURL := c.repoURL(project, repositoryID,
		fmt.Sprintf("/pullRequests/%d/iterations/%d/changes?api-version=%s", prID, iterationID, apiVersion))
	if err := c.call(ctx, http.MethodGet, changesURL, nil, &wire); err != nil {
		return nil, fmt.Errorf("get changes for PR %d iteration %d: %w", prID, iterationID, err)
	}

	changes := make([]IterationChange, 0, len(wire.ChangeEntries))
	for _, entry := range wire.ChangeEntries {
		if entry.Item.GitObjectType == "tree" {
			continue
		}
		changes = append(changes, IterationChange{
			Path:       entry.Item.Path,
			ChangeType: ChangeType(strings.ToLower(entry.ChangeType)),
		})
	}
	return changes, nil
}

// GetFile returns a file's content at a specific commit.
func (c *Client) GetFile(ctx context.Context, project, repositoryID, path, commit string) (string, error) {
	var content string
	fileURL := c.repoURL(project, repositoryID,
		fmt.Sprintf("/items?path=%s&versionDescriptor.version=%s&versionDescriptor.versionType=commit&includeContent=true&$format=text&api-version=%s",
			url.QueryEscape(path), url.QueryEscape(commit), apiVersion))
	if err := c.call(ctx, http.MethodGet, fileURL, nil, &content); err != nil {
		return "", fmt.Errorf("get file %s@%s: %w", path, commit, err)
	}
	return content, nil
}

// ListThreads returns all comment threads on the PR.
func (c *Client) ListThreads(ctx context.Context, project, repositoryID string, prID int) ([]Thread, error) {
	var wire wireList[wireThread]
	threadsURL := c.repoURL(project, repositoryID,
		fmt.Sprintf("/pullRequests/%d/threads?api-version=%s", prID, apiVersion))
	if err := c.call(ctx, http.MethodGet, threadsURL, nil, &wire); err != nil {
		return nil, fmt.Errorf("list threads for PR %d: %w", prID, err)
	}

	threads := make([]Thread, 0, len(wire.Value))
	for _, wt := range wire.Value {
		thread := Thread{
			ID:     wt.ID,
			Status: ThreadStatus(wt.Status),
		}
		if wt.ThreadContext != nil {
			thread.Path = wt.ThreadContext.FilePath
			if wt.ThreadContext.RightFileStart != nil {
				thread.Line = wt.ThreadContext.RightFileStart.Line
			}
		}
		for _, comment := range wt.Comments {
			thread.Comments = append(thread.Comments, Comment{
				ID:      comment.ID,
				Content: comment.Content,
			})
		}
		threads = append(threads, thread)
	}
	return threads, nil
}

// CreateThread posts a new thread, inline when input carries a path and
// line, PR-level otherwise.
func (c *Client) CreateThread(ctx context.Context, project, repositoryID string, prID int, input ThreadInput) (*Thread, error) {
	wire := wireThread{
		Status:   string(input.Status),
		Comments: []wireComment{{Content: input.Body, CommentType: "text"}},
	}
	if input.Path != "" && input.Line > 0 {
		wire.ThreadContext = &wireThreadContext{
			FilePath:       input.Path,
			RightFileStart: &wireFilePosition{Line: input.Line, Offset: 1},
			RightFileEnd:   &wireFilePosition{Line: input.Line, Offset: 1},
		}
	}

	var created wireThread
	threadsURL := c.repoURL(project, repositoryID,
		fmt.Sprintf("/pullRequests/%d/threads?api-version=%s", prID, apiVersion))
	if err := c.call(ctx, http.MethodPost, threadsURL, wire, &created); err != nil {
		return nil, fmt.Errorf("create thread on PR %d: %w", prID, err)
	}
	return &Thread{ID: created.ID, Status: ThreadStatus(created.Status), Path: input.Path, Line: input.Line}, nil
}

// UpdateThread sets a thread's resolution status and optionally appends a
// short reply comment.
func (c *Client) UpdateThread(ctx context.Context, project, repositoryID string, prID, threadID int, status ThreadStatus, reply string) error {
	if reply != "" {
		commentURL := c.repoURL(project, repositoryID,
			fmt.Sprintf("/pullRequests/%d/threads/%d/comments?api-version=%s", prID, threadID, apiVersion))
		comment := wireComment{Content: reply, CommentType: "text"}
		if err := c.call(ctx, http.MethodPost, commentURL, comment, nil); err != nil {
			return fmt.Errorf("reply to thread %d on PR %d: %w", threadID, prID, err)
		}
	}

	threadURL := c.repoURL(project, repositoryID,
		fmt.Sprintf("/pullRequests/%d/threads/%d?api-version=%s", prID, threadID, apiVersion))
	patch := wireThread{Status: string(status)}
	if err := c.call(ctx, http.MethodPatch, threadURL, patch, nil); err != nil {
		return fmt.Errorf("update thread %d on PR %d: %w", threadID, prID, err)
	}
	return nil
}

// ---- Service hooks ----

type wireSubscription struct {
	ID               string         `json:"id,omitempty"`
	PublisherID      string         `json:"publisherId"`
	EventType        string         `json:"eventType"`
	ConsumerID       string         `json:"consumerId"`
	ConsumerActionID string         `json:"consumerActionId"`
	PublisherInputs  map[string]any `json:"publisherInputs"`
	ConsumerInputs   map[string]any `json:"consumerInputs"`
}

// Webhook event types the service subscribes to.
var hookEventTypes = []string{
	"git.pullrequest.created",
	"git.pullrequest.updated",
}

// RegisterHook creates webhook subscriptions delivering PR events for the
// repository to callbackURL. One subscription is created per event type.
func (c *Client) RegisterHook(ctx context.Context, projectID, repositoryID, callbackURL string) ([]Hook, error) {
	hooksURL := fmt.Sprintf("%s/%s/_apis/hooks/subscriptions?api-version=%s",
		c.baseURL, url.PathEscape(c.organization), apiVersion)

	hooks := make([]Hook, 0, len(hookEventTypes))
	for _, eventType := range hookEventTypes {
		sub := wireSubscription{
			PublisherID:      "tfs",
			EventType:        eventType,
			ConsumerID:       "webHooks",
			ConsumerActionID: "httpRequest",
			PublisherInputs: map[string]any{
				"projectId":  projectID,
				"repository": repositoryID,
			},
			ConsumerInputs: map[string]any{
				"url": callbackURL,
			},
		}
		var created wireSubscription
		if err := c.call(ctx, http.MethodPost, hooksURL, sub, &created); err != nil {
			// Roll back subscriptions created so far; registration is
			// all-or-nothing from the caller's perspective.
			for _, h := range hooks {
				if cleanupErr := c.UnregisterHook(ctx, h.ID); cleanupErr != nil {
					c.logger.Warn("Failed to roll back partial hook registration",
						"hook_id", h.ID, "error", cleanupErr)
				}
			}
			return nil, fmt.Errorf("register hook %s: %w", eventType, err)
		}
		hooks = append(hooks, Hook{ID: created.ID, EventType: eventType})
	}
	return hooks, nil
}

// UnregisterHook deletes a webhook subscription.
func (c *Client) UnregisterHook(ctx context.Context, hookID string) error {
	hookURL := fmt.Sprintf("%s/%s/_apis/hooks/subscriptions/%s?api-version=%s",
		c.baseURL, url.PathEscape(c.organization), url.PathEscape(hookID), apiVersion)
	if err := c.call(ctx, http.MethodDelete, hookURL, nil, nil); err != nil {
		return fmt.Errorf("unregister hook %s: %w", hookID, err)
	}
	return nil
}
