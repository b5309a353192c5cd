// Package ingest is the webhook front door: it validates, normalizes, and
// deduplicates platform events, then enqueues them for the orchestrator.
// All heavy work is asynchronous; acceptance completes well inside the
// platform's delivery timeout.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/observability"
	"github.com/codeready-toolchain/revue/pkg/store"
)

// Sentinel errors mapped to HTTP responses by the API layer.
var (
	// ErrRejected indicates a malformed or unsupported payload.
	ErrRejected = errors.New("ingest rejected")

	// ErrUnauthorized indicates a signature mismatch.
	ErrUnauthorized = errors.New("ingest unauthorized")

	// ErrUnmonitored indicates the event's repository is not registered.
	// The caller still acks the delivery; platform retries are undesirable
	// for unmonitored repositories.
	ErrUnmonitored = errors.New("repository not monitored")

	// ErrDuplicate indicates the event is already queued or has an active
	// agent.
	ErrDuplicate = errors.New("duplicate event")
)

// RegistrationChecker answers whether a repository is monitored.
type RegistrationChecker interface {
	IsMonitored(ctx context.Context, repositoryID string) (bool, error)
}

// Queue is the store surface the ingestor needs.
type Queue interface {
	TryDedup(ctx context.Context, key string) error
	ClearDedup(ctx context.Context, key string) error
	Enqueue(ctx context.Context, event models.PREvent) (string, error)
}

// Ingestor accepts webhook payloads.
type Ingestor struct {
	organization  string
	signingSecret string
	registrations RegistrationChecker
	queue         Queue
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// New creates an ingestor. signingSecret may be empty, which disables
// signature verification.
func New(organization, signingSecret string, registrations RegistrationChecker, queue Queue, metrics *observability.Metrics) *Ingestor {
	return &Ingestor{
		organization:  organization,
		signingSecret: signingSecret,
		registrations: registrations,
		queue:         queue,
		metrics:       metrics,
		logger:        slog.Default(),
	}
}

// Azure DevOps webhook envelope, reduced to the fields the pipeline uses.
type webhookPayload struct {
	EventType string          `json:"eventType"`
	Resource  webhookResource `json:"resource"`
}

type webhookResource struct {
	PullRequestID int               `json:"pullRequestId"`
	Title         string            `json:"title"`
	SourceRefName string            `json:"sourceRefName"`
	TargetRefName string            `json:"targetRefName"`
	IterationID   int               `json:"iterationId"`
	CreatedBy     webhookIdentity   `json:"createdBy"`
	Repository    webhookRepository `json:"repository"`
	SourceCommit  webhookCommit     `json:"lastMergeSourceCommit"`
	TargetCommit  webhookCommit     `json:"lastMergeTargetCommit"`
}

type webhookIdentity struct {
	UniqueName string `json:"uniqueName"`
}

type webhookCommit struct {
	CommitID string `json:"commitId"`
}

type webhookRepository struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Project webhookProject `json:"project"`
}

type webhookProject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Accept validates and enqueues one webhook delivery. On success the
// normalized event is returned (for logging at the HTTP layer).
func (i *Ingestor) Accept(ctx context.Context, payload []byte, signature string) (*models.PREvent, error) {
	if err := i.verifySignature(payload, signature); err != nil {
		i.observeRejection("unauthorized")
		return nil, err
	}

	var envelope webhookPayload
	if err := json.Unmarshal(payload, &envelope); err != nil {
		i.observeRejection("malformed")
		return nil, fmt.Errorf("%w: parse payload: %v", ErrRejected, err)
	}

	kind, err := eventKind(envelope.EventType)
	if err != nil {
		i.observeRejection("unknown_event_type")
		return nil, err
	}

	event, err := i.normalize(kind, &envelope.Resource)
	if err != nil {
		i.observeRejection("malformed")
		return nil, err
	}

	monitored, err := i.registrations.IsMonitored(ctx, event.RepositoryID)
	if err != nil {
		return nil, fmt.Errorf("check registration: %w", err)
	}
	if !monitored {
		i.logger.Info("Dropping event for unmonitored repository",
			"repository_id", event.RepositoryID, "pr_id", event.PRID)
		return nil, ErrUnmonitored
	}

	if err := i.queue.TryDedup(ctx, event.DedupKey()); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			i.logger.Info("Dropping duplicate event",
				"pr_id", event.PRID, "dedup_key", event.DedupKey())
			if i.metrics != nil {
				i.metrics.EventsDeduped.Inc()
			}
			return nil, ErrDuplicate
		}
		return nil, err
	}

	if _, err := i.queue.Enqueue(ctx, *event); err != nil {
		// Release the key so a later delivery of the same event is not
		// dropped as a duplicate.
		if clearErr := i.queue.ClearDedup(ctx, event.DedupKey()); clearErr != nil {
			i.logger.Warn("Failed to release dedup key after enqueue failure",
				"dedup_key", event.DedupKey(), "error", clearErr)
		}
		return nil, fmt.Errorf("enqueue event: %w", err)
	}

	if i.metrics != nil {
		i.metrics.EventsReceived.WithLabelValues(string(kind)).Inc()
	}
	i.logger.Info("Event enqueued",
		"pr_id", event.PRID, "event_kind", kind, "repository_id", event.RepositoryID)
	return event, nil
}

// eventKind maps the platform event type; the publisher prefix varies by
// hosting flavor, so only the suffix is matched.
func eventKind(eventType string) (models.EventKind, error) {
	switch {
	case strings.HasSuffix(eventType, ".pullrequest.created"):
		return models.EventCreated, nil
	case strings.HasSuffix(eventType, ".pullrequest.updated"):
		return models.EventUpdated, nil
	default:
		return "", fmt.Errorf("%w: unknown event type %q", ErrRejected, eventType)
	}
}

func (i *Ingestor) normalize(kind models.EventKind, resource *webhookResource) (*models.PREvent, error) {
	if resource.PullRequestID <= 0 {
		return nil, fmt.Errorf("%w: missing pullRequestId", ErrRejected)
	}
	if resource.Repository.ID == "" {
		return nil, fmt.Errorf("%w: missing repository id", ErrRejected)
	}
	if resource.SourceCommit.CommitID == "" {
		return nil, fmt.Errorf("%w: missing source commit", ErrRejected)
	}

	return &models.PREvent{
		Kind:         kind,
		PRID:         resource.PullRequestID,
		RepositoryID: resource.Repository.ID,
		Organization: i.organization,
		Project:      resource.Repository.Project.Name,
		Repository:   resource.Repository.Name,
		Title:        resource.Title,
		Author:       resource.CreatedBy.UniqueName,
		SourceBranch: resource.SourceRefName,
		TargetBranch: resource.TargetRefName,
		SourceCommit: resource.SourceCommit.CommitID,
		TargetCommit: resource.TargetCommit.CommitID,
		IterationID:  resource.IterationID,
		ReceivedAt:   time.Now(),
	}, nil
}

func (i *Ingestor) observeRejection(reason string) {
	if i.metrics != nil {
		i.metrics.EventsRejected.WithLabelValues(reason).Inc()
	}
}
