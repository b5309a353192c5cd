package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/revue/pkg/models"
	"github.com/codeready-toolchain/revue/pkg/store"
)

type fakeChecker struct {
	monitored map[string]bool
}

func (f *fakeChecker) IsMonitored(_ context.Context, repositoryID string) (bool, error) {
	return f.monitored[repositoryID], nil
}

type fakeQueue struct {
	dedupKeys map[string]bool
	enqueued  []models.PREvent
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{dedupKeys: make(map[string]bool)}
}

func (f *fakeQueue) TryDedup(_ context.Context, key string) error {
	if f.dedupKeys[key] {
		return store.ErrDuplicate
	}
	f.dedupKeys[key] = true
	return nil
}

func (f *fakeQueue) ClearDedup(_ context.Context, key string) error {
	delete(f.dedupKeys, key)
	return nil
}

func (f *fakeQueue) Enqueue(_ context.Context, event models.PREvent) (string, error) {
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, event)
	return fmt.Sprintf("entry-%d", len(f.enqueued)), nil
}

func payload(eventType string, prID int, repoID string) []byte {
	return []byte(fmt.Sprintf(`{
		"eventType": %q,
		"resource": {
			"pullRequestId": %d,
			"title": "Add retry logic",
			"sourceRefName": "refs/heads/feature",
			"targetRefName": "refs/heads/main",
			"createdBy": {"uniqueName": "dev@contoso.com"},
			"repository": {"id": %q, "name": "platform-api", "project": {"id": "p1", "name": "Platform"}},
			"lastMergeSourceCommit": {"commitId": "abc123"},
			"lastMergeTargetCommit": {"commitId": "def456"}
		}
	}`, eventType, prID, repoID))
}

func newIngestor(secret string, queue *fakeQueue) *Ingestor {
	checker := &fakeChecker{monitored: map[string]bool{"repo-1": true}}
	return New("contoso", secret, checker, queue, nil)
}

func TestAcceptCreatedEvent(t *testing.T) {
	queue := newFakeQueue()
	ingestor := newIngestor("", queue)

	event, err := ingestor.Accept(context.Background(),
		payload("git.pullrequest.created", 101, "repo-1"), "")
	require.NoError(t, err)

	assert.Equal(t, models.EventCreated, event.Kind)
	assert.Equal(t, 101, event.PRID)
	assert.Equal(t, "repo-1", event.RepositoryID)
	assert.Equal(t, "contoso", event.Organization)
	assert.Equal(t, "Platform", event.Project)
	assert.Equal(t, "abc123", event.SourceCommit)
	require.Len(t, queue.enqueued, 1)
}

func TestAcceptRejectsUnknownEventType(t *testing.T) {
	ingestor := newIngestor("", newFakeQueue())

	_, err := ingestor.Accept(context.Background(),
		payload("git.push", 101, "repo-1"), "")
	assert.ErrorIs(t, err, ErrRejected)
}

func TestAcceptRejectsMalformedPayload(t *testing.T) {
	ingestor := newIngestor("", newFakeQueue())

	tests := []struct {
		name    string
		payload []byte
	}{
		{"invalid json", []byte(`{not json`)},
		{"missing pr id", payload("git.pullrequest.created", 0, "repo-1")},
		{"missing repository", payload("git.pullrequest.created", 101, "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestor.Accept(context.Background(), tt.payload, "")
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestAcceptDropsUnmonitoredRepository(t *testing.T) {
	queue := newFakeQueue()
	ingestor := newIngestor("", queue)

	_, err := ingestor.Accept(context.Background(),
		payload("git.pullrequest.created", 101, "unknown-repo"), "")
	assert.ErrorIs(t, err, ErrUnmonitored)
	assert.Empty(t, queue.enqueued)
}

func TestAcceptDeduplicatesReplays(t *testing.T) {
	queue := newFakeQueue()
	ingestor := newIngestor("", queue)
	body := payload("git.pullrequest.created", 101, "repo-1")

	_, err := ingestor.Accept(context.Background(), body, "")
	require.NoError(t, err)

	// The identical webhook replayed yields at most one queued entry.
	_, err = ingestor.Accept(context.Background(), body, "")
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, queue.enqueued, 1)
}

func TestAcceptReleasesDedupKeyOnEnqueueFailure(t *testing.T) {
	queue := newFakeQueue()
	queue.enqueueErr = fmt.Errorf("backend down")
	ingestor := newIngestor("", queue)
	body := payload("git.pullrequest.created", 101, "repo-1")

	_, err := ingestor.Accept(context.Background(), body, "")
	require.Error(t, err)

	// A later retry is not blocked by a stale dedup key.
	queue.enqueueErr = nil
	_, err = ingestor.Accept(context.Background(), body, "")
	assert.NoError(t, err)
}

func TestSignatureVerification(t *testing.T) {
	const secret = "webhook-secret"
	queue := newFakeQueue()
	ingestor := newIngestor(secret, queue)
	body := payload("git.pullrequest.created", 101, "repo-1")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	valid := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	_, err := ingestor.Accept(context.Background(), body, valid)
	require.NoError(t, err)

	_, err = ingestor.Accept(context.Background(), body, "sha256="+hex.EncodeToString(make([]byte, 32)))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = ingestor.Accept(context.Background(), body, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSignatureSkippedWithoutSecret(t *testing.T) {
	ingestor := newIngestor("", newFakeQueue())

	_, err := ingestor.Accept(context.Background(),
		payload("git.pullrequest.created", 101, "repo-1"), "sha256=garbage")
	assert.NoError(t, err)
}

func TestDedupKeyPrefersIteration(t *testing.T) {
	created := models.PREvent{PRID: 101, Kind: models.EventCreated, SourceCommit: "abc"}
	assert.Equal(t, "101:abc:created", created.DedupKey())

	updated := models.PREvent{PRID: 101, Kind: models.EventUpdated, SourceCommit: "abc", IterationID: 4}
	assert.Equal(t, "101:4:updated", updated.DedupKey())
}
