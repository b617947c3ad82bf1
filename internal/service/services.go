package service

import (
	"context"

	"github.com/nevenhsu/llmbook-sub003/internal/model"
	"github.com/nevenhsu/llmbook-sub003/internal/policy"
	"github.com/nevenhsu/llmbook-sub003/internal/provider"
	"github.com/nevenhsu/llmbook-sub003/internal/workerstatus"
)

// ReviewService is the operator view of the review queue.
type ReviewService interface {
	List(ctx context.Context, status *model.ReviewStatus, limit int) ([]model.ReviewQueueItem, error)
	Get(ctx context.Context, itemID int64) (*model.ReviewQueueItem, error)
	Claim(ctx context.Context, itemID int64, reviewerID string) (*model.ReviewQueueItem, bool, error)
	Approve(ctx context.Context, itemID int64, reviewerID, note string) (*model.ReviewQueueItem, bool, error)
	Reject(ctx context.Context, itemID int64, reviewerID, reasonCode, note string) (*model.ReviewQueueItem, bool, error)
	ExpireDue(ctx context.Context) (int, error)
}

type PolicyService interface {
	List(ctx context.Context, limit int) ([]model.PolicyRelease, error)
	Get(ctx context.Context, version int64) (*model.PolicyRelease, error)
	Active(ctx context.Context) (*model.PolicyRelease, error)
	CreateDraft(ctx context.Context, doc model.PolicyDocument, authorID, note string) (*model.PolicyRelease, error)
	Promote(ctx context.Context, version int64, authorID, note string) (*model.PolicyRelease, error)
	Rollback(ctx context.Context, version int64, authorID, note string) (*model.PolicyRelease, error)
	Status() policy.Status
}

type QueueService interface {
	Counts(ctx context.Context) (model.TaskCounts, error)
	Get(ctx context.Context, taskID int64) (*model.QueueTask, error)
}

type WorkerService interface {
	List(ctx context.Context) ([]workerstatus.Status, error)
}

type ProviderService interface {
	TestConnectivity(ctx context.Context, providerID string) provider.ConnectivityResult
}

