// Package deployorch implements the deploy operation: resolving the commit
// a deploy would ship via the GitHub API (google/go-github) and guarding
// against two deploys racing on one project.
package deployorch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/go-github/v56/github"
)

// Status mirrors Deploy outcome values.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusConflict        Status = "conflict"
)

// ProjectSource maps a project_id to the GitHub owner/repo it deploys from.
// The orchestrator does not own project configuration; cmd/serve.go wires
// this, reading project_id as "owner/repo".
type ProjectSource func(ctx context.Context, projectID string) (owner, repo string, err error)

// Result is the Deploy operation's response body.
type Result struct {
	Status             Status    `json:"status"`
	CommitSHA          string    `json:"commit_sha,omitempty"`
	CommitShort        string    `json:"commit_short,omitempty"`
	CommitMessage      string    `json:"commit_message,omitempty"`
	RunningDeployID    string    `json:"running_deploy_id,omitempty"`
	StartedAt          time.Time `json:"started_at,omitempty"`
	EstimatedRemaining string    `json:"estimated_remaining,omitempty"`
}

// running tracks one in-flight deploy for a project, for the Conflict case
// (: "Conflict (409): deploy already running").
type running struct {
	deployID  string
	startedAt time.Time
}

// Orchestrator resolves commit metadata for a requested deploy and guards
// against a second deploy starting against the same project while one is
// already in flight.
type Orchestrator struct {
	github        *github.Client
	projectSource ProjectSource
	idGen         func() string
	clock         func() time.Time

	mu      sync.Mutex
	running map[string]running // project_id -> running deploy
}

func New(client *github.Client, projectSource ProjectSource, idGen func() string) *Orchestrator {
	return &Orchestrator{
		github:        client,
		projectSource: projectSource,
		idGen:         idGen,
		clock:         time.Now,
		running:       make(map[string]running),
	}
}

// Resolve implements Deploy's commit-resolution and conflict-detection half.
// The caller (internal/gatewayhttp's deploy handler) is responsible for
// routing the resulting ApprovalRequest to a human approver
// when Status is pending_approval.
func (o *Orchestrator) Resolve(ctx context.Context, projectID, branch string) (*Result, error) {
	if branch == "" {
		branch = "main"
	}

	o.mu.Lock()
	if existing, ok := o.running[projectID]; ok {
		o.mu.Unlock()
		return &Result{
			Status:             StatusConflict,
			RunningDeployID:    existing.deployID,
			StartedAt:          existing.startedAt,
			EstimatedRemaining: estimateRemaining(existing.startedAt, o.clock()),
		}, nil
	}
	o.mu.Unlock()

	owner, repo, err := o.projectSource(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("deployorch: resolve project %s: %w", projectID, err)
	}

	commit, _, err := o.github.Repositories.GetCommit(ctx, owner, repo, branch, nil)
	if err != nil {
		return nil, fmt.Errorf("deployorch: get latest commit on %s/%s@%s: %w", owner, repo, branch, err)
	}

	sha := commit.GetSHA()
	short := sha
	if len(short) > 7 {
		short = short[:7]
	}
	message := ""
	if commit.Commit != nil {
		message = commit.Commit.GetMessage()
	}

	return &Result{
		Status:        StatusPendingApproval,
		CommitSHA:     sha,
		CommitShort:   short,
		CommitMessage: message,
	}, nil
}

// Begin marks projectID as having an in-flight deploy, called once a human
// approves the pending deploy request. Returns the deploy id assigned.
func (o *Orchestrator) Begin(projectID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	deployID := o.idGen()
	o.running[projectID] = running{deployID: deployID, startedAt: o.clock()}
	return deployID
}

// Finish clears projectID's in-flight marker once its deploy completes
// (success or failure either one unblocks the next Deploy call).
func (o *Orchestrator) Finish(projectID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, projectID)
}

func estimateRemaining(startedAt, now time.Time) string {
	elapsed := now.Sub(startedAt)
	budget := 10 * time.Minute
	remaining := budget - elapsed
	if remaining < 0 {
		return "overdue"
	}
	return remaining.Round(time.Second).String()
}
