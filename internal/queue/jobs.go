package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// IngestArchivesTask is scheduled once per upload batch.
	IngestArchivesTask = "archive:ingest"
)

// IngestPayload is serialized into the task payload so the worker knows which
// job to update and which inbox files belong to it.
type IngestPayload struct {
	Token string   `json:"token"`
	Paths []string `json:"paths"`
}

// NewIngestTask builds the task for a batch. Archives are never retried:
// a partially ingested batch would otherwise be re-run against moved files.
func NewIngestTask(payload IngestPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return asynq.NewTask(IngestArchivesTask, data, asynq.MaxRetry(0)), nil
}

// EnqueueIngest enqueues an ingestion job.
func EnqueueIngest(ctx context.Context, client *asynq.Client, payload IngestPayload) error {
	task, err := NewIngestTask(payload)
	if err != nil {
		return err
	}
	if _, err := client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueue ingest task: %w", err)
	}
	return nil
}

// DecodeIngest reads the payload of an ingest task.
func DecodeIngest(task *asynq.Task) (IngestPayload, error) {
	var p IngestPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	if p.Token == "" {
		return p, fmt.Errorf("decode payload: missing job token")
	}
	return p, nil
}

// Dispatcher hands a batch to a background worker. The asynq client and the
// in-process pool both implement it.
type Dispatcher interface {
	Dispatch(ctx context.Context, token string, paths []string) error
}

// Client dispatches batches through Redis.
type Client struct {
	client *asynq.Client
}

// NewClient wraps an asynq client.
func NewClient(client *asynq.Client) *Client {
	return &Client{client: client}
}

// Dispatch implements Dispatcher.
func (c *Client) Dispatch(ctx context.Context, token string, paths []string) error {
	return EnqueueIngest(ctx, c.client, IngestPayload{Token: token, Paths: paths})
}
