// Package archive keeps an audit copy of every finished task in S3 under
// executions/{task_id}.json.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// Archiver stores and retrieves execution logs of terminal tasks.
type Archiver interface {
	Put(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, taskID string) (*domain.Task, error)
}

// Record is the document written per task.
type Record struct {
	Task            *domain.Task `json:"task"`
	ExecutionTimeMs int64        `json:"execution_time_ms"`
	ArchivedAt      time.Time    `json:"archived_at"`
}

// Key returns the object key of a task's execution log.
func Key(taskID string) string { return "executions/" + taskID + ".json" }

type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3 archives to one bucket.
type S3 struct {
	api    objectAPI
	bucket string
	now    func() time.Time
}

// NewS3 creates an S3 archiver using the default AWS credential chain.
func NewS3(ctx context.Context, bucket, region string) (*S3, error) {
	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newS3(s3.NewFromConfig(cfg), bucket), nil
}

func newS3(api objectAPI, bucket string) *S3 {
	return &S3{api: api, bucket: bucket, now: time.Now}
}

func (a *S3) Put(ctx context.Context, task *domain.Task) error {
	rec := Record{Task: task, ArchivedAt: a.now().UTC()}
	if task.CompletedAt != nil {
		rec.ExecutionTimeMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
	}
	body, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}
	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(Key(task.ID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload execution log %s: %w", task.ID, err)
	}
	return nil
}

// Get returns TaskNotFoundError when no log exists for taskID.
func (a *S3) Get(ctx context.Context, taskID string) (*domain.Task, error) {
	out, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(Key(taskID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("download execution log %s: %w", taskID, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read execution log %s: %w", taskID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode execution log %s: %w", taskID, err)
	}
	if rec.Task == nil {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return rec.Task, nil
}

// Nop discards logs; Get always reports the task as not found.
type Nop struct{}

func (Nop) Put(context.Context, *domain.Task) error { return nil }

func (Nop) Get(_ context.Context, taskID string) (*domain.Task, error) {
	return nil, &domain.TaskNotFoundError{TaskID: taskID}
}

var (
	_ Archiver = (*S3)(nil)
	_ Archiver = Nop{}
)
