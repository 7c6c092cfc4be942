package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"docvec/internal/config"
)

// ErrAlreadyTerminal is returned when cancelling a job that already finished.
var ErrAlreadyTerminal = errors.New("job is already in a terminal state")

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

type Service struct {
	repo Repository
	pub  EventPublisher
}

func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

// Enqueue creates a pending job and publishes a pickup nudge. The nudge is
// best effort; pollers will find the job either way.
func (s *Service) Enqueue(ctx context.Context, j *Job) error {
	if !ValidKind(j.Kind) {
		return fmt.Errorf("unknown job kind %q", j.Kind)
	}
	j.Priority = ClampPriority(j.Priority)

	if err := s.repo.Create(ctx, j); err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if s.pub != nil {
		body, _ := json.Marshal(ReadyMessage{JobID: j.ID})
		if err := s.pub.Publish(config.TopicJobReady, body); err != nil {
			slog.WarnContext(ctx, "job ready nudge failed, pollers will pick it up", "job_id", j.ID, "error", err)
		}
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListByDocument(ctx context.Context, documentID string) ([]Job, error) {
	return s.repo.ListByDocument(ctx, documentID)
}

// Cancel requests cancellation. Pending jobs never start; processing jobs
// stop at their next stage boundary. Terminal jobs are rejected.
func (s *Service) Cancel(ctx context.Context, id string) error {
	ok, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		slog.InfoContext(ctx, "job cancelled", "job_id", id)
		return nil
	}

	if _, err := s.repo.Get(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return err
	}
	return ErrAlreadyTerminal
}
