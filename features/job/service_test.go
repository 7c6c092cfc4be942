package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docvec/internal/config"
)

type MockPublisher struct {
	LastTopic string
	LastBody  []byte
	Err       error
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	m.LastTopic = topic
	m.LastBody = body
	return m.Err
}

type MockRepo struct {
	Repository
	Created   *Job
	CancelOK  bool
	CancelErr error
	GetJob    *Job
	GetErr    error
}

func (m *MockRepo) Create(ctx context.Context, j *Job) error {
	j.ID = "job-1"
	j.Status = StatusPending
	m.Created = j
	return nil
}

func (m *MockRepo) Cancel(ctx context.Context, id string) (bool, error) {
	return m.CancelOK, m.CancelErr
}

func (m *MockRepo) Get(ctx context.Context, id string) (*Job, error) {
	return m.GetJob, m.GetErr
}

func TestService_Enqueue(t *testing.T) {
	repo := &MockRepo{}
	pub := &MockPublisher{}
	service := NewService(repo, pub)

	j := &Job{DocumentID: "doc-1", UserID: "u1", Kind: KindFullPipeline, MaxRetries: 3}
	require.NoError(t, service.Enqueue(context.Background(), j))

	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, DefaultPriority, j.Priority)
	assert.Equal(t, config.TopicJobReady, pub.LastTopic)

	var msg ReadyMessage
	require.NoError(t, json.Unmarshal(pub.LastBody, &msg))
	assert.Equal(t, "job-1", msg.JobID)
}

func TestService_Enqueue_RejectsUnknownKind(t *testing.T) {
	service := NewService(&MockRepo{}, nil)
	err := service.Enqueue(context.Background(), &Job{Kind: "reticulation"})
	assert.Error(t, err)
}

func TestService_Enqueue_ClampsPriority(t *testing.T) {
	repo := &MockRepo{}
	service := NewService(repo, nil)

	j := &Job{Kind: KindChunking, Priority: 99}
	require.NoError(t, service.Enqueue(context.Background(), j))
	assert.Equal(t, MaxPriority, j.Priority)
}

func TestService_Enqueue_PublishFailureIsNotFatal(t *testing.T) {
	repo := &MockRepo{}
	pub := &MockPublisher{Err: errors.New("nsqd unreachable")}
	service := NewService(repo, pub)

	err := service.Enqueue(context.Background(), &Job{Kind: KindEmbedding})
	assert.NoError(t, err, "pollers pick the job up even without the nudge")
	assert.NotNil(t, repo.Created)
}

func TestService_Cancel(t *testing.T) {
	t.Run("Active", func(t *testing.T) {
		service := NewService(&MockRepo{CancelOK: true}, nil)
		assert.NoError(t, service.Cancel(context.Background(), "job-1"))
	})

	t.Run("Terminal", func(t *testing.T) {
		repo := &MockRepo{CancelOK: false, GetJob: &Job{ID: "job-1", Status: StatusCompleted}}
		service := NewService(repo, nil)
		err := service.Cancel(context.Background(), "job-1")
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
	})

	t.Run("NotFound", func(t *testing.T) {
		repo := &MockRepo{CancelOK: false, GetErr: sql.ErrNoRows}
		service := NewService(repo, nil)
		err := service.Cancel(context.Background(), "job-1")
		assert.ErrorIs(t, err, sql.ErrNoRows)
	})
}

func TestStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
