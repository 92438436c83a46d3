package jobmanager

import (
	"context"
	"errors"
	"testing"

	"github.com/jobnik/worker-sdk/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient implements Client with per-method overrides; only the methods a
// given test exercises need to be set.
type stubClient struct {
	dequeueTask      func(ctx context.Context, stageType string) (*Task, error)
	getTask          func(ctx context.Context, id TaskId) (*Task, error)
	updateTaskStatus func(ctx context.Context, id TaskId, status TaskStatus) error
	createJob        func(ctx context.Context, name string, priority JobPriority, data TaskData, traceparent string) (*Job, error)
	createStage      func(ctx context.Context, jobID JobId, stageType string, data TaskData, traceparent string) (*Stage, error)
	createTask       func(ctx context.Context, stageID StageId, data TaskData, traceparent string) (*Task, error)
}

func (s *stubClient) DequeueTask(ctx context.Context, stageType string) (*Task, error) {
	return s.dequeueTask(ctx, stageType)
}
func (s *stubClient) GetTask(ctx context.Context, id TaskId) (*Task, error) { return s.getTask(ctx, id) }
func (s *stubClient) UpdateTaskStatus(ctx context.Context, id TaskId, status TaskStatus) error {
	return s.updateTaskStatus(ctx, id, status)
}
func (s *stubClient) GetStage(ctx context.Context, id StageId) (*Stage, error) { return nil, nil }
func (s *stubClient) GetJob(ctx context.Context, id JobId) (*Job, error)       { return nil, nil }
func (s *stubClient) UpdateJobUserMetadata(ctx context.Context, id JobId, metadata UserMetadata) error {
	return nil
}
func (s *stubClient) UpdateStageUserMetadata(ctx context.Context, id StageId, metadata UserMetadata) error {
	return nil
}
func (s *stubClient) UpdateTaskUserMetadata(ctx context.Context, id TaskId, metadata UserMetadata) error {
	return nil
}
func (s *stubClient) CreateJob(ctx context.Context, name string, priority JobPriority, data TaskData, traceparent string) (*Job, error) {
	return s.createJob(ctx, name, priority, data, traceparent)
}
func (s *stubClient) CreateStage(ctx context.Context, jobID JobId, stageType string, data TaskData, traceparent string) (*Stage, error) {
	return s.createStage(ctx, jobID, stageType, data, traceparent)
}
func (s *stubClient) CreateTask(ctx context.Context, stageID StageId, data TaskData, traceparent string) (*Task, error) {
	return s.createTask(ctx, stageID, data, traceparent)
}

func TestConsumer_MarkTaskCompleted_RequiresInProgress(t *testing.T) {
	client := &stubClient{
		getTask: func(ctx context.Context, id TaskId) (*Task, error) {
			return &Task{ID: id, Status: TaskCompleted}, nil
		},
		updateTaskStatus: func(ctx context.Context, id TaskId, status TaskStatus) error {
			t.Fatalf("status update must not be attempted once the local precondition fails")
			return nil
		},
	}
	consumer := NewConsumer(client, nil)

	err := consumer.MarkTaskCompleted(context.Background(), "t1")

	require.Error(t, err)
	assert.True(t, core.IsIllegalLocalTransition(err))
}

func TestConsumer_MarkTaskCompleted_HappyPath(t *testing.T) {
	var settled TaskStatus
	client := &stubClient{
		getTask: func(ctx context.Context, id TaskId) (*Task, error) {
			return &Task{ID: id, Status: TaskInProgress}, nil
		},
		updateTaskStatus: func(ctx context.Context, id TaskId, status TaskStatus) error {
			settled = status
			return nil
		},
	}
	consumer := NewConsumer(client, nil)

	err := consumer.MarkTaskCompleted(context.Background(), "t1")

	require.NoError(t, err)
	assert.Equal(t, TaskCompleted, settled)
}

func TestConsumer_MarkTaskFailed_GuardDeniesClaim(t *testing.T) {
	client := &stubClient{
		getTask: func(ctx context.Context, id TaskId) (*Task, error) {
			return &Task{ID: id, Status: TaskInProgress}, nil
		},
		updateTaskStatus: func(ctx context.Context, id TaskId, status TaskStatus) error {
			t.Fatalf("status update must not be attempted once another replica claimed the task")
			return nil
		},
	}
	guard := denyingGuard{}
	consumer := NewConsumer(client, guard)

	err := consumer.MarkTaskFailed(context.Background(), "t1")

	require.Error(t, err)
	assert.True(t, core.IsIllegalLocalTransition(err))
}

type denyingGuard struct{}

func (denyingGuard) Claim(ctx context.Context, taskID TaskId) (bool, error) { return false, nil }

func TestConsumer_DequeueTask_NoTaskAvailable(t *testing.T) {
	client := &stubClient{
		dequeueTask: func(ctx context.Context, stageType string) (*Task, error) {
			return nil, nil
		},
	}
	consumer := NewConsumer(client, nil)

	task, err := consumer.DequeueTask(context.Background(), "image-resize")

	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestConsumer_DequeueTask_WrapsTransportError(t *testing.T) {
	client := &stubClient{
		dequeueTask: func(ctx context.Context, stageType string) (*Task, error) {
			return nil, core.NewNetworkError(core.NetworkUnknown, errors.New("connection refused"))
		},
	}
	consumer := NewConsumer(client, nil)

	_, err := consumer.DequeueTask(context.Background(), "image-resize")

	require.Error(t, err)
	var consumerErr *core.ConsumerError
	require.ErrorAs(t, err, &consumerErr)
	assert.Equal(t, core.ConsumerRequestFailed, consumerErr.Kind)
}

func TestProducer_CreateTask_RejectsNilData(t *testing.T) {
	producer := NewProducer(&stubClient{})

	_, err := producer.CreateTask(context.Background(), "s1", nil)

	require.Error(t, err)
	var producerErr *core.ProducerError
	require.ErrorAs(t, err, &producerErr)
	assert.Equal(t, core.ProducerEmptyTaskData, producerErr.Kind)
}

func TestProducer_CreateJob_RejectsEmptyName(t *testing.T) {
	producer := NewProducer(&stubClient{})

	_, err := producer.CreateJob(context.Background(), "", PriorityMedium, nil)

	require.Error(t, err)
	var producerErr *core.ProducerError
	require.ErrorAs(t, err, &producerErr)
	assert.Equal(t, core.ProducerEmptyTaskData, producerErr.Kind)
}

func TestProducer_CreateStage_HappyPath(t *testing.T) {
	client := &stubClient{
		createStage: func(ctx context.Context, jobID JobId, stageType string, data TaskData, traceparent string) (*Stage, error) {
			return &Stage{ID: "s1", JobID: jobID, Type: stageType}, nil
		},
	}
	producer := NewProducer(client)

	stage, err := producer.CreateStage(context.Background(), "j1", "image-resize", TaskData{"k": "v"})

	require.NoError(t, err)
	assert.Equal(t, StageId("s1"), stage.ID)
}

func TestNoopIdempotencyGuard_AlwaysClaims(t *testing.T) {
	guard := NoopIdempotencyGuard{}

	ok, err := guard.Claim(context.Background(), "t1")

	require.NoError(t, err)
	assert.True(t, ok)
}
