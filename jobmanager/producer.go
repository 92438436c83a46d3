package jobmanager

import (
	"context"

	"github.com/jobnik/worker-sdk/core"
	"github.com/jobnik/worker-sdk/telemetry"
)

// Producer creates follow-up Jobs, Stages and Tasks. A handle is passed into
// every HandlerContext; per §5 it is shared by reference across concurrent
// handlers and must not retain per-call mutable state, so Producer itself
// carries nothing beyond the (already-safe-for-concurrent-use) Client.
type Producer struct {
	client Client
}

// NewProducer builds a Producer over client.
func NewProducer(client Client) *Producer {
	return &Producer{client: client}
}

// CreateJob creates a job, stamping it with the caller's current trace
// context so the server preserves the trace link (§4.6).
func (p *Producer) CreateJob(ctx context.Context, name string, priority JobPriority, data TaskData) (*Job, error) {
	if name == "" {
		return nil, core.NewProducerError(core.ProducerEmptyTaskData, nil)
	}
	traceparent, _ := telemetry.InjectTraceContext(ctx)
	job, err := p.client.CreateJob(ctx, name, priority, data, traceparent)
	if err != nil {
		return nil, core.NewProducerError(core.ProducerRequestFailed, err)
	}
	return job, nil
}

// CreateStage creates a stage under jobID.
func (p *Producer) CreateStage(ctx context.Context, jobID JobId, stageType string, data TaskData) (*Stage, error) {
	if stageType == "" {
		return nil, core.NewProducerError(core.ProducerEmptyTaskData, nil)
	}
	traceparent, _ := telemetry.InjectTraceContext(ctx)
	stage, err := p.client.CreateStage(ctx, jobID, stageType, data, traceparent)
	if err != nil {
		return nil, core.NewProducerError(core.ProducerRequestFailed, err)
	}
	return stage, nil
}

// CreateTask creates a task under stageID.
func (p *Producer) CreateTask(ctx context.Context, stageID StageId, data TaskData) (*Task, error) {
	if data == nil {
		return nil, core.NewProducerError(core.ProducerEmptyTaskData, nil)
	}
	traceparent, _ := telemetry.InjectTraceContext(ctx)
	task, err := p.client.CreateTask(ctx, stageID, data, traceparent)
	if err != nil {
		return nil, core.NewProducerError(core.ProducerRequestFailed, err)
	}
	return task, nil
}
