package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// GenerateReportTask is scheduled for every submitted encounter, and
	// again for each retry attempt.
	GenerateReportTask = "report:generate"

	// queueName keeps report work isolated from any future task types.
	queueName = "reports"
)

// GeneratePayload identifies the unit of work.
type GeneratePayload struct {
	EncounterID uuid.UUID `json:"encounter_id"`
	ReportID    uuid.UUID `json:"report_id"`
}

// Queue wraps the asynq client. Queue-level retry is disabled: the report
// state machine owns the retry budget and schedules retries explicitly, so a
// crashed attempt never burns budget twice.
type Queue struct {
	client *asynq.Client
}

func NewQueue(redisOpt asynq.RedisClientOpt) *Queue {
	return &Queue{client: asynq.NewClient(redisOpt)}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// EnqueueReport schedules the first attempt for a report.
func (q *Queue) EnqueueReport(ctx context.Context, encounterID, reportID uuid.UUID) error {
	return q.enqueue(ctx, encounterID, reportID, 0)
}

// EnqueueReportRetry schedules a later attempt after the backoff delay.
func (q *Queue) EnqueueReportRetry(ctx context.Context, encounterID, reportID uuid.UUID, delay time.Duration) error {
	return q.enqueue(ctx, encounterID, reportID, delay)
}

func (q *Queue) enqueue(ctx context.Context, encounterID, reportID uuid.UUID, delay time.Duration) error {
	data, err := json.Marshal(GeneratePayload{EncounterID: encounterID, ReportID: reportID})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	opts := []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}

	task := asynq.NewTask(GenerateReportTask, data)
	if _, err := q.client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue report task: %w", err)
	}
	return nil
}

// Handler returns the asynq mux for the worker process.
func Handler(runner *Runner) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(GenerateReportTask, func(ctx context.Context, t *asynq.Task) error {
		var p GeneratePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("unmarshal %s payload: %w", GenerateReportTask, err)
		}
		return runner.Run(ctx, p.EncounterID, p.ReportID)
	})
	return mux
}

// ServerConfig builds the asynq server config for the worker pool. The pool
// size bounds concurrent pipeline runs to the external-service quotas.
func ServerConfig(concurrency int) asynq.Config {
	if concurrency <= 0 {
		concurrency = 4
	}
	return asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queueName: 1},
	}
}
