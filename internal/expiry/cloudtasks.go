package expiry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// CloudTasksScheduler delegates expiry timing to Google Cloud Tasks: each
// task is an HTTP POST back to the engine's expiry callback, scheduled for
// the completion's deadline. Cloud Tasks supplies the retry policy and the
// dead-letter queue, so expiries survive engine restarts without a sweep
// loop.
type CloudTasksScheduler struct {
	client      *cloudtasks.Client
	queuePath   string
	callbackURL string
	logger      *log.Logger
}

// NewCloudTasksScheduler connects to the queue. callbackURL is the engine
// endpoint that receives fired tasks.
func NewCloudTasksScheduler(projectID, locationID, queueID, callbackURL string) (*CloudTasksScheduler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks.NewClient: %w", err)
	}

	s := &CloudTasksScheduler{
		client:      client,
		queuePath:   fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		callbackURL: callbackURL,
		logger:      log.New(log.Writer(), "[CLOUD-TASKS] ", log.LstdFlags),
	}
	s.logger.Printf("connected to Cloud Tasks queue: %s", s.queuePath)
	return s, nil
}

// taskName derives a deterministic Cloud Tasks name from the key so a
// rescheduled duplicate deduplicates server-side.
func (s *CloudTasksScheduler) taskName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return fmt.Sprintf("%s/tasks/expiry-%s", s.queuePath, hex.EncodeToString(sum[:16]))
}

func (s *CloudTasksScheduler) Schedule(task Task) {
	payload, err := json.Marshal(task)
	if err != nil {
		s.logger.Printf("marshal expiry task: %v", err)
		return
	}

	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			Name:         s.taskName(task.Key()),
			ScheduleTime: timestamppb.New(task.FireAt),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        s.callbackURL,
					Headers:    map[string]string{"Content-Type": "application/json"},
					Body:       payload,
				},
			},
		},
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.client.CreateTask(ctx, req); err != nil {
			s.logger.Printf("enqueue expiry for %s/%s failed: %v", task.SubjectID, task.Method, err)
		}
	}()
}

func (s *CloudTasksScheduler) Cancel(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.client.DeleteTask(ctx, &taskspb.DeleteTaskRequest{Name: s.taskName(key)})
		if err != nil {
			// Already fired or never enqueued; the journal fold ignores
			// expiries for completions that no longer exist.
			s.logger.Printf("cancel expiry %s: %v", key, err)
		}
	}()
}

func (s *CloudTasksScheduler) Stop() {
	if err := s.client.Close(); err != nil {
		s.logger.Printf("cloud tasks client close: %v", err)
	}
}

var _ Scheduler = (*CloudTasksScheduler)(nil)
