package jobs

import (
	"fmt"
	"sort"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/taxlink-pk/taxlink/internal/jobs"
)

const (
	// QueueDefault carries scheduled maintenance work.
	QueueDefault = "default"
	// QueueCritical carries user-initiated submissions.
	QueueCritical = "critical"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Queues lists every queue with its processing priority.
func Queues() map[string]int {
	return map[string]int{
		QueueCritical: 6,
		QueueDefault:  3,
	}
}

var defaultTasks = map[string]func() (*asynq.Task, error){
	TaskRetrySweep:         NewRetrySweepTask,
	TaskReferenceRefresh:   func() (*asynq.Task, error) { return NewReferenceRefreshTask(false) },
	TaskIdempotencyCleanup: func() (*asynq.Task, error) { return NewIdempotencyCleanupTask(0) },
}

// TriggerableTasks lists the task types that can be enqueued by name with a
// default payload.
func TriggerableTasks() []string {
	names := make([]string, 0, len(defaultTasks))
	for name := range defaultTasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTaskByName builds a task with its default payload.
func NewTaskByName(name string) (*asynq.Task, error) {
	build, ok := defaultTasks[name]
	if !ok {
		return nil, fmt.Errorf("jobs: unsupported job %s", name)
	}
	return build()
}
