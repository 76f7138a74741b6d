package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/taxlink-pk/taxlink/internal/fbr"
	"github.com/taxlink-pk/taxlink/internal/fbr/pral"
	"github.com/taxlink-pk/taxlink/internal/fbr/retry"
	"github.com/taxlink-pk/taxlink/internal/fbr/submission"
	"github.com/taxlink-pk/taxlink/internal/invoicing"
	jobmetrics "github.com/taxlink-pk/taxlink/internal/jobs"
	"github.com/taxlink-pk/taxlink/internal/shared"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

type submitterFunc func(req submission.Request) (*submission.Result, error)

func (f submitterFunc) Submit(_ context.Context, req submission.Request) (*submission.Result, error) {
	return f(req)
}

func submitTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewSubmitTask(submission.Request{InvoiceID: 11, BusinessID: 2, Environment: fbr.Production}, "2:k")
	require.NoError(t, err)
	return task
}

func TestNewSubmitTaskPayload(t *testing.T) {
	task := submitTask(t)
	require.Equal(t, TaskSubmitInvoice, task.Type())
	var payload SubmitPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, SubmitPayload{InvoiceID: 11, BusinessID: 2, Environment: "production", IdempotencyKey: "2:k"}, payload)

	_, err := NewSubmitTask(submission.Request{InvoiceID: 1, BusinessID: 1, Environment: "staging"}, "")
	require.Error(t, err)
}

func TestSubmitJobOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		res       *submission.Result
		err       error
		wantErr   bool
		skipRetry bool
	}{
		{name: "success", res: &submission.Result{IRN: "P-1"}},
		{name: "already published", res: &submission.Result{AlreadyPublished: true}, err: submission.ErrAlreadyPublished},
		{name: "recorded failure", res: &submission.Result{ErrorCode: "HTTP_502", RetryEnabled: true}, err: &fbr.TransportError{StatusCode: 502}},
		{name: "locked", err: invoicing.ErrLocked, wantErr: true},
		{name: "not found", err: invoicing.ErrNotFound, wantErr: true, skipRetry: true},
		{name: "not validated", err: submission.ErrNotValidated, wantErr: true, skipRetry: true},
		{name: "token unusable", err: &fbr.AuthError{Environment: fbr.Production, Reason: "missing"}, wantErr: true, skipRetry: true},
		{name: "unexpected", err: errors.New("db down"), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got submission.Request
			keys := &keyStub{}
			job := NewSubmitJob(submitterFunc(func(req submission.Request) (*submission.Result, error) {
				got = req
				return tc.res, tc.err
			}), keys, discardLogger(), testMetrics())

			err := job.Handle(context.Background(), submitTask(t))
			require.Equal(t, submission.Request{InvoiceID: 11, BusinessID: 2, Environment: fbr.Production, Trigger: submission.TriggerUser}, got)
			if !tc.wantErr {
				require.NoError(t, err)
				require.Empty(t, keys.deleted)
				return
			}
			require.Error(t, err)
			require.Equal(t, tc.skipRetry, errors.Is(err, asynq.SkipRetry))
			if tc.skipRetry {
				require.Equal(t, []string{"2:k"}, keys.deleted)
			} else {
				require.Empty(t, keys.deleted)
			}
		})
	}
}

type keyStub struct {
	deleted []string
	err     error
}

func (k *keyStub) Delete(_ context.Context, key, module string) error {
	if module != shared.ModuleFBRSubmit {
		return errors.New("unexpected module " + module)
	}
	k.deleted = append(k.deleted, key)
	return k.err
}

func TestSubmitJobKeepsKeyWhenOutcomeRecorded(t *testing.T) {
	keys := &keyStub{}
	job := NewSubmitJob(submitterFunc(func(submission.Request) (*submission.Result, error) {
		return &submission.Result{ErrorCode: fbr.CodeFormat}, &fbr.FormatError{Problems: []string{"hsCode: required"}}
	}), keys, discardLogger(), testMetrics())

	require.NoError(t, job.Handle(context.Background(), submitTask(t)))
	require.Empty(t, keys.deleted)
}

func TestSubmitJobReleaseErrorDoesNotMaskOutcome(t *testing.T) {
	keys := &keyStub{err: errors.New("db down")}
	job := NewSubmitJob(submitterFunc(func(submission.Request) (*submission.Result, error) {
		return nil, submission.ErrNotValidated
	}), keys, discardLogger(), testMetrics())

	err := job.Handle(context.Background(), submitTask(t))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Equal(t, []string{"2:k"}, keys.deleted)
}

func TestSubmitJobRejectsBadPayload(t *testing.T) {
	job := NewSubmitJob(submitterFunc(func(submission.Request) (*submission.Result, error) {
		t.Fatal("unexpected submit")
		return nil, nil
	}), nil, discardLogger(), testMetrics())

	err := job.Handle(context.Background(), asynq.NewTask(TaskSubmitInvoice, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), asynq.NewTask(TaskSubmitInvoice, []byte(`{"invoice_id":1,"business_id":1,"environment":"moon"}`)))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type sweeperFunc func() (retry.Summary, error)

func (f sweeperFunc) ProcessAllPendingRetries(context.Context) (retry.Summary, error) { return f() }

func TestRetrySweepJob(t *testing.T) {
	task, err := NewRetrySweepTask()
	require.NoError(t, err)

	job := NewRetrySweepJob(sweeperFunc(func() (retry.Summary, error) {
		return retry.Summary{Processed: 2, Succeeded: 1, Failed: 1}, nil
	}), discardLogger(), testMetrics())
	require.NoError(t, job.Handle(context.Background(), task))

	failing := NewRetrySweepJob(sweeperFunc(func() (retry.Summary, error) {
		return retry.Summary{}, errors.New("db down")
	}), discardLogger(), testMetrics())
	require.Error(t, failing.Handle(context.Background(), task))

	var unconfigured *RetrySweepJob
	require.Error(t, unconfigured.Handle(context.Background(), task))
}

type refresherStub struct {
	bumped    int
	refreshed int
	err       error
}

func (r *refresherStub) Refresh(context.Context) (map[pral.ReferenceKind]int, error) {
	r.refreshed++
	return map[pral.ReferenceKind]int{pral.KindProvinces: 7, pral.KindUnits: 30}, r.err
}

func (r *refresherStub) Bump(context.Context) (int64, error) {
	r.bumped++
	return int64(r.bumped + 1), nil
}

func TestReferenceRefreshJob(t *testing.T) {
	stub := &refresherStub{}
	job := NewReferenceRefreshJob(stub, discardLogger(), testMetrics())

	plain, err := NewReferenceRefreshTask(false)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), plain))
	require.Zero(t, stub.bumped)

	invalidate, err := NewReferenceRefreshTask(true)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), invalidate))
	require.Equal(t, 1, stub.bumped)
	require.Equal(t, 2, stub.refreshed)

	stub.err = errors.New("sro_schedule: upstream 503")
	require.Error(t, job.Handle(context.Background(), plain))
}

type cleanerFunc func(olderThan time.Duration) (int64, error)

func (f cleanerFunc) Cleanup(_ context.Context, olderThan time.Duration) (int64, error) { return f(olderThan) }

func TestIdempotencyCleanupRetention(t *testing.T) {
	var got []time.Duration
	job := NewIdempotencyCleanupJob(cleanerFunc(func(olderThan time.Duration) (int64, error) {
		got = append(got, olderThan)
		return 4, nil
	}), discardLogger(), testMetrics())

	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	task, err = NewIdempotencyCleanupTask(48 * time.Hour)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Equal(t, []time.Duration{DefaultIdempotencyRetention, 48 * time.Hour}, got)
}

func TestNewTaskByName(t *testing.T) {
	for _, name := range TriggerableTasks() {
		task, err := NewTaskByName(name)
		require.NoError(t, err, name)
		require.Equal(t, name, task.Type())
	}
	_, err := NewTaskByName(TaskSubmitInvoice)
	require.Error(t, err)
}

type enqueuerStub struct {
	tasks []*asynq.Task
}

func (e *enqueuerStub) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	e.tasks = append(e.tasks, task)
	return &asynq.TaskInfo{ID: "t-1", Type: task.Type(), Queue: QueueCritical}, nil
}

func (e *enqueuerStub) Close() error { return nil }

func TestClientEnqueueSubmit(t *testing.T) {
	stub := &enqueuerStub{}
	client := &Client{client: stub}
	id, err := client.EnqueueSubmit(context.Background(), submission.Request{InvoiceID: 3, BusinessID: 1, Environment: fbr.Sandbox}, "")
	require.NoError(t, err)
	require.Equal(t, "t-1", id)
	require.Equal(t, TaskSubmitInvoice, stub.tasks[0].Type())
}

type inspectorStub struct {
	queues []string
	info   map[string]*asynq.QueueInfo
	err    error
}

func (i *inspectorStub) Queues() ([]string, error) { return i.queues, i.err }

func (i *inspectorStub) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return i.info[queue], nil
}

func TestHealthReportsQueues(t *testing.T) {
	h := &Handler{
		inspector: &inspectorStub{
			queues: []string{QueueDefault},
			info:   map[string]*asynq.QueueInfo{QueueDefault: {Queue: QueueDefault, Pending: 4, Retry: 1}},
		},
		logger: discardLogger(),
	}
	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"queues":[
		{"queue":"critical","pending":0,"active":0,"scheduled":0,"retry":0,"archived":0,"paused":false},
		{"queue":"default","pending":4,"active":0,"scheduled":0,"retry":1,"archived":0,"paused":false}
	]}`, rec.Body.String())

	h.inspector = &inspectorStub{err: errors.New("redis down")}
	rec = httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHealthWithoutInspector(t *testing.T) {
	h := NewHandler(nil, nil)
	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
