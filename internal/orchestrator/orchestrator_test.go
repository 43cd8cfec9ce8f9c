package orchestrator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixelforge/studio/internal/orchestrator"
	"github.com/pixelforge/studio/internal/store"
	"github.com/pixelforge/studio/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *orchestrator.Manager {
	t.Helper()
	m := orchestrator.NewManager(orchestrator.ManagerConfig{
		Store: store.NewMemoryStore(),
	})
	t.Cleanup(m.Close)
	return m
}

func create(t *testing.T, m *orchestrator.Manager, p orchestrator.CreateParams) *models.Job {
	t.Helper()
	if p.Type == "" {
		p.Type = models.JobTypeAnalyze
	}
	if p.Title == "" {
		p.Title = "t"
	}
	job, err := m.CreateJob(context.Background(), p)
	require.NoError(t, err)
	return job
}

func boolPtr(b bool) *bool { return &b }

// --- end-to-end lifecycle ---

func TestLifecycle_EndToEnd(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	job := create(t, m, orchestrator.CreateParams{Type: models.JobTypeAnalyze, Title: "t"})
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 0.0, job.Progress)
	assert.True(t, job.Cancelable)
	assert.Nil(t, job.StartedAt)

	started, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	halfway, err := m.UpdateProgress(ctx, job.ID, 0.5, "halfway", 0)
	require.NoError(t, err)
	assert.Equal(t, 0.5, halfway.Progress)
	assert.Equal(t, "halfway", halfway.ProgressMessage)

	done, err := m.CompleteJob(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 1.0, done.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(done.Result))
	require.NotNil(t, done.CompletedAt)

	// Terminal jobs reject every further transition.
	_, err = m.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
}

func TestTransitions_TerminalStatesAreClosed(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	terminalize := map[string]func(id uuid.UUID){
		"completed": func(id uuid.UUID) {
			_, err := m.StartJob(ctx, id)
			require.NoError(t, err)
			_, err = m.CompleteJob(ctx, id, nil)
			require.NoError(t, err)
		},
		"failed": func(id uuid.UUID) {
			_, err := m.FailJob(ctx, id, "boom")
			require.NoError(t, err)
		},
		"cancelled": func(id uuid.UUID) {
			_, err := m.CancelJob(ctx, id)
			require.NoError(t, err)
		},
	}

	for name, reach := range terminalize {
		t.Run(name, func(t *testing.T) {
			job := create(t, m, orchestrator.CreateParams{})
			reach(job.ID)

			_, err := m.StartJob(ctx, job.ID)
			assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
			_, err = m.UpdateProgress(ctx, job.ID, 0.5, "", 0)
			assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
			_, err = m.CompleteJob(ctx, job.ID, nil)
			assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
			_, err = m.FailJob(ctx, job.ID, "x")
			assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
			_, err = m.CancelJob(ctx, job.ID)
			assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
			_, err = m.PauseForInput(ctx, job.ID, nil)
			assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
		})
	}
}

func TestTransitions_IllegalFromQueued(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	job := create(t, m, orchestrator.CreateParams{})

	_, err := m.UpdateProgress(ctx, job.ID, 0.2, "", 0)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
	_, err = m.CompleteJob(ctx, job.ID, nil)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
	_, err = m.ResumeWithInput(ctx, job.ID, nil)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)

	// queued → cancelled is legal.
	cancelled, err := m.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)
}

func TestTransitions_UnknownJob(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	_, err := m.StartJob(ctx, uuid.New())
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
	_, err = m.GetJob(ctx, uuid.New())
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
	err = m.DeleteJob(ctx, uuid.New())
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestStartJob_SetsStartedAtOnce(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	job := create(t, m, orchestrator.CreateParams{})

	started, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)
	first := *started.StartedAt

	_, err = m.StartJob(ctx, job.ID)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.StartedAt.Equal(first))
}

// --- progress ---

func TestUpdateProgress_Clamps(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	job := create(t, m, orchestrator.CreateParams{})
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)

	for _, tc := range []struct{ in, want float64 }{
		{-3, 0}, {0.3, 0.3}, {1.7, 1}, {0.9, 0.9},
	} {
		got, err := m.UpdateProgress(ctx, job.ID, tc.in, "", 0)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Progress, "value %v", tc.in)
	}
}

func TestUpdateProgress_StepsAndMessage(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	job := create(t, m, orchestrator.CreateParams{TotalSteps: 4})
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)

	got, err := m.UpdateProgress(ctx, job.ID, 0.25, "step one", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, 4, got.TotalSteps)

	// Empty message keeps the previous line; zero step keeps the counter.
	got, err = m.UpdateProgress(ctx, job.ID, 0.5, "", 0)
	require.NoError(t, err)
	assert.Equal(t, "step one", got.ProgressMessage)
	assert.Equal(t, 1, got.CurrentStep)
}

// --- pause / resume ---

type capturedDecision struct {
	job     *models.Job
	actions []string
}

type recordingSink struct {
	mu       sync.Mutex
	captured []capturedDecision
}

func (s *recordingSink) SurfaceDecision(_ context.Context, job *models.Job, actions []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captured = append(s.captured, capturedDecision{job: job, actions: actions})
}

func TestPauseResume(t *testing.T) {
	sink := &recordingSink{}
	m := orchestrator.NewManager(orchestrator.ManagerConfig{
		Store:     store.NewMemoryStore(),
		Decisions: sink,
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	job := create(t, m, orchestrator.CreateParams{Type: models.JobTypeGenerateImage})
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)

	paused, err := m.PauseForInput(ctx, job.ID, json.RawMessage(`{"variants":3}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusAwaitingInput, paused.Status)
	assert.JSONEq(t, `{"variants":3}`, string(paused.AwaitingData))

	require.Len(t, sink.captured, 1)
	assert.Equal(t, job.ID, sink.captured[0].job.ID)
	assert.Equal(t, []string{"approve", "edit", "reject"}, sink.captured[0].actions)

	// Resuming twice is rejected; pausing while paused is rejected.
	_, err = m.PauseForInput(ctx, job.ID, nil)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)

	resumed, err := m.ResumeWithInput(ctx, job.ID, json.RawMessage(`{"action":"approve"}`))
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, resumed.Status)
	assert.JSONEq(t, `{"action":"approve"}`, string(resumed.UserInput))

	_, err = m.ResumeWithInput(ctx, job.ID, nil)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
}

func TestFailJob_FromAwaitingInput(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	job := create(t, m, orchestrator.CreateParams{})
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = m.PauseForInput(ctx, job.ID, nil)
	require.NoError(t, err)

	failed, err := m.FailJob(ctx, job.ID, "operator walked away")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, "operator walked away", failed.Error)
}

// --- cancellation ---

func TestCancelJob_NotCancelable(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()
	job := create(t, m, orchestrator.CreateParams{Cancelable: boolPtr(false)})

	_, err := m.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotCancelable)

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func TestCancelJob_CascadesToActiveChildren(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{Type: models.JobTypeCompositeWorkflow})
	queued := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})
	running := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})
	finished := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})

	_, err := m.StartJob(ctx, running.ID)
	require.NoError(t, err)
	_, err = m.StartJob(ctx, finished.ID)
	require.NoError(t, err)
	_, err = m.CompleteJob(ctx, finished.ID, nil)
	require.NoError(t, err)

	_, err = m.CancelJob(ctx, parent.ID)
	require.NoError(t, err)

	for _, id := range []uuid.UUID{queued.ID, running.ID} {
		got, err := m.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCancelled, got.Status)
	}

	// The already-completed child is left untouched.
	got, err := m.GetJob(ctx, finished.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	got, err = m.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
}

// --- parent/child aggregation ---

func TestAggregation_MeanProgress(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{Type: models.JobTypeBatchAnalyze})
	a := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})
	b := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})

	for _, id := range []uuid.UUID{a.ID, b.ID} {
		_, err := m.StartJob(ctx, id)
		require.NoError(t, err)
	}

	_, err := m.UpdateProgress(ctx, a.ID, 0.5, "", 0)
	require.NoError(t, err)

	got, err := m.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, got.Progress, 1e-9)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, 2, got.TotalSteps)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func TestAggregation_PartialSuccessResolvesCompleted(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{Type: models.JobTypeBatchGenerate})
	var children []uuid.UUID
	for i := 0; i < 3; i++ {
		c := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})
		children = append(children, c.ID)
	}

	for _, id := range children[:2] {
		_, err := m.StartJob(ctx, id)
		require.NoError(t, err)
		_, err = m.CompleteJob(ctx, id, nil)
		require.NoError(t, err)
	}
	_, err := m.FailJob(ctx, children[2], "renderer crashed")
	require.NoError(t, err)

	got, err := m.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	assert.InDelta(t, 0.667, got.Progress, 0.001)
	assert.Equal(t, 3, got.CurrentStep)
	assert.Equal(t, 3, got.TotalSteps)
	require.NotNil(t, got.CompletedAt)
}

func TestAggregation_AllChildrenFailedResolvesFailed(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{Type: models.JobTypeBatchAnalyze})
	a := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})
	b := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})

	_, err := m.FailJob(ctx, a.ID, "bad input")
	require.NoError(t, err)
	_, err = m.FailJob(ctx, b.ID, "bad input")
	require.NoError(t, err)

	got, err := m.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, "all 2 child jobs failed", got.Error)
	assert.Equal(t, 0.0, got.Progress)
}

func TestAggregation_CancelledChildCountsAsFinished(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{Type: models.JobTypeCompositeWorkflow})
	a := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})
	b := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})

	_, err := m.StartJob(ctx, a.ID)
	require.NoError(t, err)
	_, err = m.CompleteJob(ctx, a.ID, nil)
	require.NoError(t, err)
	_, err = m.CancelJob(ctx, b.ID)
	require.NoError(t, err)

	got, err := m.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	// One completed, one cancelled: not every child failed, so the parent
	// resolves completed.
	assert.Equal(t, models.JobStatusCompleted, got.Status)
}

func TestCreateJob_ChildOfTerminalParentRejected(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{})
	_, err := m.CancelJob(ctx, parent.ID)
	require.NoError(t, err)

	_, err = m.CreateJob(ctx, orchestrator.CreateParams{
		Type:     models.JobTypeAnalyze,
		Title:    "late child",
		ParentID: &parent.ID,
	})
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)
}

func TestCreateJob_ChildOfUnknownParentRejected(t *testing.T) {
	m := newManager(t)
	missing := uuid.New()

	_, err := m.CreateJob(context.Background(), orchestrator.CreateParams{
		Type:     models.JobTypeAnalyze,
		Title:    "orphan",
		ParentID: &missing,
	})
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestCreateJob_RejectedAttachLeavesNoRecord(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{})
	_, err := m.CancelJob(ctx, parent.ID)
	require.NoError(t, err)

	_, err = m.CreateJob(ctx, orchestrator.CreateParams{
		Type:     models.JobTypeAnalyze,
		Title:    "late child",
		ParentID: &parent.ID,
	})
	require.ErrorIs(t, err, orchestrator.ErrIllegalTransition)

	// Only the parent remains; the failed create did not strand a child
	// record in the store.
	jobs, err := m.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, parent.ID, jobs[0].ID)
}

// --- list / delete / cleanup ---

func TestListJobs_FilterSortLimit(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	first := create(t, m, orchestrator.CreateParams{Title: "first"})
	time.Sleep(5 * time.Millisecond)
	second := create(t, m, orchestrator.CreateParams{Title: "second"})
	time.Sleep(5 * time.Millisecond)
	third := create(t, m, orchestrator.CreateParams{Title: "third"})

	_, err := m.StartJob(ctx, second.ID)
	require.NoError(t, err)

	all, err := m.ListJobs(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, first.ID, all[2].ID)

	queued, err := m.ListJobs(ctx, models.JobStatusQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 2)

	limited, err := m.ListJobs(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, third.ID, limited[0].ID)
}

func TestDeleteJob_OnlyTerminal(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	job := create(t, m, orchestrator.CreateParams{})
	err := m.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, orchestrator.ErrIllegalTransition)

	_, err = m.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, m.DeleteJob(ctx, job.ID))

	_, err = m.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)
}

func TestDeleteJob_DetachesFromParent(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	parent := create(t, m, orchestrator.CreateParams{})
	child := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})
	keeper := create(t, m, orchestrator.CreateParams{ParentID: &parent.ID})

	_, err := m.FailJob(ctx, child.ID, "x")
	require.NoError(t, err)
	require.NoError(t, m.DeleteJob(ctx, child.ID))

	got, err := m.GetJob(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{keeper.ID}, got.ChildIDs)
}

func TestCleanupOlderThan(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	old := create(t, m, orchestrator.CreateParams{Title: "old"})
	_, err := m.CancelJob(ctx, old.ID)
	require.NoError(t, err)

	fresh := create(t, m, orchestrator.CreateParams{Title: "fresh"})
	_, err = m.FailJob(ctx, fresh.ID, "x")
	require.NoError(t, err)

	active := create(t, m, orchestrator.CreateParams{Title: "active"})

	time.Sleep(20 * time.Millisecond)

	// Only the cancelled job is older than the threshold by now... both
	// terminal jobs are, but the active one must survive any threshold.
	n, err := m.CleanupOlderThan(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = m.GetJob(ctx, active.ID)
	assert.NoError(t, err)
	_, err = m.GetJob(ctx, old.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNotFound)

	// Sweeping again finds nothing and is not an error.
	n, err = m.CleanupOlderThan(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// --- notification fan-out ---

func TestListener_ReceivesOrderedLifecycle(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	sub := m.Hub().Subscribe(16)
	defer m.Hub().Unsubscribe(sub)

	job := create(t, m, orchestrator.CreateParams{})
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)
	_, err = m.UpdateProgress(ctx, job.ID, 0.5, "halfway", 0)
	require.NoError(t, err)
	_, err = m.CompleteJob(ctx, job.ID, json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)

	want := []models.JobStatus{
		models.JobStatusQueued,
		models.JobStatusRunning,
		models.JobStatusRunning,
		models.JobStatusCompleted,
	}
	for i, status := range want {
		select {
		case got := <-sub.Updates():
			assert.Equal(t, job.ID, got.ID)
			assert.Equal(t, status, got.Status, "event %d", i)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}

	select {
	case extra := <-sub.Updates():
		t.Fatalf("unexpected extra event: %+v", extra)
	default:
	}
}

// --- concurrency ---

func TestUpdateProgress_ConcurrentSameJob(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	job := create(t, m, orchestrator.CreateParams{})
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.UpdateProgress(ctx, job.ID, float64(i)/100, "", 0)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := m.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.GreaterOrEqual(t, got.Progress, 0.0)
	assert.LessOrEqual(t, got.Progress, 0.49)
}

// --- shared-store mode ---

func TestManager_PublishesThroughPublisher(t *testing.T) {
	pub := &capturingPublisher{}
	m := orchestrator.NewManager(orchestrator.ManagerConfig{
		Store:     store.NewMemoryStore(),
		Publisher: pub,
	})
	t.Cleanup(m.Close)
	ctx := context.Background()

	job := create(t, m, orchestrator.CreateParams{})
	_, err := m.StartJob(ctx, job.ID)
	require.NoError(t, err)

	statuses := pub.statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, models.JobStatusQueued, statuses[0])
	assert.Equal(t, models.JobStatusRunning, statuses[1])
}

type capturingPublisher struct {
	mu   sync.Mutex
	jobs []*models.Job
}

func (p *capturingPublisher) Publish(_ context.Context, job *models.Job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, job.Clone())
	return nil
}

func (p *capturingPublisher) statuses() []models.JobStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.JobStatus, len(p.jobs))
	for i, j := range p.jobs {
		out[i] = j.Status
	}
	return out
}
