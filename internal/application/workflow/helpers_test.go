package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/archmesh/archmesh/internal/application/port/output"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
	"github.com/archmesh/archmesh/internal/infrastructure/persistence/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeStorage is an in-memory StorageGateway
type fakeStorage struct {
	mu        sync.Mutex
	seq       int
	artifacts map[string]*output.Artifact
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{artifacts: make(map[string]*output.Artifact)}
}

func (f *fakeStorage) SaveArtifact(ctx context.Context, req output.SaveArtifactRequest) (*output.ArtifactMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	meta := output.ArtifactMetadata{
		ID:          fmt.Sprintf("art-%03d", f.seq),
		ProjectID:   req.ProjectID,
		SessionID:   req.SessionID,
		Type:        req.ArtifactType,
		Name:        req.Name,
		ContentType: req.ContentType,
		Size:        int64(len(req.Content)),
		UploadedAt:  time.Now(),
		Metadata:    req.Metadata,
	}
	f.artifacts[meta.ID] = &output.Artifact{
		ID:       meta.ID,
		Content:  append([]byte{}, req.Content...),
		Metadata: meta,
	}
	return &meta, nil
}

func (f *fakeStorage) LoadArtifact(ctx context.Context, id string) (*output.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.artifacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", output.ErrArtifactNotFound, id)
	}
	return a, nil
}

func (f *fakeStorage) ListArtifacts(ctx context.Context, projectID string) ([]*output.ArtifactMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []*output.ArtifactMetadata
	for _, a := range f.artifacts {
		if a.Metadata.ProjectID == projectID {
			meta := a.Metadata
			result = append(result, &meta)
		}
	}
	return result, nil
}

// fakeAgent replies with a fixed output and records prompts
type fakeAgent struct {
	mu      sync.Mutex
	reply   func(req output.AgentRequest) (string, error)
	prompts []string
}

func (a *fakeAgent) Execute(ctx context.Context, req output.AgentRequest) (*output.AgentResponse, error) {
	a.mu.Lock()
	a.prompts = append(a.prompts, req.Prompt)
	a.mu.Unlock()

	out, err := a.reply(req)
	if err != nil {
		return nil, err
	}
	return &output.AgentResponse{Output: out, AgentType: "fake", Model: "fake-1"}, nil
}

func (a *fakeAgent) GetCapability() output.AgentCapability {
	return output.AgentCapability{AgentType: "fake", ConcurrentTasks: 1}
}

func (a *fakeAgent) HealthCheck(ctx context.Context) error { return nil }

func (a *fakeAgent) lastPrompt() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.prompts) == 0 {
		return ""
	}
	return a.prompts[len(a.prompts)-1]
}

// countingRoutines succeeds for every executable stage and counts calls
type countingRoutines struct {
	calls map[wf.Stage]*int32
}

func newCountingRoutines() *countingRoutines {
	c := &countingRoutines{calls: make(map[wf.Stage]*int32)}
	for _, st := range wf.ExecutableStages() {
		c.calls[st] = new(int32)
	}
	return c
}

func (c *countingRoutines) routine(stage wf.Stage) Routine {
	return RoutineFunc(func(ctx context.Context, in StageInput) (wf.StageOutput, error) {
		atomic.AddInt32(c.calls[stage], 1)
		in.ReportProgress(0.5)
		return wf.StageOutput{Summary: string(stage) + " ok"}, nil
	})
}

func (c *countingRoutines) count(stage wf.Stage) int {
	return int(atomic.LoadInt32(c.calls[stage]))
}

func (c *countingRoutines) all() map[wf.Stage]Routine {
	m := make(map[wf.Stage]Routine)
	for _, st := range wf.ExecutableStages() {
		m[st] = c.routine(st)
	}
	return m
}

// recorder captures transitions reported to observers
type recorder struct {
	mu          sync.Mutex
	transitions []wf.Transition
	snapshots   []*wf.Session
}

func (r *recorder) OnTransition(s *wf.Session, tr wf.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, tr)
	r.snapshots = append(r.snapshots, s)
}

func (r *recorder) find(from, to wf.Stage) (*wf.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, tr := range r.transitions {
		if tr.From == from && tr.To == to {
			return r.snapshots[i], true
		}
	}
	return nil, false
}

type harness struct {
	store    *memory.SessionStore
	storage  *fakeStorage
	executor *Executor
	gate     *Gate
	ctrl     *Controller
	reporter *Reporter
	events   *recorder
}

func newHarness(t *testing.T, routines map[wf.Stage]Routine, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, newFakeStorage(), routines, opts)
}

func newHarnessWith(t *testing.T, storage *fakeStorage, routines map[wf.Stage]Routine, opts Options) *harness {
	t.Helper()

	reg, err := NewRegistry(routines)
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	h := &harness{
		store:   memory.NewSessionStore(),
		storage: storage,
		events:  &recorder{},
	}
	h.executor = NewExecutor(h.store, reg, opts, nil)
	h.gate = NewGate(h.store, opts, nil)
	h.ctrl = NewController(h.store, h.storage, h.executor, h.gate, opts, nil)
	h.ctrl.AddObserver(h.events)
	h.reporter = NewReporter(h.store)
	return h
}

func (h *harness) start(t *testing.T, project string) *wf.Session {
	t.Helper()
	s, err := h.ctrl.Start(context.Background(), StartRequest{
		ProjectID: project,
		Filename:  "requirements.md",
		Content:   []byte("# Shop\nCustomers can order books."),
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return s
}

func (h *harness) get(t *testing.T, id string) *wf.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return s
}

// manualClock is an Options.Clock that only moves when advanced
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// leftBehind stores an active session at document_analysis, as a process
// that died mid-stage would leave it
func (h *harness) leftBehind(t *testing.T, project string, at time.Time) *wf.Session {
	t.Helper()
	ctx := context.Background()

	s, err := wf.NewSession(project, "doc-"+project, at)
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	if err := h.store.Create(ctx, s); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s, err = h.store.Update(ctx, s.ID, func(s *wf.Session) error {
		_, err := s.CompleteStage(wf.StageStarting, at)
		return err
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return s
}

// lastError returns the message of the session's latest errors entry
func lastError(s *wf.Session) string {
	if len(s.StateData.Errors) == 0 {
		return ""
	}
	return s.StateData.Errors[len(s.StateData.Errors)-1].Message
}

// countingTx is a TransactionManager that counts calls and runs fn directly
type countingTx struct {
	calls int32
}

func (tx *countingTx) InTransaction(ctx context.Context, fn func(context.Context) error) error {
	atomic.AddInt32(&tx.calls, 1)
	return fn(ctx)
}
