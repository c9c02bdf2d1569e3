package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/inheritance"
	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/mcp"
	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/queue"
	"github.com/taskagent/runtime/pkg/sandbox"
	"github.com/taskagent/runtime/pkg/taskcontext"
	"github.com/taskagent/runtime/pkg/taskkey"
)

type fakeRunStore struct {
	run *models.Run
	err error
}

func (s *fakeRunStore) GetLatestRunByKey(_ context.Context, _ taskkey.Key) (*models.Run, error) {
	return s.run, s.err
}

type fakeTracker struct {
	labels      []string
	labelsErr   error
	title, body string
	describeErr error
	comments    []string
	commentsErr error
	swaps       [][2]string
	posted      []string
	assignees   []string
}

func (t *fakeTracker) Describe(_ context.Context, _ map[string]any) (string, string, error) {
	return t.title, t.body, t.describeErr
}
func (t *fakeTracker) Comments(_ context.Context, _ map[string]any) ([]string, error) {
	return t.comments, t.commentsErr
}
func (t *fakeTracker) Labels(_ context.Context, _ map[string]any) ([]string, error) {
	return t.labels, t.labelsErr
}
func (t *fakeTracker) Assignees(_ context.Context, _ map[string]any) ([]string, error) {
	return t.assignees, nil
}
func (t *fakeTracker) SwapLabel(_ context.Context, _ map[string]any, remove, add string) error {
	t.swaps = append(t.swaps, [2]string{remove, add})
	return nil
}
func (t *fakeTracker) PostComment(_ context.Context, _ map[string]any, body string) error {
	t.posted = append(t.posted, body)
	return nil
}

type fakeContextManager struct {
	startCalls    []string
	completeCalls []models.Status
	completeErrs  []string
	startErr      error
}

func (m *fakeContextManager) Start(_ context.Context, run *models.Run) (*taskcontext.Context, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.startCalls = append(m.startCalls, run.UUID)
	return &taskcontext.Context{Run: run, Dir: run.UUID}, nil
}
func (m *fakeContextManager) Pause(_ context.Context, _ *models.Run, _ any) error { return nil }
func (m *fakeContextManager) Complete(_ context.Context, run *models.Run, status models.Status, errMsg string) error {
	m.completeCalls = append(m.completeCalls, status)
	m.completeErrs = append(m.completeErrs, errMsg)
	run.Status = status
	return nil
}

type fakeSandbox struct {
	prepareErr  error
	cleanups    int
}

func (s *fakeSandbox) Prepare(_ context.Context, _, _ string, _ sandbox.CloneSpec) (*sandbox.ContainerInfo, error) {
	if s.prepareErr != nil {
		return nil, s.prepareErr
	}
	return &sandbox.ContainerInfo{ContainerID: "c1"}, nil
}
func (s *fakeSandbox) Execute(_ context.Context, _, _ string) (*sandbox.ExecutionResult, error) {
	return &sandbox.ExecutionResult{ExitCode: 1}, nil
}
func (s *fakeSandbox) Cleanup(_ context.Context, _ string) error {
	s.cleanups++
	return nil
}

type fakeClients struct{}

func (fakeClients) CreateToolExecutor(_ context.Context, _ []string, _ map[string][]string) (*mcp.ToolExecutor, *mcp.Client, error) {
	return nil, nil, assert.AnError
}

type fakeInheritance struct{}

func (fakeInheritance) GetInheritance(_ context.Context, _ taskkey.Key) (*inheritance.InheritanceContext, error) {
	return nil, nil
}
func (fakeInheritance) CreateInitialMessages(_ *inheritance.InheritanceContext, userRequest string) []llm.Message {
	return []llm.Message{{Role: llm.RoleUser, Content: userRequest}}
}
func (fakeInheritance) GenerateNotificationComment(_ *inheritance.InheritanceContext) string {
	return ""
}

func testConfig() *config.Config {
	cfg := &config.Config{TaskSource: config.SourceGitHub}
	cfg.GitHub = config.DefaultGitHubSourceConfig()
	cfg.GitLab = config.DefaultGitLabSourceConfig()
	return cfg
}

func newConsumer(store RunStore, tracker Tracker, contexts ContextManager, sbox Sandbox) *Consumer {
	return New(testConfig(), store, queue.NewInMemory(1), tracker, contexts, sbox,
		fakeClients{}, fakeInheritance{}, nil, nil, nil)
}

func TestProcess_NoRunFound_Skips(t *testing.T) {
	store := &fakeRunStore{run: nil}
	c := newConsumer(store, &fakeTracker{}, &fakeContextManager{}, &fakeSandbox{})

	dict := taskkey.NewGitHubIssue("acme", "svc", 42).ToDict()
	require.NoError(t, c.Process(context.Background(), dict))
}

func TestProcess_NonPendingRun_Skips(t *testing.T) {
	run := models.NewRun("uuid-1", taskkey.NewGitHubIssue("acme", "svc", 42), "alice", time.Now())
	run.Status = models.StatusRunning
	store := &fakeRunStore{run: run}
	contexts := &fakeContextManager{}
	c := newConsumer(store, &fakeTracker{}, contexts, &fakeSandbox{})

	dict := run.TaskKey.ToDict()
	require.NoError(t, c.Process(context.Background(), dict))
	assert.Empty(t, contexts.startCalls)
}

func TestProcess_ProcessingLabelGone_Skips(t *testing.T) {
	run := models.NewRun("uuid-1", taskkey.NewGitHubIssue("acme", "svc", 42), "alice", time.Now())
	store := &fakeRunStore{run: run}
	tracker := &fakeTracker{labels: []string{"bug"}}
	contexts := &fakeContextManager{}
	c := newConsumer(store, tracker, contexts, &fakeSandbox{})

	dict := run.TaskKey.ToDict()
	require.NoError(t, c.Process(context.Background(), dict))
	assert.Empty(t, contexts.startCalls)
}

func TestProcess_SandboxPrepareFails_MarksFailedAndComments(t *testing.T) {
	run := models.NewRun("uuid-1", taskkey.NewGitHubIssue("acme", "svc", 42), "alice", time.Now())
	store := &fakeRunStore{run: run}
	tracker := &fakeTracker{
		labels: []string{"coding-agent-processing"},
		title:  "Fix crash", body: "steps",
	}
	contexts := &fakeContextManager{}
	sbox := &fakeSandbox{prepareErr: assert.AnError}
	c := newConsumer(store, tracker, contexts, sbox)

	dict := run.TaskKey.ToDict()
	require.NoError(t, c.Process(context.Background(), dict))

	require.Len(t, contexts.completeCalls, 1)
	assert.Equal(t, models.StatusFailed, contexts.completeCalls[0])
	require.Len(t, tracker.posted, 1)
	assert.Contains(t, tracker.posted[0], "Task failed")
	assert.Equal(t, 2, sbox.cleanups)
}

func TestProcess_DecodeKeyError(t *testing.T) {
	c := newConsumer(&fakeRunStore{}, &fakeTracker{}, &fakeContextManager{}, &fakeSandbox{})
	err := c.Process(context.Background(), map[string]any{"kind": "nonsense"})
	assert.Error(t, err)
}

func TestConsumer_Labels(t *testing.T) {
	c := newConsumer(nil, nil, nil, nil)
	processing, done, paused, stopped := c.labels()
	assert.Equal(t, "coding-agent-processing", processing)
	assert.Equal(t, "coding-agent-done", done)
	assert.Equal(t, "coding-agent-paused", paused)
	assert.Equal(t, "coding-agent-stopped", stopped)

	c.cfg.TaskSource = config.SourceGitLab
	processing, done, paused, stopped = c.labels()
	assert.Equal(t, "coding-agent-processing", processing)
	assert.Equal(t, "coding-agent-done", done)
	assert.Equal(t, "coding-agent-paused", paused)
	assert.Equal(t, "coding-agent-stopped", stopped)
}

func TestConsumer_BotName(t *testing.T) {
	c := newConsumer(nil, nil, nil, nil)
	assert.Equal(t, "coding-agent", c.botName())
}

func TestFormatTaskPrompt(t *testing.T) {
	key := taskkey.NewGitHubIssue("acme", "svc", 42)
	prompt := formatTaskPrompt(key, "Fix crash", "steps to reproduce", []string{"first", "second"})
	assert.Contains(t, prompt, "ISSUE:")
	assert.Contains(t, prompt, "Fix crash")
	assert.Contains(t, prompt, "COMMENTS:")
	assert.Contains(t, prompt, "first")
	assert.Contains(t, prompt, "second")
}

func TestConsumer_SeedMessages_NoInheritance(t *testing.T) {
	c := newConsumer(nil, nil, nil, nil)
	msgs := c.seedMessages(nil, "do the thing")
	require.Len(t, msgs, 1)
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, "do the thing", msgs[0].Content)
}

func TestConsumer_SeedMessages_WithInheritance(t *testing.T) {
	c := newConsumer(nil, nil, nil, nil)
	c.inheritance = fakeInheritance{}
	inh := &inheritance.InheritanceContext{}
	msgs := c.seedMessages(inh, "do the thing")
	require.Len(t, msgs, 1)
	assert.Equal(t, "do the thing", msgs[0].Content)
}

func TestPollControlPlane_NoManagers_NeverStops(t *testing.T) {
	c := newConsumer(nil, nil, nil, nil)
	run := models.NewRun("uuid-1", taskkey.NewGitHubIssue("acme", "svc", 42), "alice", time.Now())
	last := time.Now()

	_, stop, err := c.pollControlPlane(context.Background(), run, nil, 0, &last, nil)
	require.NoError(t, err)
	assert.False(t, stop)
}
