package pod

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/pkg/bus"
	"github.com/forgeline/foreman/pkg/clarify"
	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/config"
	"github.com/forgeline/foreman/pkg/contract"
	"github.com/forgeline/foreman/pkg/events"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/llm"
	"github.com/forgeline/foreman/pkg/models"
	"github.com/forgeline/foreman/pkg/tools"
)

type stubClarifier struct {
	answer string
	calls  []clarify.Request
}

func (s *stubClarifier) Resolve(ctx context.Context, req clarify.Request) (string, error) {
	s.calls = append(s.calls, req)
	return s.answer, nil
}

type fixture struct {
	runtime    *Runtime
	model      *llm.StubClient
	dispatcher *tools.StubDispatcher
	contracts  *contract.Service
	contractID string
	stream     *events.Stream
	bus        *bus.Bus
	clarifier  *stubClarifier
	workOrder  *models.WorkOrder
	pod        *models.Pod
}

func newFixture(t *testing.T, scope models.Scope, turns ...llm.ScriptedTurn) *fixture {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	model := llm.NewStubClient(turns...)
	dispatcher := tools.NewStubDispatcher()
	contracts := contract.NewService(fake)
	b := bus.New(200, fake.Now)
	stream := events.NewStream(200, fake.Now)
	clarifier := &stubClarifier{answer: "Use a blue theme."}

	c := contracts.Create("wo-1", scope, models.ContractBudget{})
	require.NoError(t, contracts.Activate(c.ID))

	w := &models.WorkOrder{
		ID:        "wo-1",
		Status:    models.StatusExecuting,
		Objective: "Build a landing page",
		Quality:   models.QualityStandard,
		Authority: models.AuthorityAutonomous,
	}
	p := &models.Pod{
		ID:     "pod-1",
		Role:   models.RoleFrontend,
		Status: models.PodIdle,
		Health: models.PodHealth{Status: models.HealthHealthy},
		ModelConfig: models.ModelConfig{
			Model:        "test-model",
			SystemPrompt: "You are a frontend pod.",
		},
	}

	rt := NewRuntime(model, dispatcher, contracts, b, stream, clarifier, fake, config.DefaultConstants())
	return &fixture{
		runtime:    rt,
		model:      model,
		dispatcher: dispatcher,
		contracts:  contracts,
		contractID: c.ID,
		stream:     stream,
		bus:        b,
		clarifier:  clarifier,
		workOrder:  w,
		pod:        p,
	}
}

func (f *fixture) taskContext(task *models.Task) TaskContext {
	return TaskContext{
		WorkOrder:        f.workOrder,
		Pod:              f.pod,
		Task:             task,
		ContractID:       f.contractID,
		RemainingMinutes: 30,
	}
}

func TestRunTaskPlainCompletion(t *testing.T) {
	f := newFixture(t, models.Scope{}, llm.ScriptedTurn{
		Text:  "The page structure is ready.",
		Usage: llm.Usage{TotalTokens: 120},
	})

	// Another pod observes the result broadcast.
	observer := f.bus.Subscribe("pod-2")

	task := &models.Task{ID: "t1", Name: "Sketch structure"}
	res, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.NoError(t, err)

	assert.Equal(t, "The page structure is ready.", res.Output)
	assert.Equal(t, 120, res.TokensUsed)
	assert.Equal(t, models.TaskComplete, task.Status)
	assert.Equal(t, models.PodIdle, f.pod.Status)
	assert.Equal(t, []string{"t1"}, f.pod.CompletedTasks)
	assert.Equal(t, 120, f.pod.ResourceUsage.TokensUsed)

	msgs := observer.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MsgResult, msgs[0].Type)

	c, err := f.contracts.Get(f.contractID)
	require.NoError(t, err)
	assert.Equal(t, 120, c.Usage.TokensUsed)
}

func TestRunTaskFileWriteCreatesArtifact(t *testing.T) {
	f := newFixture(t, models.Scope{},
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      tools.ToolFileWrite,
			Arguments: `{"path":"index.html","content":"<!doctype html>"}`,
		}}},
		llm.ScriptedTurn{Text: "Done."},
	)

	observer := f.bus.Subscribe("pod-qa")
	task := &models.Task{ID: "t1", Name: "Write index.html"}
	res, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.NoError(t, err)

	require.Len(t, res.Artifacts, 1)
	a := res.Artifacts[0]
	assert.Equal(t, "index.html", a.Path)
	assert.Equal(t, models.ArtifactFile, a.Type)
	assert.Equal(t, "<!doctype html>", a.Content)
	assert.Equal(t, "pod-1", a.CreatedBy)
	assert.Equal(t, "wo-1", a.WorkOrderID)

	assert.Len(t, f.dispatcher.CallsFor(tools.ToolFileWrite), 1)

	var sawArtifact bool
	for _, m := range observer.Drain() {
		if m.Type == models.MsgArtifactReady {
			sawArtifact = true
		}
	}
	assert.True(t, sawArtifact)
}

func TestRunTaskContractViolationNeverDispatches(t *testing.T) {
	f := newFixture(t, models.Scope{ForbiddenPaths: []string{"/etc"}},
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      tools.ToolFileWrite,
			Arguments: `{"path":"/etc/x","content":"boom"}`,
		}}},
		llm.ScriptedTurn{Text: "Understood, writing elsewhere."},
	)

	task := &models.Task{ID: "t1", Name: "Write config"}
	res, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.NoError(t, err)
	assert.Empty(t, res.Artifacts)

	// The dispatcher never saw the forbidden path.
	assert.Empty(t, f.dispatcher.Calls)

	// The model got the violation back as the tool result.
	require.Len(t, f.model.Requests, 2)
	last := f.model.Requests[1].Messages[len(f.model.Requests[1].Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.True(t, strings.HasPrefix(last.Content, "Contract violation"))
}

func TestRunTaskRewriteGuard(t *testing.T) {
	f := newFixture(t, models.Scope{},
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      tools.ToolFileWrite,
			Arguments: `{"path":"app.js","content":"v1"}`,
		}}},
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:        "call-2",
			Name:      tools.ToolFileWrite,
			Arguments: `{"path":"./app.js","content":"v2"}`,
		}}},
		llm.ScriptedTurn{Text: "Done."},
	)

	task := &models.Task{ID: "t1", Name: "Write app.js"}
	_, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.NoError(t, err)

	assert.Len(t, f.dispatcher.CallsFor(tools.ToolFileWrite), 1)
	last := f.model.Requests[2].Messages[len(f.model.Requests[2].Messages)-1]
	assert.Contains(t, last.Content, "already written")
}

func TestRunTaskClarificationRouting(t *testing.T) {
	f := newFixture(t, models.Scope{},
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
			ID:        "call-1",
			Name:      tools.ToolRequestClarification,
			Arguments: `{"question":"Which theme?","options":["light","dark"]}`,
		}}},
		llm.ScriptedTurn{Text: "Going with blue."},
	)

	task := &models.Task{ID: "t1", Name: "Style the page"}
	_, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.NoError(t, err)

	require.Len(t, f.clarifier.calls, 1)
	assert.Equal(t, "Which theme?", f.clarifier.calls[0].Question)
	assert.Equal(t, []string{"light", "dark"}, f.clarifier.calls[0].Options)

	last := f.model.Requests[1].Messages[len(f.model.Requests[1].Messages)-1]
	assert.Equal(t, "Use a blue theme.", last.Content)

	// Clarification never reaches the dispatcher.
	assert.Empty(t, f.dispatcher.Calls)
}

func TestRunTaskGateChecksBeforeEachToolCall(t *testing.T) {
	f := newFixture(t, models.Scope{},
		llm.ScriptedTurn{ToolCalls: []llm.ToolCall{
			{ID: "call-1", Name: tools.ToolFileWrite, Arguments: `{"path":"a.txt","content":"a"}`},
			{ID: "call-2", Name: tools.ToolFileWrite, Arguments: `{"path":"b.txt","content":"b"}`},
		}},
		llm.ScriptedTurn{Text: "Done."},
	)

	task := &models.Task{ID: "t1", Name: "Write two files"}
	tc := f.taskContext(task)
	gateCalls := 0
	tc.Gate = func(context.Context) error {
		gateCalls++
		if gateCalls > 1 {
			return foremanerr.E(foremanerr.KindCancelled, "work order cancelled")
		}
		return nil
	}

	_, err := f.runtime.RunTask(context.Background(), tc)
	require.Error(t, err)
	assert.Equal(t, foremanerr.KindCancelled, foremanerr.KindOf(err))

	// The gate runs before every tool call: the first write went out,
	// the second never reached the dispatcher.
	assert.Equal(t, 2, gateCalls)
	assert.Len(t, f.dispatcher.CallsFor(tools.ToolFileWrite), 1)
	assert.Equal(t, models.TaskFailed, task.Status)
}

func TestRunTaskWithStateLock(t *testing.T) {
	f := newFixture(t, models.Scope{}, llm.ScriptedTurn{
		Text:  "ok",
		Usage: llm.Usage{TotalTokens: 10},
	})

	task := &models.Task{ID: "t1", Name: "Locked"}
	tc := f.taskContext(task)
	var mu sync.Mutex
	tc.State = &mu

	res, err := f.runtime.RunTask(context.Background(), tc)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Output)
	assert.Equal(t, models.TaskComplete, task.Status)
	assert.Equal(t, []string{"t1"}, f.pod.CompletedTasks)
	assert.Equal(t, 1, f.pod.ResourceUsage.APICalls)
}

func TestRunTaskModelFailureMarksTaskFailed(t *testing.T) {
	f := newFixture(t, models.Scope{}, llm.ScriptedTurn{Err: "stream cut"})

	task := &models.Task{ID: "t1", Name: "Doomed"}
	_, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.Error(t, err)
	assert.Equal(t, foremanerr.KindModelFailure, foremanerr.KindOf(err))
	assert.Equal(t, models.TaskFailed, task.Status)
	assert.Equal(t, 1, f.pod.Health.ConsecutiveFailures)
}

func TestRunTaskToolLoopCap(t *testing.T) {
	// A model that always asks for another tool call.
	f := newFixture(t, models.Scope{}, llm.ScriptedTurn{ToolCalls: []llm.ToolCall{{
		ID:        "call-x",
		Name:      tools.ToolFileList,
		Arguments: `{"path":"."}`,
	}}})

	task := &models.Task{ID: "t1", Name: "Loop forever"}
	_, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.NoError(t, err)

	consts := config.DefaultConstants()
	assert.Len(t, f.dispatcher.Calls, consts.MaxToolIterations)
}

func TestRunTaskStreamsPodMessages(t *testing.T) {
	f := newFixture(t, models.Scope{}, llm.ScriptedTurn{Text: "hello"})
	ch, cancel := f.stream.Subscribe("wo-1")
	defer cancel()

	task := &models.Task{ID: "t1", Name: "Say hello"}
	_, err := f.runtime.RunTask(context.Background(), f.taskContext(task))
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, models.EventPodMessage, ev.Type)
		assert.Equal(t, "hello", ev.Data["delta"])
	default:
		t.Fatal("no pod_message event published")
	}
}

func TestSpecializedToolsRespectWhitelist(t *testing.T) {
	p := &models.Pod{Role: models.RoleFrontend, ToolWhitelist: []string{tools.ToolFileWrite}}
	defs := SpecializedTools(p)
	require.Len(t, defs, 1)
	assert.Equal(t, tools.ToolFileWrite, defs[0].Name)
}

func TestProcessTaskOutputByRole(t *testing.T) {
	now := time.Now()
	task := &models.Task{Name: "Write copy"}

	writer := &models.Pod{ID: "pw", Role: models.RoleWriter}
	arts := ProcessTaskOutput(writer, task, "Welcome to our product.", now)
	require.Len(t, arts, 1)
	assert.Equal(t, models.ArtifactDocument, arts[0].Type)

	backend := &models.Pod{ID: "pb", Role: models.RoleBackend}
	assert.Empty(t, ProcessTaskOutput(backend, task, "some text", now))
	assert.Empty(t, ProcessTaskOutput(writer, task, "   ", now))
}
