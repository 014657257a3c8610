package crawl

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"
)

func registerActivityName[T any](env *testsuite.TestWorkflowEnvironment, name string, fn T) {
	env.RegisterActivityWithOptions(fn, activity.RegisterOptions{Name: name})
}

func newWorkflowEnv() *testsuite.TestWorkflowEnvironment {
	var ts testsuite.WorkflowTestSuite
	env := ts.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(RunWorkflow)
	registerActivityName(env, "StartCrawl", func(context.Context, StartInput) (string, error) { return "", nil })
	registerActivityName(env, "PollCrawl", func(context.Context, PollInput) (PollResult, error) { return PollResult{}, nil })
	registerActivityName(env, "IngestPages", func(context.Context, IngestInput) (IngestResult, error) { return IngestResult{}, nil })
	registerActivityName(env, "RankLinks", func(context.Context, RankInput) error { return nil })
	registerActivityName(env, "FinalizeCrawl", func(context.Context, FinalizeInput) error { return nil })
	return env
}

func TestRunWorkflow_HappyPathEndsReady(t *testing.T) {
	env := newWorkflowEnv()
	input := RunInput{WidgetID: 7, SeedURL: "https://docs.example.com"}

	env.OnActivity("StartCrawl", mock.Anything, StartInput{WidgetID: 7, SeedURL: input.SeedURL}).Return("run-1", nil)
	env.OnActivity("PollCrawl", mock.Anything, PollInput{WidgetID: 7, RunID: "run-1"}).
		Return(PollResult{Status: RunScraping, Total: 3, Completed: 1}, nil).Once()
	env.OnActivity("PollCrawl", mock.Anything, PollInput{WidgetID: 7, RunID: "run-1"}).
		Return(PollResult{Status: RunCompleted, Total: 3, Completed: 3}, nil)
	env.OnActivity("IngestPages", mock.Anything, IngestInput{WidgetID: 7, RunID: "run-1", SeedURL: input.SeedURL}).
		Return(IngestResult{Pages: 3, Documents: 2, Skipped: 1, SampledLinks: []string{"https://docs.example.com/pricing"}}, nil)
	env.OnActivity("RankLinks", mock.Anything, RankInput{WidgetID: 7, SeedURL: input.SeedURL, Links: []string{"https://docs.example.com/pricing"}}).
		Return(nil)

	var finalized FinalizeInput
	env.OnActivity("FinalizeCrawl", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { finalized = args.Get(1).(FinalizeInput) }).
		Return(nil)

	env.ExecuteWorkflow(RunWorkflow, input)
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result RunResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, "run-1", result.RunID)
	require.Equal(t, 3, result.Pages)
	require.Equal(t, 2, result.Documents)
	require.Equal(t, 1, result.Skipped)

	require.Equal(t, FinalizeInput{WidgetID: 7, Pages: 3}, finalized)

	value, err := env.QueryWorkflow(QueryProgress)
	require.NoError(t, err)
	var progress Progress
	require.NoError(t, value.Get(&progress))
	require.Equal(t, PhaseDone, progress.Phase)
	require.Equal(t, 3, progress.Pages)
}

func TestRunWorkflow_ProviderFailureMarksRunFailed(t *testing.T) {
	env := newWorkflowEnv()

	env.OnActivity("StartCrawl", mock.Anything, mock.Anything).Return("run-9", nil)
	env.OnActivity("PollCrawl", mock.Anything, mock.Anything).
		Return(PollResult{Status: RunFailed, Error: "site unreachable"}, nil)

	var finalized FinalizeInput
	env.OnActivity("FinalizeCrawl", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { finalized = args.Get(1).(FinalizeInput) }).
		Return(nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{WidgetID: 9, SeedURL: "https://example.com"})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())

	require.Equal(t, uint64(9), finalized.WidgetID)
	require.Equal(t, "site unreachable", finalized.ErrMsg)
}

func TestRunWorkflow_StartFailureMarksRunFailed(t *testing.T) {
	env := newWorkflowEnv()

	env.OnActivity("StartCrawl", mock.Anything, mock.Anything).
		Return("", errors.New("provider down"))

	var finalized FinalizeInput
	env.OnActivity("FinalizeCrawl", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { finalized = args.Get(1).(FinalizeInput) }).
		Return(nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{WidgetID: 3, SeedURL: "https://example.com"})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, "could not start the crawl", finalized.ErrMsg)
}

func TestRunWorkflow_RankingFailureDoesNotFailRun(t *testing.T) {
	env := newWorkflowEnv()

	env.OnActivity("StartCrawl", mock.Anything, mock.Anything).Return("run-5", nil)
	env.OnActivity("PollCrawl", mock.Anything, mock.Anything).
		Return(PollResult{Status: RunCompleted, Total: 1, Completed: 1}, nil)
	env.OnActivity("IngestPages", mock.Anything, mock.Anything).
		Return(IngestResult{Pages: 1, Documents: 1, SampledLinks: []string{"https://example.com/docs"}}, nil)
	env.OnActivity("RankLinks", mock.Anything, mock.Anything).
		Return(errors.New("model exploded"))

	var finalized FinalizeInput
	env.OnActivity("FinalizeCrawl", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { finalized = args.Get(1).(FinalizeInput) }).
		Return(nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{WidgetID: 5, SeedURL: "https://example.com"})
	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())
	require.Empty(t, finalized.ErrMsg)
	require.Equal(t, 1, finalized.Pages)
}

func TestRunWorkflow_PollingForeverTimesOut(t *testing.T) {
	env := newWorkflowEnv()

	env.OnActivity("StartCrawl", mock.Anything, mock.Anything).Return("run-8", nil)
	env.OnActivity("PollCrawl", mock.Anything, mock.Anything).
		Return(PollResult{Status: RunScraping, Total: 5, Completed: 2}, nil)

	var finalized FinalizeInput
	env.OnActivity("FinalizeCrawl", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { finalized = args.Get(1).(FinalizeInput) }).
		Return(nil)

	env.ExecuteWorkflow(RunWorkflow, RunInput{WidgetID: 8, SeedURL: "https://example.com"})
	require.True(t, env.IsWorkflowCompleted())
	require.Error(t, env.GetWorkflowError())
	require.Equal(t, "crawl run timed out", finalized.ErrMsg)
}
