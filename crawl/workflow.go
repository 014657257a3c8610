package crawl

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// QueryProgress is the query name exposing live run progress.
const QueryProgress = "crawl-progress"

const (
	pollInterval = 5 * time.Second

	// maxPollTurns bounds the crawl phase at 30 minutes.
	maxPollTurns = 360
)

// Progress phases in run order.
const (
	PhaseStarting  = "starting"
	PhaseCrawling  = "crawling"
	PhaseIngesting = "ingesting"
	PhaseRanking   = "ranking"
	PhaseDone      = "done"
)

// WorkflowID is deterministic per widget so Temporal refuses a second
// concurrent run for the same widget.
func WorkflowID(widgetID uint64) string {
	return fmt.Sprintf("crawl-widget-%d", widgetID)
}

// RunInput starts one crawl run.
type RunInput struct {
	WidgetID uint64 `json:"widget_id"`
	SeedURL  string `json:"seed_url"`
}

// Progress is the query handler's answer while a run is in flight.
type Progress struct {
	Phase string `json:"phase"`
	Pages int    `json:"pages"`
	Total int    `json:"total"`
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID     string `json:"run_id"`
	Pages     int    `json:"pages"`
	Documents int    `json:"documents"`
	Skipped   int    `json:"skipped"`
}

// RunWorkflow drives one crawl: start the provider run, poll it to
// completion, ingest the discovered pages, rank outbound links, and
// finalize the widget's crawl state. Any fatal step marks the run failed
// before the workflow itself errors out.
func RunWorkflow(ctx workflow.Context, input RunInput) (RunResult, error) {
	progress := Progress{Phase: PhaseStarting}
	if err := workflow.SetQueryHandler(ctx, QueryProgress, func() (Progress, error) {
		return progress, nil
	}); err != nil {
		return RunResult{}, err
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    4,
		},
	})

	var runID string
	if err := workflow.ExecuteActivity(ctx, "StartCrawl", StartInput{WidgetID: input.WidgetID, SeedURL: input.SeedURL}).Get(ctx, &runID); err != nil {
		markFailed(ctx, input.WidgetID, "could not start the crawl")
		return RunResult{}, err
	}

	progress.Phase = PhaseCrawling
	var poll PollResult
	for turn := 0; ; turn++ {
		if err := workflow.ExecuteActivity(ctx, "PollCrawl", PollInput{WidgetID: input.WidgetID, RunID: runID}).Get(ctx, &poll); err != nil {
			markFailed(ctx, input.WidgetID, "lost contact with the crawl provider")
			return RunResult{}, err
		}
		progress.Pages = poll.Completed
		progress.Total = poll.Total

		if poll.Status == RunCompleted {
			break
		}
		if poll.Status == RunFailed {
			message := poll.Error
			if message == "" {
				message = "crawl provider reported failure"
			}
			markFailed(ctx, input.WidgetID, message)
			return RunResult{}, temporal.NewApplicationError(message, "crawl_failed")
		}
		if turn >= maxPollTurns {
			markFailed(ctx, input.WidgetID, "crawl run timed out")
			return RunResult{}, temporal.NewApplicationError("crawl run timed out", "crawl_timeout")
		}
		if err := workflow.Sleep(ctx, pollInterval); err != nil {
			markFailed(ctx, input.WidgetID, "crawl was cancelled")
			return RunResult{}, err
		}
	}

	progress.Phase = PhaseIngesting
	ingestCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 15 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    4,
		},
	})
	var ingested IngestResult
	if err := workflow.ExecuteActivity(ingestCtx, "IngestPages", IngestInput{WidgetID: input.WidgetID, RunID: runID, SeedURL: input.SeedURL}).Get(ctx, &ingested); err != nil {
		markFailed(ctx, input.WidgetID, "could not ingest crawled pages")
		return RunResult{}, err
	}
	progress.Pages = ingested.Pages

	progress.Phase = PhaseRanking
	rankIn := RankInput{WidgetID: input.WidgetID, SeedURL: input.SeedURL, Links: ingested.SampledLinks}
	if err := workflow.ExecuteActivity(ctx, "RankLinks", rankIn).Get(ctx, nil); err != nil {
		// Ranking is best-effort and never fails the run.
		workflow.GetLogger(ctx).Warn("link ranking skipped", "error", err)
	}

	if err := workflow.ExecuteActivity(ctx, "FinalizeCrawl", FinalizeInput{WidgetID: input.WidgetID, Pages: ingested.Pages}).Get(ctx, nil); err != nil {
		return RunResult{}, err
	}

	progress.Phase = PhaseDone
	return RunResult{
		RunID:     runID,
		Pages:     ingested.Pages,
		Documents: ingested.Documents,
		Skipped:   ingested.Skipped,
	}, nil
}

// markFailed records the failure on the widget row. Runs on a
// disconnected context when the workflow itself was cancelled, so the
// widget never sticks in crawling after a cancel.
func markFailed(ctx workflow.Context, widgetID uint64, message string) {
	if ctx.Err() != nil {
		var cancel workflow.CancelFunc
		ctx, cancel = workflow.NewDisconnectedContext(ctx)
		defer cancel()
	}
	in := FinalizeInput{WidgetID: widgetID, ErrMsg: message}
	if err := workflow.ExecuteActivity(ctx, "FinalizeCrawl", in).Get(ctx, nil); err != nil {
		workflow.GetLogger(ctx).Error("mark crawl failed", "error", err)
	}
}

// Register attaches the workflow and its activities to a worker.
func Register(w worker.Worker, a *Activities) {
	w.RegisterWorkflow(RunWorkflow)
	w.RegisterActivity(a.StartCrawl)
	w.RegisterActivity(a.PollCrawl)
	w.RegisterActivity(a.IngestPages)
	w.RegisterActivity(a.RankLinks)
	w.RegisterActivity(a.FinalizeCrawl)
}
