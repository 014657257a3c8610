package crawl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"cognita_back/authorization"
	"cognita_back/faults"
	"cognita_back/knowledge"
	"cognita_back/services"
	"cognita_back/storage"
	"cognita_back/widgets"
)

const defaultStuckAfter = 10 * time.Minute

// Module serves the crawl endpoints: starting a run and polling its
// status with the stuck-run reconciliation check.
type Module struct {
	db         *gorm.DB
	temporal   client.Client
	taskQueue  string
	redis      *redis.Client
	store      *knowledge.Store
	objects    *storage.ObjectStore
	provider   *Client
	stuckAfter time.Duration
}

func stuckAfterFromEnv() time.Duration {
	if raw := strings.TrimSpace(os.Getenv("CRAWL_STUCK_AFTER")); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return defaultStuckAfter
}

// RegisterRoutes wires the crawl module. Owner-only routes throughout.
func RegisterRoutes(router *gin.Engine, guard *authorization.Guard, backends *services.Container) (*Module, error) {
	provider, err := NewClientFromEnv()
	if err != nil {
		return nil, err
	}

	module := &Module{
		db:         backends.DB,
		temporal:   backends.Temporal,
		taskQueue:  backends.TaskQueue,
		redis:      backends.Redis,
		store:      backends.Store,
		objects:    backends.Objects,
		provider:   provider,
		stuckAfter: stuckAfterFromEnv(),
	}

	group := router.Group("/widgets")
	if guard != nil {
		group.Use(guard.RequireAuthenticated())
	} else {
		group.Use(func(c *gin.Context) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization middleware missing", "code": faults.CodeUnauthorized})
		})
	}
	group.POST("/:id/crawl", module.handleStartCrawl)
	group.GET("/:id/crawl/status", module.handleCrawlStatus)

	return module, nil
}

func (m *Module) loadOwnedWidget(c *gin.Context) (*widgets.Widget, bool) {
	widgetID, err := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || widgetID == 0 {
		faults.Respond(c, faults.New(faults.CodeInvalidInput, "invalid widget id"))
		return nil, false
	}

	var w widgets.Widget
	dbErr := m.db.WithContext(c.Request.Context()).First(&w, widgetID).Error
	if errors.Is(dbErr, gorm.ErrRecordNotFound) {
		faults.Respond(c, faults.Errorf(faults.CodeNotFound, "widget %d not found", widgetID))
		return nil, false
	}
	if dbErr != nil {
		log.Printf("crawl: load widget %d: %v", widgetID, dbErr)
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not load widget", dbErr))
		return nil, false
	}

	// Unowned widgets stay manageable by whoever holds the id.
	userID := authorization.UserIDOrZero(c)
	if w.OwnerID != nil && *w.OwnerID != userID {
		faults.Respond(c, faults.New(faults.CodeForbidden, "only the widget owner can manage crawls"))
		return nil, false
	}
	return &w, true
}

func conflictResponse(c *gin.Context, w *widgets.Widget) {
	c.AbortWithStatusJSON(http.StatusConflict, gin.H{
		"error":       "a crawl is already running for this widget",
		"code":        faults.CodeConflict,
		"run_id":      w.CrawlRunID,
		"workflow_id": w.CrawlWorkflowID,
	})
}

// handleStartCrawl claims the widget for a run and enqueues the
// workflow. A concurrent start loses the row-lock race and receives the
// winner's handle with 409; Temporal's deterministic workflow id backs
// that guard up, so no second provider job can exist either way.
func (m *Module) handleStartCrawl(c *gin.Context) {
	w, ok := m.loadOwnedWidget(c)
	if !ok {
		return
	}

	seed := strings.TrimSpace(w.SourceURL)
	if seed == "" {
		faults.Respond(c, faults.New(faults.CodeInvalidInput, "widget has no source url to crawl"))
		return
	}
	if m.temporal == nil || !m.provider.Enabled() {
		faults.Respond(c, faults.New(faults.CodeUnavailable, "crawling is not configured"))
		return
	}

	ctx := c.Request.Context()
	workflowID := WorkflowID(w.ID)
	claimed, started, staleSeed, err := Begin(ctx, m.db, w.ID, workflowID, seed)
	if err != nil {
		faults.Respond(c, err)
		return
	}
	if !started {
		conflictResponse(c, claimed)
		return
	}

	if staleSeed {
		if err := m.purgeCrawlDocuments(ctx, w.ID); err != nil {
			log.Printf("crawl: purge stale crawl content for widget %d: %v", w.ID, err)
			m.abandonRun(ctx, w.ID, "could not remove previously crawled content")
			faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not prepare the crawl", err))
			return
		}
	}

	opts := client.StartWorkflowOptions{
		ID:                                       workflowID,
		TaskQueue:                                m.taskQueue,
		WorkflowIDReusePolicy:                    enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
	}
	run, err := m.temporal.ExecuteWorkflow(ctx, opts, RunWorkflow, RunInput{WidgetID: w.ID, SeedURL: seed})
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			conflictResponse(c, claimed)
			return
		}
		log.Printf("crawl: start workflow for widget %d: %v", w.ID, err)
		m.abandonRun(ctx, w.ID, "could not start the crawl")
		faults.Respond(c, faults.Wrap(faults.CodeInternal, "could not start the crawl", err))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"widget_id":   w.ID,
		"status":      string(StatusCrawling),
		"workflow_id": run.GetID(),
	})
}

// abandonRun releases a claim that never reached the worker.
func (m *Module) abandonRun(ctx context.Context, widgetID uint64, message string) {
	_, err := Transition(ctx, m.db, widgetID, StatusFailed, func(w *widgets.Widget) {
		w.CrawlError = message
	})
	if err != nil {
		log.Printf("crawl: abandon run for widget %d: %v", widgetID, err)
	}
}

// purgeCrawlDocuments removes crawl-produced documents with their
// chunks, vectors, and stored artifacts. Run before a crawl whose seed
// URL changed, so answers never cite pages from the old site.
func (m *Module) purgeCrawlDocuments(ctx context.Context, widgetID uint64) error {
	if m.store.Enabled() {
		if err := m.store.DeleteForSourceType(ctx, widgetID, knowledge.SourceTypeCrawl); err != nil {
			return err
		}
	}

	var docs []knowledge.SourceDocument
	err := m.db.WithContext(ctx).
		Where("widget_id = ? AND origin = ?", widgetID, knowledge.OriginCrawl).
		Find(&docs).Error
	if err != nil {
		return fmt.Errorf("crawl: list crawl documents: %w", err)
	}
	if len(docs) == 0 {
		return nil
	}

	if m.objects.Enabled() {
		for _, doc := range docs {
			if err := m.objects.RemoveDocument(ctx, widgetID, doc.ID); err != nil {
				log.Printf("crawl: remove artifacts for document %d: %v", doc.ID, err)
			}
		}
	}

	err = m.db.WithContext(ctx).
		Where("widget_id = ? AND origin = ?", widgetID, knowledge.OriginCrawl).
		Delete(&knowledge.SourceDocument{}).Error
	if err != nil {
		return fmt.Errorf("crawl: delete crawl documents: %w", err)
	}
	return nil
}

// handleCrawlStatus reports the run fields, folding in live workflow
// progress when available. A crawling widget whose worker went dark is
// reset to idle here rather than sticking forever.
func (m *Module) handleCrawlStatus(c *gin.Context) {
	w, ok := m.loadOwnedWidget(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if Status(w.CrawlStatus) == StatusCrawling {
		if stuck, reason := m.runLooksStuck(ctx, w); stuck {
			log.Printf("crawl: %s: widget %d run %q reset: %s", faults.CodeCrawlStuck, w.ID, w.CrawlRunID, reason)
			reset, err := Transition(ctx, m.db, w.ID, StatusIdle, func(w *widgets.Widget) {
				w.CrawlError = "crawl run stalled and was reset"
			})
			if err != nil {
				log.Printf("crawl: reset stuck run for widget %d: %v", w.ID, err)
			} else {
				w = reset
			}
		}
	}

	payload := gin.H{
		"widget_id":  w.ID,
		"status":     w.CrawlStatus,
		"run_id":     w.CrawlRunID,
		"pages":      w.CrawlPages,
		"source_url": w.SourceURL,
	}
	if w.LastCrawledAt != nil {
		payload["last_crawled_at"] = w.LastCrawledAt.UTC().Format(time.RFC3339)
	}
	if w.CrawlError != "" {
		payload["error"] = w.CrawlError
	}
	if Status(w.CrawlStatus) == StatusCrawling && m.temporal != nil && w.CrawlWorkflowID != "" {
		if resp, err := m.temporal.QueryWorkflow(ctx, w.CrawlWorkflowID, "", QueryProgress); err == nil {
			var progress Progress
			if resp.Get(&progress) == nil {
				payload["progress"] = progress
			}
		}
	}

	c.JSON(http.StatusOK, payload)
}

// runLooksStuck decides whether a crawling widget has a live run behind
// it. The workflow's existence is authoritative when Temporal answers;
// the worker heartbeat covers a wedged worker behind a live workflow.
func (m *Module) runLooksStuck(ctx context.Context, w *widgets.Widget) (bool, string) {
	confirmedRunning := false
	if m.temporal != nil && w.CrawlWorkflowID != "" {
		desc, err := m.temporal.DescribeWorkflowExecution(ctx, w.CrawlWorkflowID, "")
		var notFound *serviceerror.NotFound
		switch {
		case errors.As(err, &notFound):
			return true, "workflow not found"
		case err != nil:
			// Temporal unreachable; judge by heartbeat alone.
		case desc.GetWorkflowExecutionInfo().GetStatus() != enumspb.WORKFLOW_EXECUTION_STATUS_RUNNING:
			return true, "workflow is no longer running"
		default:
			confirmedRunning = true
		}
	}

	if age, ok := HeartbeatAge(ctx, m.redis, w.ID); ok {
		if age > m.stuckAfter {
			return true, fmt.Sprintf("no worker heartbeat for %s", age.Truncate(time.Second))
		}
		return false, ""
	}
	if confirmedRunning {
		return false, ""
	}
	if time.Since(w.UpdatedAt) > m.stuckAfter {
		return true, fmt.Sprintf("no progress since %s", w.UpdatedAt.UTC().Format(time.RFC3339))
	}
	return false, ""
}
