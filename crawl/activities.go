package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cognita_back/faults"
	"cognita_back/knowledge"
	"cognita_back/llm"
	"cognita_back/storage"
	"cognita_back/widgets"
)

const (
	defaultIngestConcurrency = 4

	// The reconciler judges staleness by the timestamp value, not key
	// expiry, so heartbeats outlive the stuck window.
	heartbeatTTL = 24 * time.Hour
)

// StartInput begins a provider run for the widget's seed URL.
type StartInput struct {
	WidgetID uint64 `json:"widget_id"`
	SeedURL  string `json:"seed_url"`
}

// PollInput checks on a provider run.
type PollInput struct {
	WidgetID uint64 `json:"widget_id"`
	RunID    string `json:"run_id"`
}

// PollResult mirrors the provider's counters without the page payloads.
type PollResult struct {
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Error     string `json:"error,omitempty"`
}

// IngestInput stores the pages of a completed run.
type IngestInput struct {
	WidgetID uint64 `json:"widget_id"`
	RunID    string `json:"run_id"`
	SeedURL  string `json:"seed_url"`
}

// IngestResult counts what happened to the discovered pages. SampledLinks
// carries the bounded in-domain link sample forward to ranking.
type IngestResult struct {
	Pages        int      `json:"pages"`
	Documents    int      `json:"documents"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	SampledLinks []string `json:"sampled_links,omitempty"`
}

// RankInput ranks the sampled links for the widget's dashboard.
type RankInput struct {
	WidgetID uint64   `json:"widget_id"`
	SeedURL  string   `json:"seed_url"`
	Links    []string `json:"links,omitempty"`
}

// FinalizeInput closes a run: ready when ErrMsg is empty, failed otherwise.
type FinalizeInput struct {
	WidgetID uint64 `json:"widget_id"`
	Pages    int    `json:"pages"`
	ErrMsg   string `json:"err_msg,omitempty"`
}

// ActivityDeps are the worker-side backends. DB, Provider, and Ingestor
// are required; Objects, Redis, and LLM degrade when nil.
type ActivityDeps struct {
	DB       *gorm.DB
	Provider *Client
	Ingestor *knowledge.Ingestor
	Objects  *storage.ObjectStore
	Redis    *redis.Client
	LLM      *llm.ChatClient
}

// Activities implements the workflow's steps on the worker.
type Activities struct {
	db          *gorm.DB
	provider    *Client
	ingestor    *knowledge.Ingestor
	objects     *storage.ObjectStore
	redis       *redis.Client
	llm         *llm.ChatClient
	concurrency int
}

// NewActivities wires the activity implementations. INGEST_CONCURRENCY
// bounds the page fan-out (default 4).
func NewActivities(deps ActivityDeps) *Activities {
	concurrency := defaultIngestConcurrency
	if raw := strings.TrimSpace(os.Getenv("INGEST_CONCURRENCY")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			concurrency = parsed
		}
	}
	return &Activities{
		db:          deps.DB,
		provider:    deps.Provider,
		ingestor:    deps.Ingestor,
		objects:     deps.Objects,
		redis:       deps.Redis,
		llm:         deps.LLM,
		concurrency: concurrency,
	}
}

func heartbeatKey(widgetID uint64) string {
	return fmt.Sprintf("crawl_heartbeat:%d", widgetID)
}

func (a *Activities) refreshHeartbeat(ctx context.Context, widgetID uint64) {
	if a.redis == nil {
		return
	}
	value := time.Now().UTC().Format(time.RFC3339)
	if err := a.redis.Set(ctx, heartbeatKey(widgetID), value, heartbeatTTL).Err(); err != nil {
		log.Printf("crawl: refresh heartbeat for widget %d: %v", widgetID, err)
	}
}

func (a *Activities) clearHeartbeat(ctx context.Context, widgetID uint64) {
	if a.redis == nil {
		return
	}
	if err := a.redis.Del(ctx, heartbeatKey(widgetID)).Err(); err != nil {
		log.Printf("crawl: clear heartbeat for widget %d: %v", widgetID, err)
	}
}

// HeartbeatAge reports how long ago the worker last checked in for the
// widget's run. ok is false when redis is off or no heartbeat exists.
func HeartbeatAge(ctx context.Context, rdb *redis.Client, widgetID uint64) (time.Duration, bool) {
	if rdb == nil {
		return 0, false
	}
	raw, err := rdb.Get(ctx, heartbeatKey(widgetID)).Result()
	if err != nil {
		return 0, false
	}
	stamp, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, false
	}
	return time.Since(stamp), true
}

// CrawlDocumentName is the conventional file name for a crawl-produced
// document. Deriving it from the page URL lets a re-crawl replace the
// document one-for-one and a seed change bulk-delete by origin.
func CrawlDocumentName(pageURL string) string {
	return fmt.Sprintf("crawl-%016x.md", xxhash.Sum64String(pageURL))
}

// StartCrawl submits the provider run and records its id on the widget.
// When a reset raced the start, the row re-enters crawling here.
func (a *Activities) StartCrawl(ctx context.Context, input StartInput) (string, error) {
	runID, err := a.provider.Start(ctx, input.SeedURL)
	if err != nil {
		return "", err
	}

	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := lockWidget(tx, input.WidgetID)
		if err != nil {
			return err
		}
		if Status(w.CrawlStatus) != StatusCrawling {
			if !CanTransition(Status(w.CrawlStatus), StatusCrawling) {
				return faults.Errorf(faults.CodeInvalidInput, "crawl cannot move from %s to %s", w.CrawlStatus, StatusCrawling)
			}
			w.CrawlStatus = string(StatusCrawling)
		}
		w.CrawlRunID = runID
		w.CrawlSeedURL = input.SeedURL
		w.CrawlError = ""
		if err := tx.Save(w).Error; err != nil {
			return fmt.Errorf("crawl: save widget %d: %w", input.WidgetID, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	a.refreshHeartbeat(ctx, input.WidgetID)
	return runID, nil
}

// PollCrawl reads the provider's counters, refreshes the heartbeat, and
// mirrors the page counter onto the widget so status polls see progress.
func (a *Activities) PollCrawl(ctx context.Context, input PollInput) (PollResult, error) {
	status, err := a.provider.Status(ctx, input.RunID)
	if err != nil {
		return PollResult{}, err
	}

	a.refreshHeartbeat(ctx, input.WidgetID)

	err = a.db.WithContext(ctx).
		Model(&widgets.Widget{}).
		Where("id = ? AND crawl_status = ?", input.WidgetID, string(StatusCrawling)).
		Update("crawl_pages", status.Completed).Error
	if err != nil {
		log.Printf("crawl: update page counter for widget %d: %v", input.WidgetID, err)
	}

	return PollResult{
		Status:    status.Status,
		Total:     status.Total,
		Completed: status.Completed,
		Error:     status.Error,
	}, nil
}

// IngestPages turns every discovered page into a crawl-produced source
// document with chunks and vectors. Pages fan out with bounded
// concurrency; a page whose content fingerprint is unchanged since the
// last run is skipped. Individual page failures are counted, not fatal,
// unless every page fails.
func (a *Activities) IngestPages(ctx context.Context, input IngestInput) (IngestResult, error) {
	if !a.ingestor.Enabled() {
		return IngestResult{}, errors.New("crawl: ingestion is not configured")
	}

	status, err := a.provider.Status(ctx, input.RunID)
	if err != nil {
		return IngestResult{}, err
	}

	pages := make([]CrawledPage, 0, len(status.Data))
	for _, page := range status.Data {
		if strings.TrimSpace(page.Markdown) == "" || strings.TrimSpace(page.Metadata.SourceURL) == "" {
			continue
		}
		pages = append(pages, page)
	}

	var (
		mu     sync.Mutex
		result IngestResult
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(a.concurrency)
	for _, page := range pages {
		group.Go(func() error {
			skipped, err := a.ingestPage(groupCtx, input.WidgetID, page)

			mu.Lock()
			defer mu.Unlock()
			switch code := faults.CodeOf(err); {
			case err == nil && skipped:
				result.Skipped++
			case err == nil:
				result.Documents++
			case code == faults.CodeCancelled:
				return err
			case code == faults.CodeIngestionPartial:
				result.Documents++
				log.Printf("crawl: page %s ingested partially: %v", page.Metadata.SourceURL, err)
			default:
				result.Failed++
				log.Printf("crawl: ingest page %s: %v", page.Metadata.SourceURL, err)
			}
			return nil
		})
		a.refreshHeartbeat(ctx, input.WidgetID)
	}
	if err := group.Wait(); err != nil {
		return IngestResult{}, err
	}

	result.Pages = len(pages)
	result.SampledLinks = sampleLinks(input.SeedURL, pages, maxLinksSampled)
	if result.Documents == 0 && result.Failed > 0 {
		return IngestResult{}, fmt.Errorf("crawl: all %d pages failed to ingest", result.Failed)
	}
	return result, nil
}

func (a *Activities) ingestPage(ctx context.Context, widgetID uint64, page CrawledPage) (skipped bool, err error) {
	pageURL := strings.TrimSpace(page.Metadata.SourceURL)
	markdown := strings.TrimSpace(page.Markdown)
	if title := strings.TrimSpace(page.Metadata.Title); title != "" && !strings.HasPrefix(markdown, "#") {
		markdown = "# " + title + "\n\n" + markdown
	}

	fingerprint := knowledge.Fingerprint(markdown)
	name := CrawlDocumentName(pageURL)

	var doc knowledge.SourceDocument
	err = a.db.WithContext(ctx).
		Where("widget_id = ? AND origin = ? AND file_name = ?", widgetID, knowledge.OriginCrawl, name).
		First(&doc).Error
	switch {
	case err == nil:
		if doc.Fingerprint == fingerprint && doc.Status == knowledge.DocStatusReady {
			return true, nil
		}
		doc.SourceURL = pageURL
		doc.Fingerprint = fingerprint
		doc.SizeBytes = int64(len(markdown))
		doc.Status = knowledge.DocStatusPending
		doc.ErrMsg = ""
		if err := a.db.WithContext(ctx).Save(&doc).Error; err != nil {
			return false, fmt.Errorf("crawl: update document for %s: %w", pageURL, err)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		doc = knowledge.SourceDocument{
			WidgetID:    widgetID,
			FileName:    name,
			MediaType:   "text/markdown",
			SizeBytes:   int64(len(markdown)),
			Origin:      knowledge.OriginCrawl,
			SourceURL:   pageURL,
			Fingerprint: fingerprint,
			Status:      knowledge.DocStatusPending,
		}
		if err := a.db.WithContext(ctx).Create(&doc).Error; err != nil {
			return false, fmt.Errorf("crawl: create document for %s: %w", pageURL, err)
		}
	default:
		return false, fmt.Errorf("crawl: load document for %s: %w", pageURL, err)
	}

	if a.objects.Enabled() {
		if _, err := a.objects.SavePageText(ctx, widgetID, doc.ID, 1, markdown); err != nil {
			log.Printf("crawl: store page artifact for %s: %v", pageURL, err)
		}
	}

	texts := []knowledge.PageText{{Page: 0, Text: markdown, Links: page.Links}}
	if err := a.ingestor.IngestPages(ctx, &doc, texts); err != nil {
		return false, err
	}
	return false, nil
}

// RankLinks classifies the sampled links and stores the result on the
// widget. Best-effort: every failure inside is logged and absorbed.
func (a *Activities) RankLinks(ctx context.Context, input RankInput) error {
	if len(input.Links) == 0 {
		return nil
	}

	rankings := RankDiscoveredLinks(ctx, a.llm, input.Links)
	if len(rankings) == 0 {
		return nil
	}

	encoded, err := json.Marshal(rankings)
	if err != nil {
		log.Printf("crawl: encode link rankings for widget %d: %v", input.WidgetID, err)
		return nil
	}
	err = a.db.WithContext(ctx).
		Model(&widgets.Widget{}).
		Where("id = ?", input.WidgetID).
		Update("link_rankings", datatypes.JSON(encoded)).Error
	if err != nil {
		log.Printf("crawl: store link rankings for widget %d: %v", input.WidgetID, err)
	}
	return nil
}

// FinalizeCrawl closes the run on the widget row. A run that was reset
// while the worker was busy has nothing left to finalize; that case is
// logged and absorbed so the workflow can end cleanly.
func (a *Activities) FinalizeCrawl(ctx context.Context, input FinalizeInput) error {
	target := StatusReady
	if input.ErrMsg != "" {
		target = StatusFailed
	}

	now := time.Now().UTC()
	_, err := Transition(ctx, a.db, input.WidgetID, target, func(w *widgets.Widget) {
		w.CrawlError = input.ErrMsg
		w.LastCrawledAt = &now
		if target == StatusReady {
			w.CrawlPages = input.Pages
			// Crawled content changed; drop the cached question set so
			// the next suggestions read regenerates from fresh chunks.
			w.SuggestedQuestions = nil
		}
	})
	if err != nil {
		switch faults.CodeOf(err) {
		case faults.CodeInvalidInput, faults.CodeNotFound:
			log.Printf("crawl: finalize widget %d skipped: %v", input.WidgetID, err)
			return nil
		}
		return err
	}

	a.clearHeartbeat(ctx, input.WidgetID)
	return nil
}
