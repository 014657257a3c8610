package crawl

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"cognita_back/faults"
	"cognita_back/widgets"
)

// Status is the crawl state of a widget. Every mutation of
// Widget.CrawlStatus goes through Transition or Begin; no call site
// assigns the field directly.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusCrawling Status = "crawling"
	StatusReady    Status = "ready"
	StatusFailed   Status = "failed"
)

// crawling→idle is the reset edge, taken only for stuck runs.
var transitions = map[Status][]Status{
	StatusIdle:     {StatusCrawling},
	StatusCrawling: {StatusReady, StatusFailed, StatusIdle},
	StatusReady:    {StatusCrawling},
	StatusFailed:   {StatusCrawling},
}

// CanTransition reports whether the state machine allows from→to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func lockWidget(tx *gorm.DB, widgetID uint64) (*widgets.Widget, error) {
	var w widgets.Widget
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, widgetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Errorf(faults.CodeNotFound, "widget %d not found", widgetID)
	}
	if err != nil {
		return nil, fmt.Errorf("crawl: load widget %d: %w", widgetID, err)
	}
	return &w, nil
}

// Transition moves the widget to the target state under a row lock,
// validating the edge against the current state first. The mutate hook
// runs on the locked row so run fields change atomically with the status.
func Transition(ctx context.Context, db *gorm.DB, widgetID uint64, to Status, mutate func(*widgets.Widget)) (*widgets.Widget, error) {
	var updated *widgets.Widget
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		w, err := lockWidget(tx, widgetID)
		if err != nil {
			return err
		}
		from := Status(w.CrawlStatus)
		if !CanTransition(from, to) {
			return faults.Errorf(faults.CodeInvalidInput, "crawl cannot move from %s to %s", from, to)
		}
		w.CrawlStatus = string(to)
		if mutate != nil {
			mutate(w)
		}
		if err := tx.Save(w).Error; err != nil {
			return fmt.Errorf("crawl: save widget %d: %w", widgetID, err)
		}
		updated = w
		return nil
	})
	return updated, err
}

// Begin claims the widget for a new run. When the widget is already
// crawling it reports started=false with the untouched row, so the
// caller can answer a concurrent start with the existing run's handle
// instead of launching a second job. staleSeed reports that the seed
// changed since the last run and previously crawled content must go.
func Begin(ctx context.Context, db *gorm.DB, widgetID uint64, workflowID, seedURL string) (w *widgets.Widget, started, staleSeed bool, err error) {
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, lockErr := lockWidget(tx, widgetID)
		if lockErr != nil {
			return lockErr
		}
		w = locked

		from := Status(w.CrawlStatus)
		if from == StatusCrawling {
			return nil
		}
		if !CanTransition(from, StatusCrawling) {
			return faults.Errorf(faults.CodeInvalidInput, "crawl cannot move from %s to %s", from, StatusCrawling)
		}

		staleSeed = w.CrawlSeedURL != "" && w.CrawlSeedURL != seedURL
		w.CrawlStatus = string(StatusCrawling)
		w.CrawlWorkflowID = workflowID
		w.CrawlSeedURL = seedURL
		w.CrawlRunID = ""
		w.CrawlError = ""
		w.CrawlPages = 0
		if err := tx.Save(w).Error; err != nil {
			return fmt.Errorf("crawl: save widget %d: %w", widgetID, err)
		}
		started = true
		return nil
	})
	if err != nil {
		return nil, false, false, err
	}
	return w, started, staleSeed, nil
}
