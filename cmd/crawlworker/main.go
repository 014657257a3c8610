package main

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/worker"

	"cognita_back/crawl"
	"cognita_back/services"
	"cognita_back/widgets"
)

func main() {
	_ = godotenv.Load()

	backends, err := services.NewFromEnv(context.Background())
	if err != nil {
		log.Fatalf("connect backends: %v", err)
	}
	defer backends.Close()

	if backends.Temporal == nil {
		log.Fatal("TEMPORAL_ADDRESS is required for the crawl worker")
	}

	provider, err := crawl.NewClientFromEnv()
	if err != nil {
		log.Fatalf("crawl provider: %v", err)
	}
	if !provider.Enabled() {
		log.Fatal("CRAWL_BASE_URL is required for the crawl worker")
	}

	// The API server usually migrates first, but the worker writes
	// widget rows and must not depend on start order.
	if err := widgets.EnsureStorage(backends.DB); err != nil {
		log.Fatalf("migrate widget tables: %v", err)
	}

	activities := crawl.NewActivities(crawl.ActivityDeps{
		DB:       backends.DB,
		Provider: provider,
		Ingestor: backends.Ingestor,
		Objects:  backends.Objects,
		Redis:    backends.Redis,
		LLM:      backends.LLM,
	})

	w := worker.New(backends.Temporal, backends.TaskQueue, worker.Options{})
	crawl.Register(w, activities)

	log.Printf("crawl worker listening on queue %s", backends.TaskQueue)
	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatal(err)
	}
}
