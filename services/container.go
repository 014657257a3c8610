// Package services builds the long-lived backend clients once at startup
// and hands them to the HTTP modules and the crawl worker. Only the
// database is mandatory; every other backend degrades to a disabled
// client so the process still serves whatever it can.
package services

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.temporal.io/sdk/client"
	"gorm.io/gorm"

	"cognita_back/cache"
	"cognita_back/knowledge"
	"cognita_back/llm"
	"cognita_back/ocr"
	"cognita_back/storage"
)

const defaultTaskQueue = "cognita-crawl"

// Container holds every shared backend client. Fields other than DB may
// be nil; callers check Enabled() or nil before use.
type Container struct {
	DB        *gorm.DB
	Redis     *redis.Client
	Objects   *storage.ObjectStore
	Store     *knowledge.Store
	Ingestor  *knowledge.Ingestor
	LLM       *llm.ChatClient
	OCR       *ocr.Processor
	Temporal  client.Client
	TaskQueue string
}

// NewFromEnv connects the mandatory database, migrates the knowledge
// tables, and then brings up each optional backend, logging and skipping
// the ones that are not configured or not reachable.
func NewFromEnv(ctx context.Context) (*Container, error) {
	db, err := openDatabaseFromEnv()
	if err != nil {
		return nil, err
	}
	if err := knowledge.EnsureStorage(db); err != nil {
		return nil, err
	}

	c := &Container{DB: db, TaskQueue: TaskQueueFromEnv()}

	if redisClient, err := cache.NewClientFromEnv(ctx); err != nil {
		log.Printf("services: redis unavailable, embed token cache and crawl heartbeats disabled: %v", err)
	} else {
		c.Redis = redisClient
	}

	objects, err := storage.NewObjectStoreFromEnv()
	if err != nil {
		log.Printf("services: object storage disabled: %v", err)
	}
	c.Objects = objects

	store, err := knowledge.NewStoreFromEnv(db)
	if err != nil {
		log.Printf("services: knowledge store disabled: %v", err)
	}
	c.Store = store
	c.Ingestor = knowledge.NewIngestorFromEnv(db, store)

	llmClient, err := llm.NewChatClientFromEnv()
	if err != nil {
		log.Printf("services: llm disabled: %v", err)
	}
	c.LLM = llmClient

	processor, err := ocr.NewProcessorFromEnv(objects)
	if err != nil {
		log.Printf("services: ocr provider disabled: %v", err)
		processor = ocr.NewLocalProcessor(objects)
	}
	c.OCR = processor

	if address := strings.TrimSpace(os.Getenv("TEMPORAL_ADDRESS")); address != "" {
		temporalClient, err := client.Dial(client.Options{HostPort: address})
		if err != nil {
			log.Printf("services: temporal unreachable, crawling disabled: %v", err)
		} else {
			c.Temporal = temporalClient
		}
	}

	return c, nil
}

// TaskQueueFromEnv reports the Temporal task queue shared by the API and
// the crawl worker.
func TaskQueueFromEnv() string {
	if queue := strings.TrimSpace(os.Getenv("TEMPORAL_TASK_QUEUE")); queue != "" {
		return queue
	}
	return defaultTaskQueue
}

// Close releases the container's connections. Safe to call on a
// partially constructed container.
func (c *Container) Close() {
	if c == nil {
		return
	}
	if c.Temporal != nil {
		c.Temporal.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.DB != nil {
		if sqlDB, err := c.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
