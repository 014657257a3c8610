package main

import (
	"context"
	"log"
	"os"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"cognita_back/authorization"
	"cognita_back/chat"
	"cognita_back/crawl"
	"cognita_back/services"
	"cognita_back/widgets"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

// corsConfig allows every origin by default because the chat widget is
// embedded on customer sites the server cannot enumerate. Dashboards
// that want a closed list set CORS_ALLOW_ORIGINS.
func corsConfig() cors.Config {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization", "X-Embed-Token")
	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowOrigins = append(config.AllowOrigins, origin)
			}
		}
	}
	if len(config.AllowOrigins) == 0 {
		config.AllowAllOrigins = true
	}
	return config
}

func main() {
	mustLoadEnv()

	ctx := context.Background()
	backends, err := services.NewFromEnv(ctx)
	if err != nil {
		log.Fatalf("connect backends: %v", err)
	}
	defer backends.Close()

	var guard *authorization.Guard
	if auth, err := authorization.NewFromEnv(); err != nil {
		log.Printf("authorization disabled, owner routes will refuse: %v", err)
	} else {
		guard = auth.Guard()
	}

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	widgetsModule, err := widgets.RegisterRoutes(r, guard, backends)
	if err != nil {
		log.Fatalf("register widget routes: %v", err)
	}

	if _, err := crawl.RegisterRoutes(r, guard, backends); err != nil {
		log.Fatalf("register crawl routes: %v", err)
	}

	if _, err := chat.RegisterRoutes(r, guard, backends); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	// Widget deletion wipes the conversation log along with the
	// widget's chunks and objects.
	widgetsModule.OnDelete(func(ctx context.Context, widgetID uint64) error {
		return chat.DeleteForWidget(ctx, backends.DB, widgetID)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
