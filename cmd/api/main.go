package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/casefab/internal/aws"
	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/config"
	"github.com/imrishuroy/casefab/internal/handlers"
	"github.com/imrishuroy/casefab/internal/idempotency"
	"github.com/imrishuroy/casefab/internal/metrics"
	"github.com/imrishuroy/casefab/internal/orders"
	"github.com/imrishuroy/casefab/internal/printjobs"
	"github.com/imrishuroy/casefab/internal/sessions"
	"github.com/imrishuroy/casefab/internal/storage"
)

func setupRouter(deps handlers.Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	handlers.New(deps).Register(r)
	return r
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Require("DATABASE_URL", "SESSIONS_TABLE", "IDEMPOTENCY_TABLE", "PRINT_QUEUE_URL", "DESIGN_BUCKET"); err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	pool, err := orders.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	orderStore := orders.NewStore(pool)
	if err := orderStore.Migrate(ctx); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	var emitter *metrics.Emitter
	if cfg.MetricsEnabled {
		emitter = metrics.NewEmitter(clients.CloudWatch, cfg.MetricsNamespace)
	}

	deps := handlers.Deps{
		Sessions:          sessions.NewStore(clients.DynamoDB, cfg.SessionsTable, cfg.SessionTTL),
		Orders:            orderStore,
		Idempotency:       idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		Jobs:              printjobs.NewQueue(aws.NewPublisher(clients.SQS, cfg.PrintQueueURL)),
		Vendor:            chitu.NewClient(cfg.Chitu, chitu.WithFallbackHook(emitter.SignatureFallback)),
		Designs:           storage.NewDesigns(clients.S3, clients.S3Presign, cfg.DesignBucket, cfg.DesignPublicURL, cfg.PresignExpiry),
		Metrics:           emitter,
		AllowedMachineIDs: cfg.AllowedMachineIDs,
		AdminTokens:       []string{cfg.AdminToken, cfg.CleanupToken},
	}

	r := setupRouter(deps)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		log.Printf("running local server on %s", cfg.Addr)
		if err := r.Run(cfg.Addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
