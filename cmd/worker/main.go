package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/casefab/internal/aws"
	"github.com/imrishuroy/casefab/internal/chitu"
	"github.com/imrishuroy/casefab/internal/config"
	"github.com/imrishuroy/casefab/internal/idempotency"
	"github.com/imrishuroy/casefab/internal/metrics"
	"github.com/imrishuroy/casefab/internal/orders"
	"github.com/imrishuroy/casefab/internal/sessions"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Require("DATABASE_URL", "SESSIONS_TABLE", "IDEMPOTENCY_TABLE", "CHITU_APP_ID", "CHITU_APP_SECRET"); err != nil {
		log.Fatalf("config: %v", err)
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

	var emitter *metrics.Emitter
	if cfg.MetricsEnabled {
		emitter = metrics.NewEmitter(clients.CloudWatch, cfg.MetricsNamespace)
	}

	p := NewProcessor(
		orders.NewStore(pool),
		sessions.NewStore(clients.DynamoDB, cfg.SessionsTable, cfg.SessionTTL),
		idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL),
		chitu.NewClient(cfg.Chitu, chitu.WithFallbackHook(emitter.SignatureFallback)),
		emitter,
		cfg.PrintMaxAttempts,
	)

	// If RUN_LOCAL=true, process a single message body from LOCAL_SQS_BODY and exit.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Fatal("LOCAL_SQS_BODY is required with RUN_LOCAL=true")
		}
		resp, _ := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}})
		if len(resp.BatchItemFailures) > 0 {
			log.Fatalf("local message failed")
		}
		return
	}

	lambda.Start(p.Handle)
}
