package main

// API Gateway (HTTP API) entrypoint for the same router cmd/api serves:
//   GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-http
//
// Lambda buffers the whole response, so exports are bounded by the 6 MB
// payload limit here; large archives should go through cmd/api.

import (
	"context"
	"net/http"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"

	"certificate-backend/internal/bootstrap"
	"certificate-backend/internal/shared/config"
	"certificate-backend/internal/shared/telemetry"
)

var (
	initOnce sync.Once
	initErr  error
	adapter  *ginadapter.GinLambdaV2
)

func coldStart() {
	cfg := config.Load()
	app, err := bootstrap.Build(context.Background(), cfg)
	if err != nil {
		initErr = err
		telemetry.Error("lambda.bootstrap_failed", map[string]any{"error": err})
		return
	}
	// Clears scratch files left by invocations that timed out.
	app.SweepScratch()
	adapter = ginadapter.NewV2(app.Router)
}

func handler(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	initOnce.Do(coldStart)
	if initErr != nil {
		return events.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       `{"error":{"code":"internal_error","message":"service failed to start","retryable":true}}`,
			Headers:    map[string]string{"Content-Type": "application/json"},
		}, nil
	}
	return adapter.ProxyWithContext(ctx, req)
}

func main() {
	lambda.Start(handler)
}
