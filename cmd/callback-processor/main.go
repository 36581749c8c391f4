package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	awsclient "walletpilot-api/internal/client/aws"
	"walletpilot-api/internal/logger"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/cenkalti/backoff/v4"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Application holds the dependencies for the callback processor Lambda handler
type Application struct {
	httpClient *http.Client
}

// grantNotification is the body POSTed to the agent's callback URL.
type grantNotification struct {
	Event        string    `json:"event"`
	PermissionID string    `json:"permissionId"`
	RequestID    string    `json:"requestId"`
	UserAddress  string    `json:"userAddress"`
	GrantedAt    time.Time `json:"grantedAt"`
}

// HandleSQSEvent processes grant callback events from SQS
func (app *Application) HandleSQSEvent(ctx context.Context, event events.SQSEvent) error {
	logger.Info("Callback processor handling SQS event",
		zap.Int("record_count", len(event.Records)))

	for _, record := range event.Records {
		err := app.processCallbackRecord(ctx, record)
		if err != nil {
			logger.Error("Failed to process callback record",
				zap.String("message_id", record.MessageId),
				zap.Error(err))
			// Continue processing other records, but return error to indicate partial failure
			// SQS will handle retries for failed messages
			return fmt.Errorf("failed to process message %s: %w", record.MessageId, err)
		}
	}

	logger.Info("Successfully processed all callback records",
		zap.Int("count", len(event.Records)))
	return nil
}

// processCallbackRecord delivers a single grant callback to the agent.
func (app *Application) processCallbackRecord(ctx context.Context, record events.SQSMessage) error {
	var event awsclient.GrantCallbackEvent
	if err := json.Unmarshal([]byte(record.Body), &event); err != nil {
		return fmt.Errorf("failed to unmarshal grant callback event: %w", err)
	}
	if event.CallbackURL == "" {
		// Nothing to deliver; drop the message rather than poisoning the queue.
		logger.Warn("Grant callback event without a callback URL",
			zap.String("message_id", record.MessageId),
			zap.String("permission_id", event.PermissionID))
		return nil
	}

	logger.Info("Delivering grant callback",
		zap.String("permission_id", event.PermissionID),
		zap.String("callback_url", event.CallbackURL))

	body, err := json.Marshal(grantNotification{
		Event:        "permission.granted",
		PermissionID: event.PermissionID,
		RequestID:    event.RequestID,
		UserAddress:  event.UserAddress,
		GrantedAt:    event.GrantedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal grant notification: %w", err)
	}

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, event.CallbackURL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to build callback request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("callback request failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The agent rejected the delivery; retrying will not help.
			return backoff.Permanent(fmt.Errorf("callback rejected with status %d", resp.StatusCode))
		}
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 1 * time.Second
	expBackoff.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return fmt.Errorf("failed to deliver grant callback for permission %s: %w", event.PermissionID, err)
	}

	logger.Info("Grant callback delivered",
		zap.String("permission_id", event.PermissionID))
	return nil
}

// LocalHandleRequest handles local testing
func (app *Application) LocalHandleRequest(ctx context.Context) error {
	logger.Info("Callback processor running in local mode")
	logger.Info("Callback processor initialized successfully")
	return nil
}

func main() {
	// Load .env file for local development
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: Error loading .env file: %v. Proceeding with environment variables.", err)
	}

	logger.InitLogger()
	logger.Info("Lambda Cold Start: Initializing callback processor")
	defer func() {
		// Sync logger before exit (important for Lambda)
		_ = logger.Sync()
	}()

	app := &Application{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}

	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") == "" {
		if err := app.LocalHandleRequest(context.Background()); err != nil {
			logger.Fatal("Error in LocalHandleRequest", zap.Error(err))
		}
	} else {
		// --- Start the Lambda Handler ---
		lambda.Start(app.HandleSQSEvent)
	}
}
