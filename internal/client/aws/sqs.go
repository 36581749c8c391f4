package aws

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"walletpilot-api/internal/logger"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// GrantCallbackEvent is the message published when a permission is granted
// and the requesting agent registered a callback URL. A worker delivers it
// out-of-band so the wallet callback request never blocks on the agent.
type GrantCallbackEvent struct {
	PermissionID string    `json:"permissionId"`
	RequestID    string    `json:"requestId"`
	CallbackURL  string    `json:"callbackUrl"`
	UserAddress  string    `json:"userAddress"`
	GrantedAt    time.Time `json:"grantedAt"`
}

// SQSPublisher publishes grant callback events to the delivery queue.
type SQSPublisher struct {
	svc      *sqs.Client
	queueURL string
}

// NewSQSPublisher creates a publisher using the default AWS configuration
// chain. The queue URL comes from CALLBACK_QUEUE_URL when empty.
func NewSQSPublisher(ctx context.Context, queueURL string) (*SQSPublisher, error) {
	if queueURL == "" {
		queueURL = os.Getenv("CALLBACK_QUEUE_URL")
	}
	if queueURL == "" {
		return nil, errors.New("callback queue URL is not configured")
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load AWS SDK config")
	}

	return &SQSPublisher{
		svc:      sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}, nil
}

// PublishGrantCallback enqueues a grant callback event for delivery.
func (p *SQSPublisher) PublishGrantCallback(ctx context.Context, event GrantCallbackEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal grant callback event")
	}

	_, err = p.svc.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return errors.Wrap(err, "failed to publish grant callback event")
	}

	logger.Debug("Published grant callback event",
		zap.String("permission_id", event.PermissionID),
		zap.String("callback_url", event.CallbackURL),
	)
	return nil
}
