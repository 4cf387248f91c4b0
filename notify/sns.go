package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"costgate/ledger"
)

// SNSPublisher sends approval alerts to the budget's SNS topic.
type SNSPublisher struct {
	client *sns.Client
	logger *slog.Logger
}

func NewSNSPublisher(client *sns.Client, logger *slog.Logger) *SNSPublisher {
	return &SNSPublisher{client: client, logger: logger}
}

func (p *SNSPublisher) ApprovalRequested(ctx context.Context, b *ledger.Budget, r *ledger.Request) error {
	out, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(b.NotifyTopicARN),
		Subject:  aws.String(Subject),
		Message:  aws.String(BuildMessage(b, r, time.Now().UTC())),
	})
	if err != nil {
		return fmt.Errorf("publish approval notification: %w", err)
	}
	p.logger.Info("notified approver", "request_id", r.ID, "entity", b.EntityName, "message_id", aws.ToString(out.MessageId))
	return nil
}

var _ Notifier = (*SNSPublisher)(nil)
