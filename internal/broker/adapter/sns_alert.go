package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/numberbroker/internal/broker/app"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the alerter. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Compile-time interface satisfaction checks.
var (
	_ app.Alerter = (*SNSAlerter)(nil)
	_ app.Alerter = (*LogAlerter)(nil)
)

// SNSAlerter publishes operator alerts to an SNS topic.
type SNSAlerter struct {
	client   snsPublisher
	topicARN string
}

// NewSNSAlerter creates an SNSAlerter publishing to topicARN.
func NewSNSAlerter(client snsPublisher, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN}
}

// Alert publishes message to the topic under subject.
func (a *SNSAlerter) Alert(ctx context.Context, subject, message string) error {
	ctx, span := tracer.Start(ctx, "sns.alert.publish")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.system", "sns"))

	_, err := a.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(subject),
		Message:  aws.String(message),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("sns alert: publish to %s: %w", a.topicARN, err)
	}

	return nil
}

// LogAlerter logs alerts instead of publishing them. Used locally and when
// no topic is configured.
type LogAlerter struct {
	logger *slog.Logger
}

// NewLogAlerter creates a LogAlerter writing to logger.
func NewLogAlerter(logger *slog.Logger) *LogAlerter {
	return &LogAlerter{logger: logger}
}

// Alert logs the alert at warn level.
func (a *LogAlerter) Alert(ctx context.Context, subject, message string) error {
	a.logger.WarnContext(ctx, "operator alert (log-only)",
		slog.String("subject", subject),
		slog.String("message", message),
	)
	return nil
}
