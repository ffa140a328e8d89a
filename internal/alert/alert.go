// Package alert delivers operator notifications: dead-lettered jobs and
// research requests waiting for review.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/garnizeh/insightpipe/internal/jobs"
)

// Alerter sends a short operator notification.
type Alerter interface {
	Alert(ctx context.Context, subject, body string, attrs map[string]string) error
}

// Publisher is the subset of the SNS client used here.
type Publisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SNSAlerter struct {
	client   Publisher
	topicARN string
}

// NewSNSAlerter loads the default AWS credential chain for region.
func NewSNSAlerter(ctx context.Context, region, topicARN string) (*SNSAlerter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSAlerter{client: sns.NewFromConfig(cfg), topicARN: topicARN}, nil
}

func NewSNSAlerterWithClient(client Publisher, topicARN string) *SNSAlerter {
	return &SNSAlerter{client: client, topicARN: topicARN}
}

func (a *SNSAlerter) Alert(ctx context.Context, subject, body string, attrs map[string]string) error {
	in := &sns.PublishInput{
		TopicArn: aws.String(a.topicARN),
		Subject:  aws.String(truncate(subject, 100)),
		Message:  aws.String(body),
	}
	if len(attrs) > 0 {
		in.MessageAttributes = make(map[string]types.MessageAttributeValue, len(attrs))
		for k, v := range attrs {
			in.MessageAttributes[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
		}
	}
	if _, err := a.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("sns publish: %w", err)
	}
	return nil
}

// LogAlerter writes alerts to the structured log. Used when no topic is configured.
type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) Alert(_ context.Context, subject, body string, attrs map[string]string) error {
	args := []any{"subject", subject, "body", body}
	for k, v := range attrs {
		args = append(args, k, v)
	}
	a.Logger.Warn("alert", args...)
	return nil
}

// DeadLetters adapts an Alerter to the worker pool's dead-letter hook.
type DeadLetters struct {
	Alerter Alerter
}

func (d DeadLetters) NotifyDeadLetter(ctx context.Context, j jobs.Job) error {
	lastErr := ""
	if j.LastError != nil {
		lastErr = *j.LastError
	}
	body, err := json.Marshal(map[string]any{
		"job_id":        j.ID,
		"kind":          j.Kind,
		"target":        j.Target,
		"attempt_count": j.AttemptCount,
		"last_error":    lastErr,
	})
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("insightpipe: %s job for %s is dead", j.Kind, j.Target)
	return d.Alerter.Alert(ctx, subject, string(body), map[string]string{"event": "job.dead", "kind": string(j.Kind)})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
