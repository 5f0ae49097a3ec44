package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"bizjournal/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSForwarder forwards events as JSON messages to a downstream queue.
type SQSForwarder struct {
	client   SQSSender
	queueURL string
}

func NewSQSForwarder(client SQSSender, queueURL string) *SQSForwarder {
	return &SQSForwarder{client: client, queueURL: queueURL}
}

func (f *SQSForwarder) Name() string { return "sqs" }

// Emit sends e with its outcome as a message attribute so consumers can
// filter without decoding the body.
func (f *SQSForwarder) Emit(ctx context.Context, e types.AnalyticsEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal analytics event: %w", err)
	}

	_, err = f.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqstypes.MessageAttributeValue{
			"outcome": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.Outcome)),
			},
			"job_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(e.JobType)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send analytics event to %s: %w", f.queueURL, err)
	}
	return nil
}
