package analytics

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"bizjournal/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes delivery metrics to CloudWatch.
//
// Every event emits DeliveryAttempt with {JobType, Outcome} dimensions and
// an outcome-specific count metric with the JobType dimension.
type CloudWatchSink struct {
	client    CloudWatchClient
	namespace string
}

// NewCloudWatchSink creates a sink publishing under namespace, or
// DefaultMetricNamespace when empty.
func NewCloudWatchSink(client CloudWatchClient, namespace string) *CloudWatchSink {
	if namespace == "" {
		namespace = types.DefaultMetricNamespace
	}
	return &CloudWatchSink{client: client, namespace: namespace}
}

func (s *CloudWatchSink) Name() string { return "cloudwatch" }

// Emit publishes the metrics for e in a single PutMetricData call.
func (s *CloudWatchSink) Emit(ctx context.Context, e types.AnalyticsEvent) error {
	jobType := cwtypes.Dimension{
		Name:  aws.String(types.DimJobType),
		Value: aws.String(string(e.JobType)),
	}
	data := []cwtypes.MetricDatum{
		{
			MetricName: aws.String(types.MetricDeliveryAttempt),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(e.Timestamp),
			Dimensions: []cwtypes.Dimension{
				jobType,
				{
					Name:  aws.String(types.DimOutcome),
					Value: aws.String(string(e.Outcome)),
				},
			},
		},
	}
	if name := outcomeMetric(e.Outcome); name != "" {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Timestamp:  aws.Time(e.Timestamp),
			Dimensions: []cwtypes.Dimension{jobType},
		})
	}

	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: data,
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

func outcomeMetric(o types.AnalyticsOutcome) string {
	switch o {
	case types.AnalyticsSent:
		return types.MetricDeliverySent
	case types.AnalyticsSkipped:
		return types.MetricDeliverySkipped
	case types.AnalyticsFailed:
		return types.MetricDeliveryFailed
	case types.AnalyticsRetrying:
		return types.MetricDeliveryRetried
	case types.AnalyticsRateLimited:
		return types.MetricRateLimited
	case types.AnalyticsDuplicate:
		return types.MetricDuplicateBlocked
	}
	return ""
}
