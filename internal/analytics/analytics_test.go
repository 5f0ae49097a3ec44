package analytics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/klauspost/compress/zstd"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizjournal/internal/memstore"
	"bizjournal/internal/types"
)

var ts = time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC)

func event(outcome types.AnalyticsOutcome) types.AnalyticsEvent {
	return types.AnalyticsEvent{
		UserID:    "u1",
		JobID:     "j1",
		JobType:   types.JobTypeDigest,
		Outcome:   outcome,
		Timestamp: ts,
	}
}

type failingSink struct{ calls int }

func (f *failingSink) Name() string { return "failing" }
func (f *failingSink) Emit(context.Context, types.AnalyticsEvent) error {
	f.calls++
	return errors.New("sink down")
}

func TestRecorder_FanOutSurvivesSinkFailure(t *testing.T) {
	store := memstore.New()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	bad := &failingSink{}

	rec := NewRecorder(nil, bad, StoreSink{Store: store.Analytics}, nil, metrics)
	rec.Record(context.Background(), event(types.AnalyticsSent))
	rec.Record(context.Background(), event(types.AnalyticsSent))
	rec.Record(context.Background(), event(types.AnalyticsFailed))

	assert.Equal(t, 3, bad.calls)
	assert.Len(t, store.Analytics.All(), 3)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.deliveries.WithLabelValues("digest", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.deliveries.WithLabelValues("digest", "failed")))
}

func TestMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

type countStub struct {
	counts map[types.JobStatus]int
	active int
	err    error
}

func (c countStub) CountByStatus(context.Context) (map[types.JobStatus]int, error) {
	return c.counts, c.err
}

func (c countStub) CountActive(context.Context, time.Time) (int, error) { return c.active, nil }

func TestMetrics_Sample(t *testing.T) {
	m, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)

	stub := countStub{counts: map[types.JobStatus]int{types.JobStatusPending: 7}, active: 3}
	require.NoError(t, m.Sample(context.Background(), stub, stub, ts))

	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.activeWorkers))

	stub.err = errors.New("db down")
	assert.Error(t, m.Sample(context.Background(), stub, stub, ts))
}

type mockCloudWatchClient struct {
	calls []*cloudwatch.PutMetricDataInput
	err   error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func dimension(dims []cwtypes.Dimension, name string) string {
	for _, d := range dims {
		if *d.Name == name {
			return *d.Value
		}
	}
	return ""
}

func TestCloudWatchSink_Emit(t *testing.T) {
	cw := &mockCloudWatchClient{}
	sink := NewCloudWatchSink(cw, "")

	require.NoError(t, sink.Emit(context.Background(), event(types.AnalyticsRateLimited)))
	require.Len(t, cw.calls, 1)

	in := cw.calls[0]
	assert.Equal(t, types.DefaultMetricNamespace, *in.Namespace)
	require.Len(t, in.MetricData, 2)

	attempt := in.MetricData[0]
	assert.Equal(t, types.MetricDeliveryAttempt, *attempt.MetricName)
	assert.Equal(t, cwtypes.StandardUnitCount, attempt.Unit)
	assert.Equal(t, "digest", dimension(attempt.Dimensions, types.DimJobType))
	assert.Equal(t, "rate_limited", dimension(attempt.Dimensions, types.DimOutcome))

	assert.Equal(t, types.MetricRateLimited, *in.MetricData[1].MetricName)

	cw.err = errors.New("throttled")
	assert.Error(t, sink.Emit(context.Background(), event(types.AnalyticsSent)))
}

type mockSQS struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (m *mockSQS) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

func TestSQSForwarder_Emit(t *testing.T) {
	client := &mockSQS{}
	f := NewSQSForwarder(client, "https://sqs.us-east-1.amazonaws.com/123/analytics")

	require.NoError(t, f.Emit(context.Background(), event(types.AnalyticsSkipped)))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "https://sqs.us-east-1.amazonaws.com/123/analytics", *in.QueueUrl)
	assert.Equal(t, "skipped", *in.MessageAttributes["outcome"].StringValue)

	var got types.AnalyticsEvent
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &got))
	assert.Equal(t, "j1", got.JobID)
	assert.Equal(t, types.AnalyticsSkipped, got.Outcome)
	assert.True(t, got.Timestamp.Equal(ts))

	client.err = errors.New("queue gone")
	assert.Error(t, f.Emit(context.Background(), event(types.AnalyticsSent)))
}

type mockS3 struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.err != nil {
		return nil, m.err
	}
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.keys = append(m.keys, *params.Key)
	m.bodies = append(m.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func decodeArchive(t *testing.T, body []byte) []types.StoredEvent {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(body))
	require.NoError(t, err)
	defer zr.Close()

	var out []types.StoredEvent
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var e types.StoredEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestArchiver_ArchivesOldEventsInBatches(t *testing.T) {
	store := memstore.New()
	now := ts.Add(100 * 24 * time.Hour)
	for i := 0; i < 5; i++ {
		e := event(types.AnalyticsSent)
		e.JobID = "old"
		require.NoError(t, store.Analytics.Insert(context.Background(), e))
	}
	fresh := event(types.AnalyticsSent)
	fresh.JobID = "fresh"
	fresh.Timestamp = now.Add(-time.Hour)
	require.NoError(t, store.Analytics.Insert(context.Background(), fresh))

	objects := &mockS3{}
	a := NewArchiver(store.Analytics, objects, "archive-bucket", 90*24*time.Hour, nil)
	a.batchSize = 2

	n, err := a.ArchiveAnalytics(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Len(t, objects.keys, 3)

	var archived []types.StoredEvent
	for _, body := range objects.bodies {
		archived = append(archived, decodeArchive(t, body)...)
	}
	require.Len(t, archived, 5)
	assert.Equal(t, "old", archived[0].JobID)
	assert.Less(t, archived[0].ID, archived[4].ID)

	remaining := store.Analytics.All()
	require.Len(t, remaining, 1)
	assert.Equal(t, "fresh", remaining[0].JobID)
}

func TestArchiver_UploadFailureKeepsEvents(t *testing.T) {
	store := memstore.New()
	require.NoError(t, store.Analytics.Insert(context.Background(), event(types.AnalyticsSent)))

	a := NewArchiver(store.Analytics, &mockS3{err: errors.New("access denied")}, "b", time.Hour, nil)
	_, err := a.ArchiveAnalytics(context.Background(), ts.Add(48*time.Hour))
	assert.Error(t, err)
	assert.Len(t, store.Analytics.All(), 1)
}
