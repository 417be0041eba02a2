package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"feedflow/logger"
)

type fakeCloudWatch struct {
	calls []*cloudwatch.PutMetricDataInput
	err   error
}

func (f *fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchPublisherAggregatesCounters(t *testing.T) {
	fake := &fakeCloudWatch{}
	p := newCloudWatchPublisher(fake, "Test")

	now := time.Now()
	p.Handle(Metric{Component: "drops", Name: "frames_dropped", Value: 1, Type: "counter", Timestamp: now, Fields: logger.Fields{"key": "a"}})
	p.Handle(Metric{Component: "drops", Name: "frames_dropped", Value: 2, Type: "counter", Timestamp: now, Fields: logger.Fields{"key": "a"}})
	p.Handle(Metric{Component: "drops", Name: "frames_dropped", Value: 5, Type: "counter", Timestamp: now, Fields: logger.Fields{"key": "b"}})
	p.Handle(Metric{Component: "drops", Name: "ignored", Value: "nan", Timestamp: now})

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(fake.calls))
	}
	call := fake.calls[0]
	if aws.ToString(call.Namespace) != "Test" {
		t.Fatalf("unexpected namespace %q", aws.ToString(call.Namespace))
	}
	if len(call.MetricData) != 2 {
		t.Fatalf("expected 2 datums, got %d", len(call.MetricData))
	}

	byKey := map[string]float64{}
	for _, d := range call.MetricData {
		byKey[datumKey(aws.ToString(d.MetricName), d.Dimensions)] = aws.ToFloat64(d.Value)
		if d.Unit != cwtypes.StandardUnitCount {
			t.Fatalf("unexpected unit %s", d.Unit)
		}
	}
	if byKey["frames_dropped|component=drops|key=a"] != 3 {
		t.Fatalf("unexpected aggregation: %v", byKey)
	}
	if byKey["frames_dropped|component=drops|key=b"] != 5 {
		t.Fatalf("unexpected aggregation: %v", byKey)
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(fake.calls) != 1 {
		t.Fatalf("empty flush should not call CloudWatch")
	}
}

func TestCloudWatchPublisherGaugeKeepsLatest(t *testing.T) {
	fake := &fakeCloudWatch{}
	p := newCloudWatchPublisher(fake, "")

	p.Handle(Metric{Component: "report", Name: "cpu", Value: 10.0, Type: "gauge", Fields: logger.Fields{"unit": "percent"}})
	p.Handle(Metric{Component: "report", Name: "cpu", Value: 42.0, Type: "gauge", Fields: logger.Fields{"unit": "percent"}})

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	d := fake.calls[0].MetricData[0]
	if aws.ToFloat64(d.Value) != 42 {
		t.Fatalf("expected latest gauge value, got %v", aws.ToFloat64(d.Value))
	}
	if d.Unit != cwtypes.StandardUnitPercent {
		t.Fatalf("unexpected unit %s", d.Unit)
	}
	if aws.ToString(fake.calls[0].Namespace) != "FeedFlow" {
		t.Fatalf("expected default namespace")
	}
}

func TestCloudWatchPublisherReturnsError(t *testing.T) {
	fake := &fakeCloudWatch{err: errors.New("throttled")}
	p := newCloudWatchPublisher(fake, "Test")
	p.Handle(Metric{Component: "bus", Name: "reconnect_attempts", Value: 1})

	if err := p.Flush(context.Background()); err == nil {
		t.Fatalf("expected error from flush")
	}
}
