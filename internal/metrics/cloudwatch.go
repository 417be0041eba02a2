package metrics

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"feedflow/logger"
)

// CloudWatch accepts at most this many datums per PutMetricData call.
const cloudWatchMaxBatch = 1000

var cloudWatchFlushInterval = 60 * time.Second

// PutMetricDataAPI is the slice of the CloudWatch client the publisher needs.
type PutMetricDataAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher aggregates emitted counters and pushes them to
// CloudWatch on a fixed interval.
type CloudWatchPublisher struct {
	client    PutMetricDataAPI
	namespace string
	log       *logger.Entry

	mu      sync.Mutex
	pending map[string]*cwtypes.MetricDatum
}

// NewCloudWatchPublisher loads the default AWS configuration for region.
func NewCloudWatchPublisher(ctx context.Context, region, namespace string) (*CloudWatchPublisher, error) {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return newCloudWatchPublisher(cloudwatch.NewFromConfig(cfg), namespace), nil
}

func newCloudWatchPublisher(client PutMetricDataAPI, namespace string) *CloudWatchPublisher {
	if namespace == "" {
		namespace = "FeedFlow"
	}
	return &CloudWatchPublisher{
		client:    client,
		namespace: namespace,
		log:       logger.GetLogger().WithComponent("cloudwatch"),
		pending:   make(map[string]*cwtypes.MetricDatum),
	}
}

// Handle is a MetricHandler. Non-numeric values are skipped.
func (p *CloudWatchPublisher) Handle(m Metric) {
	value, ok := toFloat64(m.Value)
	if !ok {
		return
	}

	dims := metricDimensions(m)
	key := datumKey(m.Name, dims)

	p.mu.Lock()
	defer p.mu.Unlock()
	if d, exists := p.pending[key]; exists {
		if m.Type == "gauge" {
			d.Value = aws.Float64(value)
		} else {
			d.Value = aws.Float64(aws.ToFloat64(d.Value) + value)
		}
		d.Timestamp = aws.Time(m.Timestamp)
		return
	}
	p.pending[key] = &cwtypes.MetricDatum{
		MetricName: aws.String(m.Name),
		Dimensions: dims,
		Unit:       metricUnit(m.Fields),
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(m.Timestamp),
	}
}

// Flush sends everything collected since the previous flush.
func (p *CloudWatchPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	if len(p.pending) == 0 {
		p.mu.Unlock()
		return nil
	}
	data := make([]cwtypes.MetricDatum, 0, len(p.pending))
	for _, d := range p.pending {
		data = append(data, *d)
	}
	p.pending = make(map[string]*cwtypes.MetricDatum)
	p.mu.Unlock()

	for start := 0; start < len(data); start += cloudWatchMaxBatch {
		end := start + cloudWatchMaxBatch
		if end > len(data) {
			end = len(data)
		}
		if _, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(p.namespace),
			MetricData: data[start:end],
		}); err != nil {
			p.log.WithError(err).Warn("failed to publish CloudWatch metrics")
			return err
		}
	}
	p.log.WithField("count", len(data)).Debug("published metrics to CloudWatch")
	return nil
}

// Run flushes periodically until ctx is cancelled, then flushes once more.
func (p *CloudWatchPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(cloudWatchFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = p.Flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
			_ = p.Flush(ctx)
		}
	}
}

func metricDimensions(m Metric) []cwtypes.Dimension {
	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(m.Component)}}
	keys := make([]string, 0, len(m.Fields))
	for k := range m.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k == "unit" {
			continue
		}
		if s, ok := m.Fields[k].(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}
	return dims
}

func datumKey(name string, dims []cwtypes.Dimension) string {
	var b strings.Builder
	b.WriteString(name)
	for _, d := range dims {
		b.WriteByte('|')
		b.WriteString(aws.ToString(d.Name))
		b.WriteByte('=')
		b.WriteString(aws.ToString(d.Value))
	}
	return b.String()
}

func metricUnit(fields logger.Fields) cwtypes.StandardUnit {
	raw, ok := fields["unit"].(string)
	if !ok {
		return cwtypes.StandardUnitCount
	}
	switch strings.ToLower(raw) {
	case "percent":
		return cwtypes.StandardUnitPercent
	case "seconds":
		return cwtypes.StandardUnitSeconds
	case "bytes":
		return cwtypes.StandardUnitBytes
	default:
		return cwtypes.StandardUnitCount
	}
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}
