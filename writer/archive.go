package writer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "feedflow/config"
	"feedflow/internal/metadata"
	"feedflow/logger"
)

// memFileWriter is an in-memory parquet sink.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// ObjectPutter is the slice of the S3 client used for uploads.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ErrNoFields is returned by Archive for a capture without output columns.
var ErrNoFields = errors.New("archive: no fields to archive")

// ArchiveRequest describes the output of one stopped capture.
type ArchiveRequest struct {
	TaskID   string
	Source   string
	Fields   []string
	Files    map[string]string
	InfoPath string
}

// S3Archiver converts preview CSV files to parquet and uploads them.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	log    *logger.Log
}

// NewS3Archiver builds an S3 client from the storage configuration.
func NewS3Archiver(ctx context.Context, cfg appconfig.StorageConfig) (*S3Archiver, error) {
	bucket, err := normalizeBucketName(cfg.S3.Bucket)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				"",
			)))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	a := NewS3ArchiverWithClient(client, bucket, cfg.Archive.Prefix)
	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.S3.Region,
		"endpoint":   cfg.S3.Endpoint,
		"path_style": cfg.S3.PathStyle,
	}).Info("s3 archiver initialized")
	return a, nil
}

// NewS3ArchiverWithClient wraps an existing client.
func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.GetLogger(),
	}
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	bucket = strings.TrimPrefix(bucket, "s3://")
	bucket = strings.TrimSuffix(bucket, "/")
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

// Archive uploads one parquet object per symbol, a table metadata document
// describing them and the sidecar file, and returns the keys written. A
// failing symbol does not stop the others.
func (a *S3Archiver) Archive(ctx context.Context, req ArchiveRequest) ([]string, error) {
	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"task_id": req.TaskID,
		"source":  req.Source,
	})

	if len(req.Fields) == 0 {
		return nil, fmt.Errorf("archive task %s: %w", req.TaskID, ErrNoFields)
	}

	symbols := make([]string, 0, len(req.Files))
	for symbol := range req.Files {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	table := metadata.NewGenerator("s3://"+path.Join(a.bucket, a.objectKey(req, "")), req.Source)

	var (
		keys []string
		errs []error
	)
	for _, symbol := range symbols {
		data, rows, err := csvToParquet(req.Files[symbol], req.Fields)
		if err != nil {
			errs = append(errs, fmt.Errorf("convert %s: %w", symbol, err))
			continue
		}
		key := a.objectKey(req, safeFileName(symbol)+".parquet")
		if err := a.upload(ctx, key, data); err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", symbol, err))
			continue
		}
		keys = append(keys, key)
		table.AddFile(metadata.DataFile{
			Path:        "s3://" + path.Join(a.bucket, key),
			FileSize:    int64(len(data)),
			RecordCount: int64(rows),
			Partition: map[string]string{
				"source":  req.Source,
				"task_id": req.TaskID,
				"symbol":  symbol,
			},
		})
		log.WithFields(logger.Fields{"s3_key": key, "rows": rows, "bytes": len(data)}).Info("symbol archived")
	}

	if table.Len() > 0 {
		data, err := table.Build(time.Now())
		if err != nil {
			errs = append(errs, fmt.Errorf("build metadata: %w", err))
		} else {
			key := a.objectKey(req, metadata.FileName)
			if err := a.upload(ctx, key, data); err != nil {
				errs = append(errs, fmt.Errorf("upload metadata: %w", err))
			} else {
				keys = append(keys, key)
			}
		}
	}

	if req.InfoPath != "" {
		data, err := os.ReadFile(req.InfoPath)
		if err != nil {
			errs = append(errs, fmt.Errorf("read sidecar: %w", err))
		} else {
			key := a.objectKey(req, InfoFileName)
			if err := a.upload(ctx, key, data); err != nil {
				errs = append(errs, fmt.Errorf("upload sidecar: %w", err))
			} else {
				keys = append(keys, key)
			}
		}
	}

	return keys, errors.Join(errs...)
}

func (a *S3Archiver) objectKey(req ArchiveRequest, name string) string {
	return path.Join(a.prefix, req.Source, req.TaskID, name)
}

func (a *S3Archiver) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}

// csvToParquet reads a preview file written by CSVWriter and encodes every
// column as a UTF8 string.
func csvToParquet(csvPath string, fields []string) ([]byte, int, error) {
	f, err := os.Open(csvPath)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	r := csv.NewReader(stripBOM(f))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	if _, err := r.Read(); err != nil {
		return nil, 0, fmt.Errorf("read header: %w", err)
	}

	md := make([]string, len(fields))
	for i, name := range parquetColumnNames(fields) {
		md[i] = fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY", name)
	}

	mw := newMemFileWriter()
	pw, err := pqwriter.NewCSVWriter(md, mw, 4)
	if err != nil {
		return nil, 0, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	rows := 0
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, rows, fmt.Errorf("read row %d: %w", rows+1, err)
		}
		cells := make([]*string, len(fields))
		for i := range fields {
			v := ""
			if i < len(rec) {
				v = rec[i]
			}
			cells[i] = &v
		}
		if err := pw.WriteString(cells); err != nil {
			return nil, rows, err
		}
		rows++
	}
	if err := pw.WriteStop(); err != nil {
		return nil, rows, err
	}
	return mw.Bytes(), rows, nil
}

func stripBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if head, err := br.Peek(len(bom)); err == nil && string(head) == bom {
		_, _ = br.Discard(len(bom))
	}
	return br
}

// parquetColumnNames makes field names safe and unique as parquet columns.
func parquetColumnNames(fields []string) []string {
	out := make([]string, len(fields))
	seen := make(map[string]int, len(fields))
	for i, f := range fields {
		var b strings.Builder
		for _, r := range f {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				b.WriteRune(r)
			default:
				b.WriteByte('_')
			}
		}
		name := b.String()
		if name == "" || (name[0] >= '0' && name[0] <= '9') {
			name = "c_" + name
		}
		if n := seen[name]; n > 0 {
			seen[name] = n + 1
			name = fmt.Sprintf("%s_%d", name, n+1)
		} else {
			seen[name] = 1
		}
		out[i] = name
	}
	return out
}
