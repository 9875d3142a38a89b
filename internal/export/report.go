package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"campaign-dialer/internal/config"
	"campaign-dialer/internal/models"
)

// RunReport is the archived summary of a finalized run.
type RunReport struct {
	RunID          string       `json:"run_id"`
	TenantID       string       `json:"tenant_id"`
	CreatedBy      string       `json:"created_by"`
	Status         string       `json:"status"`
	TotalJobs      int          `json:"total_jobs"`
	CursorPosition int          `json:"cursor_position"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	Jobs           []JobSummary `json:"jobs"`
}

// JobSummary is one lead's outcome within the report.
type JobSummary struct {
	JobID         string  `json:"job_id"`
	LeadID        string  `json:"lead_id"`
	Status        string  `json:"status"`
	AttemptCount  int     `json:"attempt_count"`
	CallReference *string `json:"call_reference,omitempty"`
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter writes run reports to S3 when a bucket is configured, or a
// local directory otherwise.
type Exporter struct {
	dest uploader
}

// NewExporter picks the destination from config.
func NewExporter(ctx context.Context, cfg config.Config) (*Exporter, error) {
	if cfg.ReportS3Bucket == "" {
		return &Exporter{dest: &localUploader{baseDir: cfg.ReportOutputDir}}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Exporter{dest: &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}}, nil
}

// Export serializes and uploads the report of one finalized run.
func (e *Exporter) Export(ctx context.Context, run models.Run, jobs []models.Job) error {
	report := RunReport{
		RunID:          run.ID,
		TenantID:       run.TenantID,
		CreatedBy:      run.CreatedBy,
		Status:         string(run.Status),
		TotalJobs:      run.TotalJobs,
		CursorPosition: run.CursorPosition,
		StartedAt:      run.StartedAt,
		EndedAt:        run.EndedAt,
		Jobs:           make([]JobSummary, 0, len(jobs)),
	}
	for _, job := range jobs {
		report.Jobs = append(report.Jobs, JobSummary{
			JobID:         job.ID,
			LeadID:        job.LeadID,
			Status:        string(job.Status),
			AttemptCount:  job.AttemptCount,
			CallReference: job.CallReference,
		})
	}

	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	key := fmt.Sprintf("%s/%s.json", run.TenantID, run.ID)
	if _, err := e.dest.Upload(ctx, key, body, "application/json"); err != nil {
		return fmt.Errorf("upload report: %w", err)
	}
	return nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReportS3Region),
	}
	if cfg.ReportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ReportS3Endpoint,
					HostnameImmutable: cfg.ReportS3PathStyle,
					SigningRegion:     cfg.ReportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
