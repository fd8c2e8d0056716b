// Package archive uploads reconciliation reports to S3 compatible storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
	"github.com/blnkfinance/payouts/config"
	"github.com/blnkfinance/payouts/model"
)

type Archiver interface {
	// Archive stores report and returns its location.
	Archive(ctx context.Context, report *model.ReconcileReport) (string, error)
}

type S3Archiver struct {
	uploader s3manageriface.UploaderAPI
	bucket   string
	prefix   string
}

func NewS3Archiver(cfg config.ArchiveConfig) (*S3Archiver, error) {
	awsCfg := aws.NewConfig().WithRegion(cfg.S3Region)
	if cfg.AwsAccessKeyId != "" {
		awsCfg = awsCfg.WithCredentials(credentials.NewStaticCredentials(cfg.AwsAccessKeyId, cfg.AwsSecretAccessKey, ""))
	}
	if cfg.S3Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.S3Endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return NewS3ArchiverWithUploader(s3manager.NewUploader(sess), cfg.S3BucketName, cfg.Prefix), nil
}

func NewS3ArchiverWithUploader(uploader s3manageriface.UploaderAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{uploader: uploader, bucket: bucket, prefix: prefix}
}

// Key lays reports out by day, e.g. payouts/reconciliation/2025/03/14/rec_x.json.
func (a *S3Archiver) Key(report *model.ReconcileReport) string {
	return path.Join(a.prefix, "reconciliation", report.StartedAt.UTC().Format("2006/01/02"), report.ReportID+".json")
}

func (a *S3Archiver) Archive(ctx context.Context, report *model.ReconcileReport) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}
	out, err := a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(a.Key(report)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("uploading reconciliation report %s: %w", report.ReportID, err)
	}
	return out.Location, nil
}
