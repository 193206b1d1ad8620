// Package archive copies generated prompt artifacts to object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/canonical"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

// Archiver stores an artifact and returns the object key it was written to.
type Archiver interface {
	Archive(ctx context.Context, artifact models.GeneratedArtifact) (string, error)
}

type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, models.GeneratedArtifact) (string, error) {
	return "", nil
}

type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver writes artifacts to
//
//	s3://<bucket>/<prefix>/prompts/<tenantID>/v000042.json
type S3Archiver struct {
	bucket   string
	prefix   string
	uploader uploader
}

// NewS3Archiver picks up region and credentials from the standard AWS environment.
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
	}, nil
}

func ObjectKey(prefix string, tenantID string, version int64) string {
	return path.Join(prefix, "prompts", tenantID, fmt.Sprintf("v%06d.json", version))
}

func (s *S3Archiver) Archive(ctx context.Context, artifact models.GeneratedArtifact) (string, error) {
	if artifact.TenantID == "" || artifact.Version <= 0 {
		return "", fmt.Errorf("artifact missing tenant or version")
	}
	body, err := canonical.Marshal(envelope(artifact))
	if err != nil {
		return "", fmt.Errorf("canonicalize artifact: %w", err)
	}
	key := ObjectKey(s.prefix, artifact.TenantID, artifact.Version)
	_, err = s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			"tenant-id":     artifact.TenantID,
			"snapshot-hash": artifact.SnapshotHash,
		},
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload %s: %w", key, err)
	}
	return key, nil
}

func envelope(a models.GeneratedArtifact) map[string]interface{} {
	env := map[string]interface{}{
		"tenantId":       a.TenantID,
		"version":        a.Version,
		"primaryContent": a.PrimaryContent,
		"snapshotHash":   a.SnapshotHash,
		"generatedAt":    a.GeneratedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.SecondaryContent != "" {
		env["secondaryContent"] = a.SecondaryContent
		env["secondaryLanguage"] = a.SecondaryLanguage
	}
	return env
}
