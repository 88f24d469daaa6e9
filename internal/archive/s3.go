// package archive moves immutable vault data to object storage: cold-tier
// entry copies marked by the retention manager, and exported audit packs.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/safeharborhq/compliance-vault/internal/canonical"
	"github.com/safeharborhq/compliance-vault/internal/vault"
)

// Archiver uploads canonical vault data to object storage.
type Archiver interface {
	// ArchiveEntry uploads a canonical copy of one entry and returns the
	// object key. The entry itself is untouched.
	ArchiveEntry(ctx context.Context, e *vault.Entry) (string, error)

	// StorePack uploads a serialized audit pack and returns the object key.
	StorePack(ctx context.Context, tenant, packID string, data []byte) (string, error)
}

// S3Archiver writes cold-tier entries to
//
//	s3://<bucket>/<prefix>/vault/<tenant>/YYYY/MM/<sequence>.json
//
// and audit packs to
//
//	s3://<bucket>/<prefix>/packs/<tenant>/<packID>.json
type S3Archiver struct {
	bucket   string
	prefix   string
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3Archiver creates an S3Archiver. Region and credentials come from the
// environment (AWS_REGION, AWS_PROFILE, AWS_ACCESS_KEY_ID/SECRET, ...).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return &S3Archiver{
		bucket:   bucket,
		prefix:   prefix,
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// EntryKey composes the object key for an archived entry.
func (a *S3Archiver) EntryKey(e *vault.Entry) string {
	ts := e.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	year, month, _ := ts.Date()
	return path.Join(a.prefix, "vault", e.Tenant,
		fmt.Sprintf("%04d", year),
		fmt.Sprintf("%02d", int(month)),
		fmt.Sprintf("%d.json", e.Sequence),
	)
}

func (a *S3Archiver) ArchiveEntry(ctx context.Context, e *vault.Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil entry")
	}

	// The uploaded envelope carries every hashed field so an auditor can
	// re-verify the archived copy without touching the live store.
	envelope := map[string]interface{}{
		"id":             e.ID.String(),
		"tenant":         e.Tenant,
		"sequenceNumber": e.Sequence,
		"entryType":      string(e.EntryType),
		"payload":        e.Payload,
		"payloadHash":    e.PayloadHash,
		"actor":          e.Actor,
		"actorType":      string(e.ActorType),
		"subjectId":      e.SubjectID,
		"previousHash":   e.PrevHash,
		"entryHash":      e.EntryHash,
		"createdAt":      e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	body, err := canonical.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}

	key := a.EntryKey(e)
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		// SSE-S3 at rest.
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}

func (a *S3Archiver) StorePack(ctx context.Context, tenant, packID string, data []byte) (string, error) {
	key := path.Join(a.prefix, "packs", tenant, packID+".json")
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(a.bucket),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", fmt.Errorf("s3 upload failed: %w", err)
	}
	return key, nil
}
