// Package archive stores canvas artifacts (snapshot payloads and export
// files) in S3-compatible object storage.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Artifact describes one stored object.
type Artifact struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Service, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &Service{client: client, bucket: bucket}, nil
}

// PutSnapshot archives a snapshot payload under its commit hash.
func (s *Service) PutSnapshot(ctx context.Context, canvasID, hash string, payload []byte) (string, error) {
	key := path.Join("snapshots", canvasID, hash+".json")
	return key, s.put(ctx, key, payload, "application/json")
}

// PutExport archives an export file.
func (s *Service) PutExport(ctx context.Context, canvasID, filename, mimeType string, payload []byte) (string, error) {
	key := path.Join("exports", canvasID, filename)
	return key, s.put(ctx, key, payload, mimeType)
}

func (s *Service) put(ctx context.Context, key string, payload []byte, mimeType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key,
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: mimeType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Get reads an archived artifact back.
func (s *Service) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(obj); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// ListCanvas lists archived artifacts for a canvas, newest first.
func (s *Service) ListCanvas(ctx context.Context, canvasID string) ([]Artifact, error) {
	var artifacts []Artifact
	for _, prefix := range []string{"snapshots/" + canvasID + "/", "exports/" + canvasID + "/"} {
		for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
		}) {
			if info.Err != nil {
				return nil, fmt.Errorf("list %s: %w", prefix, info.Err)
			}
			artifacts = append(artifacts, Artifact{
				Key:          info.Key,
				Size:         info.Size,
				LastModified: info.LastModified,
			})
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].LastModified.After(artifacts[j].LastModified)
	})
	return artifacts, nil
}
