package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	appConfig "presence-service/internal/config"
)

// DocumentStore holds the text of each workspace's shared document. A
// workspace without a document reads as empty.
type DocumentStore interface {
	Get(ctx context.Context, workspaceID uuid.UUID) (string, error)
	Put(ctx context.Context, workspaceID uuid.UUID, content string) error
}

// s3API is the part of *s3.Client the store uses
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3DocumentStore keeps one object per workspace
type S3DocumentStore struct {
	client s3API
	bucket string
}

// NewS3DocumentStore creates a store from cfg. A non-empty endpoint selects
// MinIO-style path addressing with static credentials.
func NewS3DocumentStore(ctx context.Context, cfg appConfig.S3Config) (*S3DocumentStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("S3 bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("S3 region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Endpoint != "" {
		if cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, fmt.Errorf("access key and secret key are required for a custom S3 endpoint")
		}
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3DocumentStore{client: client, bucket: cfg.Bucket}, nil
}

func documentKey(workspaceID uuid.UUID) string {
	return fmt.Sprintf("presence/workspaces/%s/document.txt", workspaceID)
}

func (s *S3DocumentStore) Get(ctx context.Context, workspaceID uuid.UUID) (string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(documentKey(workspaceID)),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get document: %w", err)
	}
	defer out.Body.Close()

	var b strings.Builder
	if _, err := io.Copy(&b, out.Body); err != nil {
		return "", fmt.Errorf("failed to read document: %w", err)
	}
	return b.String(), nil
}

func (s *S3DocumentStore) Put(ctx context.Context, workspaceID uuid.UUID, content string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(documentKey(workspaceID)),
		Body:        bytes.NewReader([]byte(content)),
		ContentType: aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("failed to put document: %w", err)
	}
	return nil
}

// MemoryDocumentStore is a DocumentStore for tests and S3-less deployments
type MemoryDocumentStore struct {
	mu   sync.RWMutex
	docs map[uuid.UUID]string
}

func NewMemoryDocumentStore() *MemoryDocumentStore {
	return &MemoryDocumentStore{docs: make(map[uuid.UUID]string)}
}

func (s *MemoryDocumentStore) Get(_ context.Context, workspaceID uuid.UUID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.docs[workspaceID], nil
}

func (s *MemoryDocumentStore) Put(_ context.Context, workspaceID uuid.UUID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[workspaceID] = content
	return nil
}
