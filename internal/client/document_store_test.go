package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appConfig "presence-service/internal/config"
)

type fakeS3 struct {
	objects map[string]string
	err     error
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = string(data)
	return &s3.PutObjectOutput{}, nil
}

func TestS3DocumentStore_RoundTrip(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{}}
	store := &S3DocumentStore{client: fake, bucket: "docs"}
	ctx := context.Background()
	ws := uuid.New()

	content, err := store.Get(ctx, ws)
	require.NoError(t, err)
	assert.Empty(t, content, "missing document reads as empty")

	require.NoError(t, store.Put(ctx, ws, "package main\n"))
	assert.Contains(t, fake.objects, "docs/presence/workspaces/"+ws.String()+"/document.txt")

	content, err = store.Get(ctx, ws)
	require.NoError(t, err)
	assert.Equal(t, "package main\n", content)
}

func TestS3DocumentStore_Errors(t *testing.T) {
	store := &S3DocumentStore{client: &fakeS3{err: errors.New("access denied")}, bucket: "docs"}

	_, err := store.Get(context.Background(), uuid.New())
	assert.ErrorContains(t, err, "access denied")
	assert.ErrorContains(t, store.Put(context.Background(), uuid.New(), "x"), "access denied")
}

func TestNewS3DocumentStore_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  appConfig.S3Config
		want string
	}{
		{"no bucket", appConfig.S3Config{Region: "us-east-1"}, "bucket"},
		{"no region", appConfig.S3Config{Bucket: "b"}, "region"},
		{"endpoint without keys", appConfig.S3Config{Bucket: "b", Region: "us-east-1", Endpoint: "http://minio:9000"}, "access key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewS3DocumentStore(context.Background(), tt.cfg)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestMemoryDocumentStore(t *testing.T) {
	store := NewMemoryDocumentStore()
	ws := uuid.New()

	content, err := store.Get(context.Background(), ws)
	require.NoError(t, err)
	assert.Empty(t, content)

	require.NoError(t, store.Put(context.Background(), ws, "hello"))
	content, _ = store.Get(context.Background(), ws)
	assert.Equal(t, "hello", content)
}
