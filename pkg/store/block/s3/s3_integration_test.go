//go:build integration

package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittosnap/pkg/store/block"
	storetesting "github.com/marmos91/dittosnap/pkg/store/block/testing"
)

// TestS3BlockStore_Integration runs the conformance suite against a real
// S3-compatible service.
//
// Prerequisites:
//   - Localstack running on localhost:4566 (or LOCALSTACK_ENDPOINT)
//   - Run with: go test -tags=integration ./pkg/store/block/s3/...
//
// To start Localstack:
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestS3BlockStore_Integration(t *testing.T) {
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	client, err := NewClient(ctx, ClientConfig{
		Region:          "us-east-1",
		Endpoint:        endpoint,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		MaxRetries:      2,
	})
	require.NoError(t, err)

	bucket := "dittosnap-test-bucket"
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)
	t.Cleanup(func() { cleanupBucket(t, client, bucket) })

	run := 0
	suite := &storetesting.StoreTestSuite{
		NewStore: func(t *testing.T) block.Store {
			run++
			store, err := NewS3BlockStore(ctx, S3BlockStoreConfig{
				Client:    client,
				Bucket:    bucket,
				KeyPrefix: fmt.Sprintf("run-%d-%d/", time.Now().UnixNano(), run),
			})
			require.NoError(t, err)
			return store
		},
	}
	suite.Run(t)
}

func cleanupBucket(t *testing.T, client *s3.Client, bucket string) {
	ctx := context.Background()

	paginator := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			t.Logf("cleanup: list failed: %v", err)
			return
		}
		for _, obj := range page.Contents {
			_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key})
		}
	}
	_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
}
