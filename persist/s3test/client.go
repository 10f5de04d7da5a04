// Package s3test provides S3 buckets for tests: an in-process fake by
// default, or a real endpoint when CRDTREE_TEST_S3_ENDPOINT is set.
package s3test

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
)

// Bucket is where a test may store objects: anything under Prefix in
// the bucket Name.
type Bucket struct {
	Client *s3.S3
	Name   string
	Prefix string
}

// New returns a bucket that is cleaned up when the test ends. With
// CRDTREE_TEST_S3_BUCKET set, tests share that bucket, each under its own
// prefix; otherwise every test gets a new bucket.
func New(tb testing.TB) *Bucket {
	tb.Helper()
	var client *s3.S3
	if endpoint := os.Getenv("CRDTREE_TEST_S3_ENDPOINT"); endpoint != "" {
		config := aws.Config{
			Credentials: credentials.NewStaticCredentials(
				getEnv(tb, "AWS_ACCESS_KEY_ID"),
				getEnv(tb, "AWS_SECRET_ACCESS_KEY"),
				os.Getenv("AWS_SESSION_TOKEN"),
			),
			Endpoint:         aws.String(endpoint),
			S3ForcePathStyle: aws.Bool(true),
			Region:           aws.String("us-east-1"),
		}
		// With AWS_REGION set, let the SDK pick the real endpoint.
		if region := os.Getenv("AWS_REGION"); region != "" {
			config.Region = aws.String(region)
			config.Endpoint = nil
		}
		sess, err := session.NewSession(&config)
		if err != nil {
			tb.Fatalf("s3 session: %v", err)
		}
		client = s3.New(sess)
	} else {
		ts := httptest.NewServer(gofakes3.New(s3mem.New()).Server())
		tb.Cleanup(ts.Close)
		sess, err := session.NewSession(&aws.Config{
			Credentials: credentials.NewStaticCredentials(
				"TEST-ACCESSKEYID",
				"TEST-SECRETACCESSKEY",
				"",
			),
			Endpoint:         aws.String(ts.URL),
			Region:           aws.String("ca-west-1"),
			DisableSSL:       aws.Bool(true),
			S3ForcePathStyle: aws.Bool(true),
		})
		if err != nil {
			tb.Fatalf("s3 session: %v", err)
		}
		client = s3.New(sess)
	}

	b := &Bucket{Client: client, Name: os.Getenv("CRDTREE_TEST_S3_BUCKET")}
	if b.Name != "" {
		b.Prefix = randName("test") + "/"
	} else {
		b.Name = randName("bucket")
		if _, err := client.CreateBucket(&s3.CreateBucketInput{Bucket: &b.Name}); err != nil {
			tb.Fatalf("create bucket %s: %v", b.Name, err)
		}
	}
	tb.Cleanup(func() {
		if err := b.empty(); err != nil {
			tb.Logf("emptying %s/%s: %v", b.Name, b.Prefix, err)
		}
	})
	return b
}

func getEnv(tb testing.TB, key string) string {
	res := os.Getenv(key)
	if res == "" {
		tb.Fatalf("environment '%s' unset", key)
	}
	return res
}

func randName(prefix string) string {
	i, err := rand.Int(rand.Reader, big.NewInt(math.MaxUint32))
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%s-%s", prefix, i)
}

// empty deletes everything under the bucket's prefix.
func (b *Bucket) empty() error {
	var deleteErr error
	err := b.Client.ListObjectsV2Pages(&s3.ListObjectsV2Input{
		Bucket: &b.Name,
		Prefix: &b.Prefix,
	}, func(page *s3.ListObjectsV2Output, last bool) bool {
		if len(page.Contents) == 0 {
			return false
		}
		objects := make([]*s3.ObjectIdentifier, 0, len(page.Contents))
		for _, object := range page.Contents {
			objects = append(objects, &s3.ObjectIdentifier{Key: object.Key})
		}
		_, deleteErr = b.Client.DeleteObjects(&s3.DeleteObjectsInput{
			Bucket: &b.Name,
			Delete: &s3.Delete{Objects: objects},
		})
		return deleteErr == nil
	})
	if err != nil {
		return err
	}
	return deleteErr
}
