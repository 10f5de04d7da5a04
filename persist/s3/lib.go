package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/jrhy/crdtree"
)

type S3Interface interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
}

// Persist implements the crdtree.Persist interface for storing and loading
// log entries and snapshots as S3 objects.
type Persist struct {
	s3         S3Interface
	BucketName string
	Prefix     string
	lru        *simplelru.LRU
}

// Load loads the bytes persisted in the named object.
func (p *Persist) Load(ctx context.Context, name string) ([]byte, error) {
	input := s3.GetObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
	}
	output, err := p.s3.GetObjectWithContext(ctx, &input)
	if err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%s%s: %w", p.Prefix, name, crdtree.ErrNotFound)
		}
		return nil, err
	}
	defer output.Body.Close()
	b, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, err
	}
	p.lru.Add(name, nil)
	return b, nil
}

func notFound(err error) bool {
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
		return true
	}
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// Store persists the given bytes in an object of the given name. Names
// already stored or loaded through this Persist are skipped.
func (p *Persist) Store(ctx context.Context, name string, b []byte) error {
	if _, present := p.lru.Get(name); present {
		return nil
	}
	input := s3.PutObjectInput{
		Bucket: &p.BucketName,
		Key:    aws.String(p.Prefix + name),
		Body:   bytes.NewReader(b),
	}
	_, err := p.s3.PutObjectWithContext(ctx, &input)
	if err != nil {
		return err
	}
	p.lru.Add(name, nil)
	return nil
}

// NewPersist returns a Persist that loads and stores blobs as
// objects with the given S3 client and bucket name, under prefix.
func NewPersist(client S3Interface, bucketName, prefix string) *Persist {
	lru, err := simplelru.NewLRU(1000, nil)
	if err != nil {
		panic(err)
	}
	return &Persist{client, bucketName, prefix, lru}
}
