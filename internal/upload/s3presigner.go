package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Presigner adapts *s3.PresignClient and *s3.Client to this package's
// Presigner interface.
type S3Presigner struct {
	presign *s3.PresignClient
	client  *s3.Client
}

func NewS3Presigner(client *s3.Client) *S3Presigner {
	return &S3Presigner{presign: s3.NewPresignClient(client), client: client}
}

// NewS3PresignerFromDefaultConfig loads the ambient AWS SDK config and wires
// a single S3 client and presign client from it.
func NewS3PresignerFromDefaultConfig(ctx context.Context) (*S3Presigner, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("upload: load SDK config: %w", err)
	}
	return NewS3Presigner(s3.NewFromConfig(cfg)), nil
}

func (p *S3Presigner) PresignPutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*PresignedRequest, error) {
	req, err := p.presign.PresignPutObject(ctx, input, optFns...)
	if err != nil {
		return nil, err
	}
	return &PresignedRequest{URL: req.URL, Method: req.Method}, nil
}

func (p *S3Presigner) HeadObject(ctx context.Context, bucket, key string) (bool, error) {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, err
}
