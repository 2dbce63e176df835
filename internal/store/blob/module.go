package blob

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/fx"

	"github.com/obscura-chat/obscura-server/config"
)

var Module = fx.Module(
	"blob",

	fx.Provide(
		NewClient,
		fx.Annotate(
			NewFromGlobalConfig,
			fx.As(new(Store)),
		),
	),
)

// NewClient builds an s3.Client honoring an optional static credential
// pair and a custom endpoint, so the same code path targets AWS S3 in
// production and a MinIO/LocalStack endpoint in development.
func NewClient(cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3.Region),
	}
	if cfg.S3.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = &cfg.S3.Endpoint
		}
		o.UsePathStyle = cfg.S3.ForcePathStyle
	}), nil
}

func NewFromGlobalConfig(client *s3.Client, cfg *config.Config) Store {
	return New(client, cfg.S3.Bucket)
}
