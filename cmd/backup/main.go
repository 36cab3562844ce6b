// Command backup dumps the postgres database, compresses the dump and
// uploads it to the backup bucket, keeping only the newest N dumps.
// It is meant to run as a cron container next to the API.
package main

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kelseyhightower/envconfig"
)

const keyPrefix = "scholargraph-"

type backupConfig struct {
	PostgresHost     string        `envconfig:"POSTGRES_HOST" required:"true"`
	PostgresUser     string        `envconfig:"POSTGRES_USER" required:"true"`
	PostgresPassword string        `envconfig:"POSTGRES_PASSWORD" required:"true"`
	PostgresDB       string        `envconfig:"POSTGRES_DB" required:"true"`
	Bucket           string        `envconfig:"BACKUP_S3_BUCKET" required:"true"`
	Endpoint         string        `envconfig:"BACKUP_S3_ENDPOINT" required:"true"`
	AccessKey        string        `envconfig:"BACKUP_S3_ACCESS_KEY" required:"true"`
	SecretKey        string        `envconfig:"BACKUP_S3_SECRET_KEY" required:"true"`
	Region           string        `envconfig:"BACKUP_S3_REGION" required:"true"`
	Keep             int           `envconfig:"KEEP_BACKUPS" default:"4"`
	Timeout          time.Duration `envconfig:"BACKUP_TIMEOUT" default:"10m"`
}

func main() {
	var cfg backupConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("Config load error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Backup run failed: %v", err)
	}
	log.Println("Backup run completed.")
}

func run(ctx context.Context, cfg backupConfig) error {
	log.Printf("Dumping database %q...", cfg.PostgresDB)
	dump, err := dumpDatabase(ctx, cfg)
	if err != nil {
		return fmt.Errorf("pg_dump: %w", err)
	}

	client, err := newClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("s3 client: %w", err)
	}

	key := keyPrefix + time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".sql.gz"
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(dump),
		ContentType: aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	log.Printf("Backup uploaded to s3://%s/%s (%d bytes)", cfg.Bucket, key, len(dump))

	if err := rotate(ctx, client, cfg); err != nil {
		return fmt.Errorf("rotate: %w", err)
	}
	return nil
}

// dumpDatabase runs pg_dump and gzips its output in memory.
func dumpDatabase(ctx context.Context, cfg backupConfig) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pg_dump",
		"-h", cfg.PostgresHost,
		"-U", cfg.PostgresUser,
		"-d", cfg.PostgresDB,
		"-w", // password comes in via PGPASSWORD
	)
	cmd.Env = append(os.Environ(), "PGPASSWORD="+cfg.PostgresPassword)

	raw, err := cmd.Output()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func newClient(ctx context.Context, cfg backupConfig) (*s3.Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: cfg.Endpoint}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, err
	}
	return s3.NewFromConfig(awsCfg), nil
}

// rotate deletes the oldest dumps beyond cfg.Keep. Only objects under our
// prefix are touched, the bucket may hold other artifacts.
func rotate(ctx context.Context, client *s3.Client, cfg backupConfig) error {
	out, err := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.Bucket),
		Prefix: aws.String(keyPrefix),
	})
	if err != nil {
		return err
	}

	excess := len(out.Contents) - cfg.Keep
	if excess <= 0 {
		return nil
	}

	// oldest first
	sort.Slice(out.Contents, func(i, j int) bool {
		return out.Contents[i].LastModified.Before(*out.Contents[j].LastModified)
	})

	for _, obj := range out.Contents[:excess] {
		log.Printf("Deleting old backup: %s", *obj.Key)
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.Bucket),
			Key:    obj.Key,
		}); err != nil {
			log.Printf("Could not delete %s: %v", *obj.Key, err)
		}
	}
	return nil
}
