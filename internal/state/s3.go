package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/tidemark-io/tidemark/internal/ir"
)

// S3Store keeps one JSON object per deployment in an S3 bucket, with an
// optional DynamoDB table for locking. Version checks run within the
// read-modify-write cycle; the lock is what keeps two executors off the
// same deployment.
type S3Store struct {
	bucket   string
	prefix   string
	region   string
	table    string // DynamoDB lock table, optional
	encrypt  bool
	profile  string
	s3Client *s3.Client
	dbClient *dynamodb.Client
}

// S3Config configures the S3 state store.
type S3Config struct {
	Bucket        string
	Prefix        string
	Region        string
	DynamoDBTable string
	Encrypt       bool
	Profile       string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 store requires a bucket")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	s := &S3Store{
		bucket:  cfg.Bucket,
		prefix:  cfg.Prefix,
		region:  region,
		table:   cfg.DynamoDBTable,
		encrypt: cfg.Encrypt,
		profile: cfg.Profile,
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(s.region))
	if s.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(s.profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	s.s3Client = s3.NewFromConfig(awsCfg)
	if s.table != "" {
		s.dbClient = dynamodb.NewFromConfig(awsCfg)
	}
	return s, nil
}

func (s *S3Store) objectKey(deployment string) string {
	if s.prefix == "" {
		return deployment + ".json"
	}
	return s.prefix + "/" + deployment + ".json"
}

func (s *S3Store) load(ctx context.Context, deployment string) (map[string]*ir.AppliedRecord, error) {
	result, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(deployment)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) || strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return map[string]*ir.AppliedRecord{}, nil
		}
		return nil, fmt.Errorf("failed to read state from s3://%s/%s: %w", s.bucket, s.objectKey(deployment), err)
	}
	defer result.Body.Close()

	raw, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}
	if IsEncrypted(raw) {
		raw, err = DecryptState(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt remote state: %w", err)
		}
	}

	records := map[string]*ir.AppliedRecord{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, fmt.Errorf("state object for %s is corrupt: %w", deployment, err)
		}
	}
	return records, nil
}

func (s *S3Store) save(ctx context.Context, deployment string, records map[string]*ir.AppliedRecord) error {
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}
	encrypted, err := EncryptState(raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt state: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(deployment)),
		Body:   bytes.NewReader(encrypted),
	}
	if s.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}
	if _, err := s.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to s3://%s/%s: %w", s.bucket, s.objectKey(deployment), err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, deployment, node string) (*ir.AppliedRecord, error) {
	records, err := s.load(ctx, deployment)
	if err != nil {
		return nil, err
	}
	rec, ok := records[node]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *S3Store) Put(ctx context.Context, deployment, node string, rec *ir.AppliedRecord) error {
	records, err := s.load(ctx, deployment)
	if err != nil {
		return err
	}
	if current, ok := records[node]; ok {
		if current.Version != rec.Version {
			return &StaleWriteError{Deployment: deployment, Node: node, Expected: rec.Version, Actual: current.Version}
		}
	} else if rec.Version != 0 {
		return &StaleWriteError{Deployment: deployment, Node: node, Expected: rec.Version, Actual: 0}
	}

	stored := *rec
	stored.Version = rec.Version + 1
	records[node] = &stored
	return s.save(ctx, deployment, records)
}

func (s *S3Store) Delete(ctx context.Context, deployment, node string) error {
	records, err := s.load(ctx, deployment)
	if err != nil {
		return err
	}
	if _, ok := records[node]; !ok {
		return ErrNotFound
	}
	delete(records, node)
	return s.save(ctx, deployment, records)
}

func (s *S3Store) List(ctx context.Context, deployment string) (map[string]*ir.AppliedRecord, error) {
	return s.load(ctx, deployment)
}

// Lock acquires the DynamoDB lock item for the deployment. Without a
// lock table configured, locking is a no-op.
func (s *S3Store) Lock(deployment string) error {
	if s.table == "" {
		return nil
	}

	info := fmt.Sprintf("tidemark-%d-%d", os.Getpid(), time.Now().UnixNano())
	_, err := s.dbClient.PutItem(context.Background(), &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: s.objectKey(deployment)},
			"Info":    &dbtypes.AttributeValueMemberS{Value: info},
			"Created": &dbtypes.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		if strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return fmt.Errorf("deployment %s is locked by another process. If this is an error, "+
				"manually delete the lock item with LockID=%q from DynamoDB table %q",
				deployment, s.objectKey(deployment), s.table)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// Unlock releases the DynamoDB lock item.
func (s *S3Store) Unlock(deployment string) error {
	if s.table == "" {
		return nil
	}

	_, err := s.dbClient.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
		TableName: aws.String(s.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: s.objectKey(deployment)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
