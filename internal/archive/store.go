// Package archive copies deleted threads to S3-compatible object storage
// before they disappear from the live store.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/agentchan/internal/types"
	"go.uber.org/zap"
)

// S3API is the subset of the S3 client the archive uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

type Config struct {
	Bucket       string
	Prefix       string
	StorageClass string
}

// Store writes one JSON document per thread.
type Store struct {
	s3     S3API
	cfg    Config
	logger *zap.Logger
}

func NewStore(s3api S3API, cfg Config, logger *zap.Logger) *Store {
	return &Store{s3: s3api, cfg: cfg, logger: logger}
}

func (s *Store) objectKey(board string, thread uint64) string {
	if s.cfg.Prefix != "" {
		return fmt.Sprintf("%s/%s/threads/%010d.json", s.cfg.Prefix, board, thread)
	}
	return fmt.Sprintf("%s/threads/%010d.json", board, thread)
}

// Archive uploads snap, overwriting any earlier copy of the same thread.
func (s *Store) Archive(ctx context.Context, snap *types.ThreadSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding thread snapshot: %w", err)
	}

	key := s.objectKey(snap.Board, snap.Root.Number)
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"agentchan-board":   snap.Board,
			"agentchan-thread":  strconv.FormatUint(snap.Root.Number, 10),
			"agentchan-replies": strconv.Itoa(len(snap.Replies)),
		},
	}
	if s.cfg.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}

	if _, err := s.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("uploading thread to S3: %w", err)
	}

	s.logger.Debug("thread archived",
		zap.String("board", snap.Board),
		zap.Uint64("thread", snap.Root.Number),
		zap.String("key", key),
		zap.Int("size", len(data)),
	)
	return nil
}

// Get downloads an archived thread.
func (s *Store) Get(ctx context.Context, board string, thread uint64) (*types.ThreadSnapshot, error) {
	resp, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(board, thread)),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, types.NotFound("thread /%s/%d is not archived", board, thread)
		}
		return nil, fmt.Errorf("downloading thread from S3: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading S3 response: %w", err)
	}
	var snap types.ThreadSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("decoding archived thread: %w", err)
	}
	return &snap, nil
}

// Exists reports whether a thread has been archived.
func (s *Store) Exists(ctx context.Context, board string, thread uint64) (bool, error) {
	_, err := s.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(board, thread)),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("checking archived thread: %w", err)
	}
	return true, nil
}

// Ping checks that the archive bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.cfg.Bucket),
	})
	return err
}
