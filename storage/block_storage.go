package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vultisig/multisigner/config"
	"github.com/vultisig/multisigner/internal/types"
)

// BlockStorage archives finished proposals, signatures included, to an S3
// compatible bucket for audit.
type BlockStorage struct {
	bucket   string
	s3Client *s3.S3
	logger   *logrus.Logger
}

func NewBlockStorage(cfg config.BlockStorageConfig, logger *logrus.Logger) (*BlockStorage, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("block storage bucket is required")
	}
	sess, err := session.NewSession(&aws.Config{
		Region:           aws.String(cfg.Region),
		Endpoint:         aws.String(cfg.Host),
		Credentials:      credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	return &BlockStorage{
		bucket:   cfg.Bucket,
		s3Client: s3.New(sess),
		logger:   logger,
	}, nil
}

func proposalKey(walletID, proposalID uuid.UUID) string {
	return fmt.Sprintf("proposals/%s/%s.json", walletID, proposalID)
}

func (bs *BlockStorage) ArchiveProposal(ctx context.Context, p types.Proposal) error {
	content, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("fail to serialize proposal, err: %w", err)
	}
	return bs.UploadFile(ctx, content, proposalKey(p.WalletID, p.ID))
}

func (bs *BlockStorage) GetArchivedProposal(ctx context.Context, walletID, proposalID uuid.UUID) (types.Proposal, error) {
	content, err := bs.GetFile(ctx, proposalKey(walletID, proposalID))
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return types.Proposal{}, types.ErrProposalNotFound
		}
		return types.Proposal{}, err
	}
	var p types.Proposal
	if err := json.Unmarshal(content, &p); err != nil {
		return types.Proposal{}, fmt.Errorf("fail to deserialize proposal, err: %w", err)
	}
	return p, nil
}

func (bs *BlockStorage) UploadFile(ctx context.Context, fileContent []byte, fileName string) error {
	bs.logger.Infoln("upload file", fileName, "bucket", bs.bucket, "content length", len(fileContent))
	output, err := bs.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bs.bucket),
		Key:           aws.String(fileName),
		Body:          aws.ReadSeekCloser(bytes.NewReader(fileContent)),
		ContentLength: aws.Int64(int64(len(fileContent))),
		ContentType:   aws.String("application/json"),
	})
	if err != nil {
		bs.logger.Error(err)
		return err
	}
	if output != nil {
		bs.logger.Infof("upload file %s success, version id: %s", fileName, aws.StringValue(output.VersionId))
	}
	return nil
}

func (bs *BlockStorage) GetFile(ctx context.Context, fileName string) ([]byte, error) {
	output, err := bs.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bs.bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		bs.logger.Error("error getting file: ", err)
		return nil, err
	}
	defer func() {
		if err := output.Body.Close(); err != nil {
			bs.logger.Error(err)
		}
	}()
	return io.ReadAll(output.Body)
}
