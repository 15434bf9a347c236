package evidence

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const metaContentHash = "content-sha256"

// S3Store implements Store on AWS S3 or an S3-compatible endpoint. The
// incoming and audit buckets are separate; keys follow {case_id}/{object}.
type S3Store struct {
	client         *s3.Client
	incomingBucket string
	auditBucket    string
}

// S3StoreConfig holds configuration for S3Store.
type S3StoreConfig struct {
	Region         string
	Endpoint       string // optional custom endpoint (MinIO, LocalStack)
	IncomingBucket string
	AuditBucket    string
}

// NewS3Store creates an S3-backed evidence store.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}

	return &S3Store{
		client:         s3.NewFromConfig(awsCfg, clientOpts),
		incomingBucket: cfg.IncomingBucket,
		auditBucket:    cfg.AuditBucket,
	}, nil
}

func (s *S3Store) PutOriginal(ctx context.Context, caseID, fileName string, data []byte) (ObjectRef, error) {
	return s.put(ctx, s.incomingBucket, caseID, "original", fileExt(fileName), "application/octet-stream", data)
}

func (s *S3Store) GetOriginal(ctx context.Context, caseID string) (ObjectRef, []byte, error) {
	return s.getLatest(ctx, s.incomingBucket, caseID, "original")
}

func (s *S3Store) PutArtifact(ctx context.Context, caseID string, name ArtifactName, data []byte) (ObjectRef, error) {
	if !name.Valid() {
		return ObjectRef{}, fmt.Errorf("evidence: unknown artifact name %q", name)
	}
	return s.put(ctx, s.auditBucket, caseID, string(name), ".json", "application/json", data)
}

func (s *S3Store) GetArtifact(ctx context.Context, caseID string, name ArtifactName) (ObjectRef, []byte, error) {
	if !name.Valid() {
		return ObjectRef{}, nil, fmt.Errorf("evidence: unknown artifact name %q", name)
	}
	return s.getLatest(ctx, s.auditBucket, caseID, string(name))
}

func (s *S3Store) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket != s.incomingBucket && bucket != s.auditBucket {
		return nil, fmt.Errorf("evidence: unknown bucket %q", bucket)
	}
	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("evidence: s3 get %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = result.Body.Close() }()
	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("evidence: s3 read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *S3Store) ListCase(ctx context.Context, caseID string) ([]ObjectRef, error) {
	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	var refs []ObjectRef
	for _, bucket := range []string{s.incomingBucket, s.auditBucket} {
		bucketRefs, err := s.list(ctx, bucket, caseID+"/")
		if err != nil {
			return nil, err
		}
		refs = append(refs, bucketRefs...)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Bucket != refs[j].Bucket {
			return refs[i].Bucket < refs[j].Bucket
		}
		return refs[i].Key < refs[j].Key
	})
	return refs, nil
}

func (s *S3Store) put(ctx context.Context, bucket, caseID, base, ext, contentType string, data []byte) (ObjectRef, error) {
	if err := validateCaseID(caseID); err != nil {
		return ObjectRef{}, err
	}
	hash := hashOf(data)

	existing, err := s.list(ctx, bucket, caseID+"/"+base)
	if err != nil {
		return ObjectRef{}, err
	}
	maxVersion := 0
	for _, ref := range existing {
		gotBase, _ := parseVersion(ref.Key)
		if gotBase != base {
			continue
		}
		if ref.Hash == hash {
			return ref, nil
		}
		if ref.Version > maxVersion {
			maxVersion = ref.Version
		}
	}

	key := objectKey(caseID, base, ext, maxVersion+1)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		Metadata:    map[string]string{metaContentHash: hash},
	})
	if err != nil {
		return ObjectRef{}, fmt.Errorf("evidence: s3 put %s/%s: %w", bucket, key, err)
	}

	return ObjectRef{
		Bucket:  bucket,
		Key:     key,
		Hash:    hash,
		Size:    int64(len(data)),
		Version: maxVersion + 1,
	}, nil
}

func (s *S3Store) getLatest(ctx context.Context, bucket, caseID, base string) (ObjectRef, []byte, error) {
	if err := validateCaseID(caseID); err != nil {
		return ObjectRef{}, nil, err
	}
	refs, err := s.list(ctx, bucket, caseID+"/"+base)
	if err != nil {
		return ObjectRef{}, nil, err
	}
	var latest *ObjectRef
	for i := range refs {
		gotBase, _ := parseVersion(refs[i].Key)
		if gotBase != base {
			continue
		}
		if latest == nil || refs[i].Version > latest.Version {
			latest = &refs[i]
		}
	}
	if latest == nil {
		return ObjectRef{}, nil, ErrNotFound
	}
	data, err := s.GetObject(ctx, bucket, latest.Key)
	if err != nil {
		return ObjectRef{}, nil, err
	}
	return *latest, data, nil
}

// list enumerates objects under a key prefix, resolving content hashes from
// object metadata.
func (s *S3Store) list(ctx context.Context, bucket, prefix string) ([]ObjectRef, error) {
	var refs []ObjectRef
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("evidence: s3 list %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			hash, err := s.objectHash(ctx, bucket, key)
			if err != nil {
				return nil, err
			}
			_, version := parseVersion(key)
			refs = append(refs, ObjectRef{
				Bucket:  bucket,
				Key:     key,
				Hash:    hash,
				Size:    aws.ToInt64(obj.Size),
				Version: version,
			})
		}
	}
	return refs, nil
}

// objectHash reads the stored content hash from object metadata, falling
// back to hashing the body for objects written by other tools.
func (s *S3Store) objectHash(ctx context.Context, bucket, key string) (string, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("evidence: s3 head %s/%s: %w", bucket, key, err)
	}
	for k, v := range head.Metadata {
		if strings.EqualFold(k, metaContentHash) {
			return v, nil
		}
	}
	data, err := s.GetObject(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	return hashOf(data), nil
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
