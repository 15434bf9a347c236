//go:build gcp

package evidence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStore implements Store on Google Cloud Storage. The incoming and audit
// buckets are separate; keys follow {case_id}/{object}.
type GCSStore struct {
	client         *storage.Client
	incomingBucket string
	auditBucket    string
}

// GCSStoreConfig holds configuration for GCSStore.
type GCSStoreConfig struct {
	IncomingBucket string
	AuditBucket    string
}

// NewGCSStore creates a GCS-backed evidence store using ADC credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: create GCS client: %w", err)
	}
	return &GCSStore{
		client:         client,
		incomingBucket: cfg.IncomingBucket,
		auditBucket:    cfg.AuditBucket,
	}, nil
}

func (s *GCSStore) PutOriginal(ctx context.Context, caseID, fileName string, data []byte) (ObjectRef, error) {
	return s.put(ctx, s.incomingBucket, caseID, "original", fileExt(fileName), "application/octet-stream", data)
}

func (s *GCSStore) GetOriginal(ctx context.Context, caseID string) (ObjectRef, []byte, error) {
	return s.getLatest(ctx, s.incomingBucket, caseID, "original")
}

func (s *GCSStore) PutArtifact(ctx context.Context, caseID string, name ArtifactName, data []byte) (ObjectRef, error) {
	if !name.Valid() {
		return ObjectRef{}, fmt.Errorf("evidence: unknown artifact name %q", name)
	}
	return s.put(ctx, s.auditBucket, caseID, string(name), ".json", "application/json", data)
}

func (s *GCSStore) GetArtifact(ctx context.Context, caseID string, name ArtifactName) (ObjectRef, []byte, error) {
	if !name.Valid() {
		return ObjectRef{}, nil, fmt.Errorf("evidence: unknown artifact name %q", name)
	}
	return s.getLatest(ctx, s.auditBucket, caseID, string(name))
}

func (s *GCSStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket != s.incomingBucket && bucket != s.auditBucket {
		return nil, fmt.Errorf("evidence: unknown bucket %q", bucket)
	}
	reader, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("evidence: gcs get %s/%s: %w", bucket, key, err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs read %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (s *GCSStore) ListCase(ctx context.Context, caseID string) ([]ObjectRef, error) {
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

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) put(ctx context.Context, bucket, caseID, base, ext, contentType string, data []byte) (ObjectRef, error) {
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
	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{metaContentHash: hash}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return ObjectRef{}, fmt.Errorf("evidence: gcs write %s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return ObjectRef{}, fmt.Errorf("evidence: gcs close %s/%s: %w", bucket, key, err)
	}

	return ObjectRef{
		Bucket:  bucket,
		Key:     key,
		Hash:    hash,
		Size:    int64(len(data)),
		Version: maxVersion + 1,
	}, nil
}

func (s *GCSStore) getLatest(ctx context.Context, bucket, caseID, base string) (ObjectRef, []byte, error) {
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

func (s *GCSStore) list(ctx context.Context, bucket, prefix string) ([]ObjectRef, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var refs []ObjectRef
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("evidence: gcs list %s/%s: %w", bucket, prefix, err)
		}
		hash := attrs.Metadata[metaContentHash]
		if hash == "" {
			data, err := s.GetObject(ctx, bucket, attrs.Name)
			if err != nil {
				return nil, err
			}
			hash = hashOf(data)
		}
		_, version := parseVersion(attrs.Name)
		refs = append(refs, ObjectRef{
			Bucket:  bucket,
			Key:     attrs.Name,
			Hash:    hash,
			Size:    attrs.Size,
			Version: version,
		})
	}
	return refs, nil
}
