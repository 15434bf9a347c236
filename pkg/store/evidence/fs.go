package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore is a filesystem-backed evidence store for development and tests.
// Layout: {baseDir}/{bucket}/{case_id}/{object}.
type FileStore struct {
	baseDir        string
	incomingBucket string
	auditBucket    string
	mu             sync.RWMutex
}

// NewFileStore creates the store root and both bucket directories.
func NewFileStore(baseDir, incomingBucket, auditBucket string) (*FileStore, error) {
	for _, b := range []string{incomingBucket, auditBucket} {
		//nolint:gosec // G301: 0755 is intentional for shared evidence directories
		if err := os.MkdirAll(filepath.Join(baseDir, b), 0755); err != nil {
			return nil, fmt.Errorf("evidence: ensure bucket dir: %w", err)
		}
	}
	return &FileStore{baseDir: baseDir, incomingBucket: incomingBucket, auditBucket: auditBucket}, nil
}

func (s *FileStore) PutOriginal(ctx context.Context, caseID, fileName string, data []byte) (ObjectRef, error) {
	return s.put(caseID, s.incomingBucket, "original", fileExt(fileName), data)
}

func (s *FileStore) GetOriginal(ctx context.Context, caseID string) (ObjectRef, []byte, error) {
	return s.getLatest(caseID, s.incomingBucket, "original")
}

func (s *FileStore) PutArtifact(ctx context.Context, caseID string, name ArtifactName, data []byte) (ObjectRef, error) {
	if !name.Valid() {
		return ObjectRef{}, fmt.Errorf("evidence: unknown artifact name %q", name)
	}
	return s.put(caseID, s.auditBucket, string(name), ".json", data)
}

func (s *FileStore) GetArtifact(ctx context.Context, caseID string, name ArtifactName) (ObjectRef, []byte, error) {
	if !name.Valid() {
		return ObjectRef{}, nil, fmt.Errorf("evidence: unknown artifact name %q", name)
	}
	return s.getLatest(caseID, s.auditBucket, string(name))
}

func (s *FileStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if bucket != s.incomingBucket && bucket != s.auditBucket {
		return nil, fmt.Errorf("evidence: unknown bucket %q", bucket)
	}
	if strings.Contains(key, "..") {
		return nil, fmt.Errorf("evidence: invalid key %q", key)
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, bucket, filepath.FromSlash(key))) //nolint:gosec // key validated above
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: read object: %w", err)
	}
	return data, nil
}

func (s *FileStore) ListCase(ctx context.Context, caseID string) ([]ObjectRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := validateCaseID(caseID); err != nil {
		return nil, err
	}
	var refs []ObjectRef
	for _, bucket := range []string{s.incomingBucket, s.auditBucket} {
		dir := filepath.Join(s.baseDir, bucket, caseID)
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("evidence: list case dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			key := caseID + "/" + e.Name()
			data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // path from ReadDir
			if err != nil {
				return nil, fmt.Errorf("evidence: read %s: %w", key, err)
			}
			_, version := parseVersion(key)
			refs = append(refs, ObjectRef{
				Bucket:  bucket,
				Key:     key,
				Hash:    hashOf(data),
				Size:    int64(len(data)),
				Version: version,
			})
		}
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Bucket != refs[j].Bucket {
			return refs[i].Bucket < refs[j].Bucket
		}
		return refs[i].Key < refs[j].Key
	})
	return refs, nil
}

// put writes data as the next version of {base}{ext} unless an existing
// version already holds identical content.
func (s *FileStore) put(caseID, bucket, base, ext string, data []byte) (ObjectRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := validateCaseID(caseID); err != nil {
		return ObjectRef{}, err
	}
	hash := hashOf(data)

	existing, err := s.versionsLocked(caseID, bucket, base)
	if err != nil {
		return ObjectRef{}, err
	}
	maxVersion := 0
	for _, ref := range existing {
		if ref.Hash == hash {
			return ref, nil
		}
		if ref.Version > maxVersion {
			maxVersion = ref.Version
		}
	}

	key := objectKey(caseID, base, ext, maxVersion+1)
	dir := filepath.Join(s.baseDir, bucket, caseID)
	//nolint:gosec // G301: 0755 is intentional for shared evidence directories
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ObjectRef{}, fmt.Errorf("evidence: ensure case dir: %w", err)
	}

	final := filepath.Join(s.baseDir, bucket, filepath.FromSlash(key))
	tmp := final + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return ObjectRef{}, fmt.Errorf("evidence: write blob: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return ObjectRef{}, fmt.Errorf("evidence: commit blob: %w", err)
	}

	return ObjectRef{
		Bucket:  bucket,
		Key:     key,
		Hash:    hash,
		Size:    int64(len(data)),
		Version: maxVersion + 1,
	}, nil
}

func (s *FileStore) getLatest(caseID, bucket, base string) (ObjectRef, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := validateCaseID(caseID); err != nil {
		return ObjectRef{}, nil, err
	}
	refs, err := s.versionsLocked(caseID, bucket, base)
	if err != nil {
		return ObjectRef{}, nil, err
	}
	if len(refs) == 0 {
		return ObjectRef{}, nil, ErrNotFound
	}
	latest := refs[0]
	for _, ref := range refs[1:] {
		if ref.Version > latest.Version {
			latest = ref
		}
	}
	data, err := os.ReadFile(filepath.Join(s.baseDir, bucket, filepath.FromSlash(latest.Key))) //nolint:gosec // key built internally
	if err != nil {
		return ObjectRef{}, nil, fmt.Errorf("evidence: read blob: %w", err)
	}
	return latest, data, nil
}

// versionsLocked lists all stored versions of {base}.* in a case folder.
// Callers hold at least the read lock.
func (s *FileStore) versionsLocked(caseID, bucket, base string) ([]ObjectRef, error) {
	dir := filepath.Join(s.baseDir, bucket, caseID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: list versions: %w", err)
	}
	var refs []ObjectRef
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		gotBase, version := parseVersion(e.Name())
		if gotBase != base {
			continue
		}
		key := caseID + "/" + e.Name()
		data, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // path from ReadDir
		if err != nil {
			return nil, fmt.Errorf("evidence: read %s: %w", key, err)
		}
		refs = append(refs, ObjectRef{
			Bucket:  bucket,
			Key:     key,
			Hash:    hashOf(data),
			Size:    int64(len(data)),
			Version: version,
		})
	}
	return refs, nil
}
