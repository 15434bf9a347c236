// Package evidence stores the immutable blobs of a case: the uploaded
// original file and the audit artifacts derived from it. Objects live under
// per-case folders in two buckets, incoming and audit. Writes are
// content-hashed and idempotent; rewritten artifacts become new versions.
// There is no delete path, retention is handled out of band.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/Quillon-Labs/orderdesk/pkg/canonicalize"
)

// ErrNotFound is returned when a requested object does not exist.
var ErrNotFound = errors.New("evidence: object not found")

// ArtifactName enumerates the audit artifacts a case can carry.
type ArtifactName string

const (
	ArtifactCanonical        ArtifactName = "canonical"
	ArtifactCommitteeVotes   ArtifactName = "committee-votes"
	ArtifactCorrections      ArtifactName = "corrections"
	ArtifactExternalRequest  ArtifactName = "external-request"
	ArtifactExternalResponse ArtifactName = "external-response"
)

// Valid reports whether n is a known artifact name.
func (n ArtifactName) Valid() bool {
	switch n {
	case ArtifactCanonical, ArtifactCommitteeVotes, ArtifactCorrections,
		ArtifactExternalRequest, ArtifactExternalResponse:
		return true
	}
	return false
}

// ObjectRef describes one stored blob.
type ObjectRef struct {
	Bucket  string `json:"bucket"`
	Key     string `json:"key"`
	Hash    string `json:"hash"` // "sha256:" prefixed content hash
	Size    int64  `json:"size"`
	Version int    `json:"version"`
}

// Pointer is the "bucket/key" form recorded in audit event pointers.
func (r ObjectRef) Pointer() string {
	return r.Bucket + "/" + r.Key
}

// SplitPointer reverses Pointer. The bucket is the segment before the first
// slash; bucket names never contain one.
func SplitPointer(p string) (bucket, key string, ok bool) {
	i := strings.Index(p, "/")
	if i <= 0 || i == len(p)-1 {
		return "", "", false
	}
	return p[:i], p[i+1:], true
}

// Store is the evidence blob store. Put operations are idempotent on
// content: rewriting identical bytes returns the existing reference, new
// bytes under the same name become the next version. Nothing is ever
// overwritten or deleted.
type Store interface {
	PutOriginal(ctx context.Context, caseID, fileName string, data []byte) (ObjectRef, error)
	GetOriginal(ctx context.Context, caseID string) (ObjectRef, []byte, error)
	PutArtifact(ctx context.Context, caseID string, name ArtifactName, data []byte) (ObjectRef, error)
	GetArtifact(ctx context.Context, caseID string, name ArtifactName) (ObjectRef, []byte, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	ListCase(ctx context.Context, caseID string) ([]ObjectRef, error)
}

// PutArtifactJSON canonicalizes v and stores it under the artifact name.
func PutArtifactJSON(ctx context.Context, s Store, caseID string, name ArtifactName, v any) (ObjectRef, error) {
	data, err := canonicalize.JCS(v)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("evidence: canonicalize %s: %w", name, err)
	}
	return s.PutArtifact(ctx, caseID, name, data)
}

var caseIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validateCaseID(caseID string) error {
	if caseID == "" || !caseIDPattern.MatchString(caseID) {
		return fmt.Errorf("evidence: invalid case id %q", caseID)
	}
	return nil
}

// fileExt returns the lowercased extension of fileName, defaulting to .bin.
func fileExt(fileName string) string {
	ext := strings.ToLower(path.Ext(fileName))
	if ext == "" || ext == "." {
		return ".bin"
	}
	return ext
}

// objectKey builds the in-bucket key for a named object version. Version 1
// is the bare name, later versions carry a .v{n} marker before the
// extension: canonical.json, canonical.v2.json.
func objectKey(caseID, base, ext string, version int) string {
	if version <= 1 {
		return caseID + "/" + base + ext
	}
	return fmt.Sprintf("%s/%s.v%d%s", caseID, base, version, ext)
}

// parseVersion extracts the base name and version from an in-bucket key,
// reversing objectKey.
func parseVersion(key string) (base string, version int) {
	name := path.Base(key)
	name = strings.TrimSuffix(name, path.Ext(name))
	if i := strings.LastIndex(name, ".v"); i >= 0 {
		if n, err := strconv.Atoi(name[i+2:]); err == nil && n > 1 {
			return name[:i], n
		}
	}
	return name, 1
}

func hashOf(data []byte) string {
	return canonicalize.PrefixedHash(data)
}
