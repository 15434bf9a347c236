package evidence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), "orders-incoming", "orders-audit")
	require.NoError(t, err)
	return s
}

func TestFileStore_OriginalRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("PK\x03\x04 pretend workbook")

	ref, err := s.PutOriginal(ctx, "case_1", "Order March.XLSX", data)
	require.NoError(t, err)
	assert.Equal(t, "orders-incoming", ref.Bucket)
	assert.Equal(t, "case_1/original.xlsx", ref.Key)
	assert.Equal(t, 1, ref.Version)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, ref.Hash)

	got, body, err := s.GetOriginal(ctx, "case_1")
	require.NoError(t, err)
	assert.Equal(t, ref, got)
	assert.Equal(t, data, body)
}

func TestFileStore_PutIsIdempotentOnContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	data := []byte("same bytes")

	first, err := s.PutOriginal(ctx, "case_1", "a.xlsx", data)
	require.NoError(t, err)
	second, err := s.PutOriginal(ctx, "case_1", "a.xlsx", data)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	refs, err := s.ListCase(ctx, "case_1")
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestFileStore_RewriteBecomesNewVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v1, err := s.PutArtifact(ctx, "case_1", ArtifactCanonical, []byte(`{"rev":1}`))
	require.NoError(t, err)
	assert.Equal(t, "case_1/canonical.json", v1.Key)

	v2, err := s.PutArtifact(ctx, "case_1", ArtifactCanonical, []byte(`{"rev":2}`))
	require.NoError(t, err)
	assert.Equal(t, "case_1/canonical.v2.json", v2.Key)
	assert.Equal(t, 2, v2.Version)

	// Latest read returns v2; v1 stays reachable by key.
	latest, body, err := s.GetArtifact(ctx, "case_1", ArtifactCanonical)
	require.NoError(t, err)
	assert.Equal(t, v2, latest)
	assert.Equal(t, []byte(`{"rev":2}`), body)

	old, err := s.GetObject(ctx, "orders-audit", v1.Key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"rev":1}`), old)
}

func TestFileStore_ReuploadKeepsBothOriginals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutOriginal(ctx, "case_1", "first.xlsx", []byte("first upload"))
	require.NoError(t, err)
	v2, err := s.PutOriginal(ctx, "case_1", "second.xlsx", []byte("fixed upload"))
	require.NoError(t, err)
	assert.Equal(t, "case_1/original.v2.xlsx", v2.Key)

	refs, err := s.ListCase(ctx, "case_1")
	require.NoError(t, err)
	assert.Len(t, refs, 2)
}

func TestFileStore_UnknownArtifactRejected(t *testing.T) {
	s := newTestStore(t)
	_, err := s.PutArtifact(context.Background(), "case_1", ArtifactName("scratch"), []byte("x"))
	assert.Error(t, err)
}

func TestFileStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.GetOriginal(ctx, "case_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetObject(ctx, "orders-audit", "case_missing/canonical.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.PutOriginal(ctx, "../case_1", "a.xlsx", []byte("x"))
	assert.Error(t, err)

	_, err = s.GetObject(ctx, "orders-incoming", "../../etc/passwd")
	assert.Error(t, err)
}

func TestPutArtifactJSON_Canonicalizes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ref1, err := PutArtifactJSON(ctx, s, "case_1", ArtifactCorrections, map[string]any{"b": 1, "a": 2})
	require.NoError(t, err)
	ref2, err := PutArtifactJSON(ctx, s, "case_1", ArtifactCorrections, map[string]any{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, ref1.Hash, ref2.Hash)
	assert.Equal(t, 1, ref2.Version)
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		key     string
		base    string
		version int
	}{
		{"case_1/original.xlsx", "original", 1},
		{"case_1/original.v2.xlsx", "original", 2},
		{"case_1/canonical.json", "canonical", 1},
		{"case_1/canonical.v12.json", "canonical", 12},
		{"case_1/committee-votes.json", "committee-votes", 1},
	}
	for _, tt := range tests {
		base, version := parseVersion(tt.key)
		assert.Equal(t, tt.base, base, tt.key)
		assert.Equal(t, tt.version, version, tt.key)
	}
}
