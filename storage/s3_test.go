package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		ref     string
		want    Ref
		wantErr bool
	}{
		{
			name: "valid s3 ref",
			ref:  "s3://legal-docs/case-123/complaint.pdf",
			want: Ref{Scheme: "s3", Bucket: "legal-docs", Key: "case-123/complaint.pdf"},
		},
		{
			name: "nested key",
			ref:  "s3://bucket/a/b/c.png",
			want: Ref{Scheme: "s3", Bucket: "bucket", Key: "a/b/c.png"},
		},
		{name: "missing scheme", ref: "bucket/key.pdf", wantErr: true},
		{name: "missing key", ref: "s3://bucket", wantErr: true},
		{name: "trailing slash only", ref: "s3://bucket/", wantErr: true},
		{name: "empty bucket", ref: "s3:///key.pdf", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatRefRoundTrip(t *testing.T) {
	ref := FormatRef("s3", "bucket", "dir/file.pdf")
	assert.Equal(t, "s3://bucket/dir/file.pdf", ref)

	parsed, err := ParseRef(ref)
	require.NoError(t, err)
	assert.Equal(t, Ref{Scheme: "s3", Bucket: "bucket", Key: "dir/file.pdf"}, parsed)
}

func TestConvertedImageRef(t *testing.T) {
	ref := ConvertedImageRef("s3", "lexflow", "doc-1", 3)
	assert.Equal(t, "s3://lexflow/converted-images/doc-1/page-3.png", ref)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	t.Run("get missing", func(t *testing.T) {
		_, err := store.Get(ctx, "s3://bucket/absent.pdf")
		assert.Error(t, err)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "s3://bucket/a.pdf", []byte("data")))

		got, err := store.Get(ctx, "s3://bucket/a.pdf")
		require.NoError(t, err)
		assert.Equal(t, []byte("data"), got)

		ok, err := store.Exists(ctx, "s3://bucket/a.pdf")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("invalid ref rejected", func(t *testing.T) {
		assert.Error(t, store.Put(ctx, "no-scheme", []byte("x")))
		_, err := store.Get(ctx, "no-scheme")
		assert.Error(t, err)
	})

	t.Run("stored bytes are isolated", func(t *testing.T) {
		data := []byte("mutable")
		require.NoError(t, store.Put(ctx, "s3://bucket/b.pdf", data))
		data[0] = 'X'

		got, err := store.Get(ctx, "s3://bucket/b.pdf")
		require.NoError(t, err)
		assert.Equal(t, []byte("mutable"), got)
	})
}
