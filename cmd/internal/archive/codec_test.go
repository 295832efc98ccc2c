package archive

import (
	"archive/tar"
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"filippo.io/age"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T, mut func(*Config)) *Codec {
	t.Helper()
	cfg := Config{Root: t.TempDir()}
	if mut != nil {
		mut(&cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func writeCreds(t *testing.T, c *Codec, id string) {
	t.Helper()
	dir := c.Dir(id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "keys"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "creds.json"), []byte(`{"me":{"id":"123@s.whatsapp.net"}}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keys", "pre-key-1.json"), []byte(`{"k":1}`), 0o600))
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, nil)
	writeCreds(t, c, "acct-1")

	a, ok, err := c.Pack("acct-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, a.Blob)
	require.Len(t, a.Digest, 64)
	require.Equal(t, len(a.Blob), a.Size)

	require.NoError(t, c.Remove("acct-1"))
	require.NoError(t, c.Unpack("acct-1", a.Blob))
	require.NoError(t, c.Verify("acct-1"))

	got, err := os.ReadFile(filepath.Join(c.Dir("acct-1"), "keys", "pre-key-1.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"k":1}`, string(got))

	// Unchanged content packs to the same digest.
	again, ok, err := c.Pack("acct-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.Digest, again.Digest)
}

func TestPack_DigestChangesWithContent(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, nil)
	writeCreds(t, c, "acct-1")

	a, _, err := c.Pack("acct-1")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(c.Dir("acct-1"), "creds.json"), []byte(`{"me":{"id":"456"}}`), 0o600))
	b, _, err := c.Pack("acct-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest, b.Digest)
}

func TestPack_AbsentDirectory(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, nil)

	a, ok, err := c.Pack("nobody")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, a.Blob)
}

func TestPack_TooLarge(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, func(cfg *Config) { cfg.MaxBytes = 1024 })
	writeCreds(t, c, "big")

	junk := bytes.Repeat([]byte("x"), 4096)
	require.NoError(t, os.WriteFile(filepath.Join(c.Dir("big"), "blob.bin"), junk, 0o600))

	_, _, err := c.Pack("big")
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestUnpack_CorruptLeavesDirectoryAbsent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		blob func(t *testing.T, c *Codec) string
	}{
		{
			name: "not base64",
			blob: func(*testing.T, *Codec) string { return "%%%not-base64%%%" },
		},
		{
			name: "unknown compression",
			blob: func(*testing.T, *Codec) string { return base64.StdEncoding.EncodeToString([]byte("plain text")) },
		},
		{
			name: "missing creds.json",
			blob: func(t *testing.T, c *Codec) string {
				dir := c.Dir("acct-3")
				require.NoError(t, os.MkdirAll(dir, 0o700))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o600))
				a, ok, err := c.Pack("acct-3")
				require.NoError(t, err)
				require.True(t, ok)
				return a.Blob
			},
		},
		{
			name: "creds.json not json",
			blob: func(t *testing.T, c *Codec) string {
				dir := c.Dir("acct-3")
				require.NoError(t, os.MkdirAll(dir, 0o700))
				require.NoError(t, os.WriteFile(filepath.Join(dir, "creds.json"), []byte(`{trunc`), 0o600))
				a, _, err := c.Pack("acct-3")
				require.NoError(t, err)
				return a.Blob
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newTestCodec(t, nil)
			blob := tc.blob(t, c)

			err := c.Unpack("acct-3", blob)
			require.ErrorIs(t, err, ErrCorrupt)

			_, statErr := os.Stat(c.Dir("acct-3"))
			require.True(t, os.IsNotExist(statErr), "directory must be absent after failed unpack")
			assertNoStaging(t, c)
		})
	}
}

func TestUnpack_LegacyGzip(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, nil)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	creds := []byte(`{"legacy":true}`)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: "old/", Mode: 0o755}))
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "old/creds.json", Mode: 0o644, Size: int64(len(creds))}))
	_, err := tw.Write(creds)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	require.NoError(t, c.Unpack("old", base64.StdEncoding.EncodeToString(buf.Bytes())))
	require.NoError(t, c.Verify("old"))
}

func TestUnpack_RejectsTraversal(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, nil)

	for _, name := range []string{"evil/../../escape.json", "other/creds.json", "/abs/creds.json"} {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		tw := tar.NewWriter(gz)
		require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: name, Mode: 0o600, Size: 2}))
		_, err := tw.Write([]byte("{}"))
		require.NoError(t, err)
		require.NoError(t, tw.Close())
		require.NoError(t, gz.Close())

		err = c.Unpack("evil", base64.StdEncoding.EncodeToString(buf.Bytes()))
		require.ErrorIs(t, err, ErrCorrupt, name)
	}

	_, err := os.Stat(filepath.Join(filepath.Dir(c.Root()), "escape.json"))
	assert.True(t, os.IsNotExist(err))
	assertNoStaging(t, c)
}

func TestUnpack_ReplacesExistingDirectory(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, nil)
	writeCreds(t, c, "acct-1")
	a, _, err := c.Pack("acct-1")
	require.NoError(t, err)

	stale := filepath.Join(c.Dir("acct-1"), "stale.json")
	require.NoError(t, os.WriteFile(stale, []byte(`{}`), 0o600))

	require.NoError(t, c.Unpack("acct-1", a.Blob))
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestSealedRoundTrip(t *testing.T) {
	t.Parallel()

	id, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	sealer, err := NewSealer([]string{id.Recipient().String()}, []string{id.String()})
	require.NoError(t, err)
	require.True(t, sealer.CanSeal())
	require.True(t, sealer.CanOpen())

	c := newTestCodec(t, func(cfg *Config) { cfg.Sealer = sealer })
	writeCreds(t, c, "acct-1")

	a, ok, err := c.Pack("acct-1")
	require.NoError(t, err)
	require.True(t, ok)

	raw, err := base64.StdEncoding.DecodeString(a.Blob)
	require.NoError(t, err)
	require.True(t, isSealed(raw))

	require.NoError(t, c.Unpack("acct-1", a.Blob))
	require.NoError(t, c.Verify("acct-1"))

	// A node without the identity cannot restore it.
	plain := newTestCodec(t, nil)
	err = plain.Unpack("acct-1", a.Blob)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestNewSealer_EmptyIsNil(t *testing.T) {
	t.Parallel()
	s, err := NewSealer(nil, []string{"  "})
	require.NoError(t, err)
	require.Nil(t, s)
	assert.False(t, s.CanSeal())
	assert.False(t, s.CanOpen())

	_, err = NewSealer([]string{"age1bogus"}, nil)
	require.Error(t, err)
}

func TestValidID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id string
		ok bool
	}{
		{"acct-1", true},
		{"3f1c2a8e-9a4b-4c1d-8e2f-7a6b5c4d3e2f", true},
		{"", false},
		{".", false},
		{"..", false},
		{".hidden", false},
		{"a/b", false},
		{`a\b`, false},
		{"a\x00b", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tc := range cases {
		err := ValidID(tc.id)
		if tc.ok {
			assert.NoError(t, err, "%q", tc.id)
		} else {
			assert.ErrorIs(t, err, ErrInvalidID, "%q", tc.id)
		}
	}
}

func TestScan(t *testing.T) {
	t.Parallel()
	c := newTestCodec(t, nil)
	writeCreds(t, c, "b")
	writeCreds(t, c, "a")
	require.NoError(t, os.MkdirAll(c.Dir("empty"), 0o700))
	require.NoError(t, os.MkdirAll(filepath.Join(c.Root(), ".restore-x-00"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(c.Root(), "file.txt"), []byte("x"), 0o600))

	ids, err := c.Scan()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func assertNoStaging(t *testing.T, c *Codec) {
	t.Helper()
	entries, err := os.ReadDir(c.Root())
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), stagingPrefix), "leftover staging dir %s", e.Name())
	}
}
