package archive

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	// DefaultMaxBytes caps both the encoded blob and the uncompressed content.
	DefaultMaxBytes = 50 << 20 // 50 MiB

	// DefaultCredentialsFile is the file whose presence makes a directory usable credentials.
	DefaultCredentialsFile = "creds.json"

	maxIDBytes    = 128
	stagingPrefix = ".restore-"
)

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// zstdEncoder is reused across calls; zstd.Encoder is safe for concurrent EncodeAll.
var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("archive: zstd encoder initialization failed: " + err.Error())
	}
}

// Config configures a Codec.
type Config struct {
	// Root is the directory holding one sub-directory per session id. Created if missing.
	Root string

	// MaxBytes caps the encoded blob and the uncompressed content. Defaults to DefaultMaxBytes.
	MaxBytes int64

	// RequiredFiles must exist (regular, non-empty; valid JSON for *.json) for a directory
	// to count as credentials. Defaults to [DefaultCredentialsFile].
	RequiredFiles []string

	// Sealer optionally encrypts packed blobs and decrypts sealed ones.
	Sealer *Sealer

	Logger *slog.Logger
}

// Archive is one packed snapshot.
type Archive struct {
	// Blob is the portable text form stored by the durable backend.
	Blob string
	// Digest is the hex BLAKE3 digest of the uncompressed tar stream. Equal digests mean
	// equal directory content.
	Digest string
	// Size is len(Blob).
	Size int
}

// Codec packs and unpacks session credential directories under one root.
type Codec struct {
	root     string
	maxBytes int64
	required []string
	sealer   *Sealer
	log      *slog.Logger
}

// New constructs a Codec and ensures the root directory exists.
func New(cfg Config) (*Codec, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, errors.New("archive: empty root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("archive: create root: %w", err)
	}

	c := &Codec{
		root:     root,
		maxBytes: cfg.MaxBytes,
		required: cfg.RequiredFiles,
		sealer:   cfg.Sealer,
		log:      cfg.Logger,
	}
	if c.maxBytes <= 0 {
		c.maxBytes = DefaultMaxBytes
	}
	if len(c.required) == 0 {
		c.required = []string{DefaultCredentialsFile}
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	return c, nil
}

// Root returns the sessions root directory.
func (c *Codec) Root() string { return c.root }

// Dir returns the credential directory of a session.
func (c *Codec) Dir(id string) string { return filepath.Join(c.root, id) }

// ValidID reports whether id can safely name a directory under the root.
func ValidID(id string) error {
	switch {
	case id == "", len(id) > maxIDBytes:
		return ErrInvalidID
	case id == ".", id == "..", strings.HasPrefix(id, "."):
		return ErrInvalidID
	case strings.ContainsAny(id, "/\\\x00"):
		return ErrInvalidID
	}
	return nil
}

// Pack serializes the session's credential directory. A missing directory is not an error:
// it returns ok=false.
func (c *Codec) Pack(id string) (Archive, bool, error) {
	if err := ValidID(id); err != nil {
		return Archive{}, false, err
	}

	st, err := os.Stat(c.Dir(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Archive{}, false, nil
	}
	if err != nil {
		return Archive{}, false, err
	}
	if !st.IsDir() {
		return Archive{}, false, fmt.Errorf("archive: %s is not a directory", c.Dir(id))
	}

	var raw bytes.Buffer
	hasher := blake3.New()
	if err := writeTar(io.MultiWriter(&raw, hasher), c.root, id, c.maxBytes); err != nil {
		return Archive{}, false, fmt.Errorf("archive: pack %s: %w", id, err)
	}

	payload := zstdEncoder.EncodeAll(raw.Bytes(), nil)
	if c.sealer.CanSeal() {
		payload, err = c.sealer.Seal(payload)
		if err != nil {
			return Archive{}, false, fmt.Errorf("archive: seal %s: %w", id, err)
		}
	}

	// Check before allocating the encoded string.
	if encoded := int64(base64.StdEncoding.EncodedLen(len(payload))); encoded > c.maxBytes {
		return Archive{}, false, fmt.Errorf("archive: pack %s: %w: %d bytes > %d", id, ErrTooLarge, encoded, c.maxBytes)
	}

	blob := base64.StdEncoding.EncodeToString(payload)
	c.log.Debug("archive.pack", "session_id", id, "bytes", len(blob), "sealed", c.sealer.CanSeal())

	return Archive{
		Blob:   blob,
		Digest: hex.EncodeToString(hasher.Sum(nil)),
		Size:   len(blob),
	}, true, nil
}

// Unpack replaces the session's directory with the blob's content and verifies it.
// On any failure the directory is absent afterwards.
func (c *Codec) Unpack(id, blob string) (err error) {
	if err := ValidID(id); err != nil {
		return err
	}

	final := c.Dir(id)
	if err := os.RemoveAll(final); err != nil {
		return fmt.Errorf("archive: clear %s: %w", id, err)
	}

	blob = strings.TrimSpace(blob)
	if int64(len(blob)) > c.maxBytes {
		return fmt.Errorf("archive: unpack %s: %w: %d bytes > %d", id, ErrTooLarge, len(blob), c.maxBytes)
	}
	payload, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return fmt.Errorf("archive: unpack %s: %w: base64: %v", id, ErrCorrupt, err)
	}

	staging := filepath.Join(c.root, stagingPrefix+id+"-"+randomHex(6))
	if err := os.Mkdir(staging, 0o700); err != nil {
		return fmt.Errorf("archive: staging %s: %w", id, err)
	}
	defer func() {
		_ = os.RemoveAll(staging)
		if err != nil {
			_ = os.RemoveAll(final)
		}
	}()

	stream, closeStream, err := c.openStream(payload)
	if err != nil {
		return fmt.Errorf("archive: unpack %s: %w", id, err)
	}
	err = extractTar(stream, staging, id, c.maxBytes)
	closeStream()
	if err != nil {
		return fmt.Errorf("archive: unpack %s: %w", id, err)
	}

	if err := c.verifyDir(staging); err != nil {
		return fmt.Errorf("archive: unpack %s: %w", id, err)
	}
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("archive: install %s: %w", id, err)
	}

	c.log.Debug("archive.unpack", "session_id", id, "bytes", len(blob))
	return nil
}

// openStream peels the optional age layer and the compression layer.
func (c *Codec) openStream(payload []byte) (io.Reader, func(), error) {
	var r io.Reader = bytes.NewReader(payload)
	if isSealed(payload) {
		opened, err := c.sealer.Open(r)
		if err != nil {
			return nil, nil, err
		}
		r = opened
	}

	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))

	switch {
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(uint64(c.maxBytes)),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
		}
		return dec, dec.Close, nil
	case bytes.HasPrefix(head, gzipMagic):
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: gzip: %v", ErrCorrupt, err)
		}
		return gz, func() { _ = gz.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown compression", ErrCorrupt)
	}
}

// Verify checks that the session's directory holds usable credentials.
func (c *Codec) Verify(id string) error {
	if err := ValidID(id); err != nil {
		return err
	}
	return c.verifyDir(c.Dir(id))
}

func (c *Codec) verifyDir(dir string) error {
	for _, name := range c.required {
		p := filepath.Join(dir, name)
		st, err := os.Stat(p)
		if err != nil {
			return fmt.Errorf("%w: %s not found", ErrCorrupt, name)
		}
		if !st.Mode().IsRegular() || st.Size() == 0 {
			return fmt.Errorf("%w: %s is empty or not a file", ErrCorrupt, name)
		}
		if strings.HasSuffix(name, ".json") {
			b, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			if !json.Valid(b) {
				return fmt.Errorf("%w: %s is not valid JSON", ErrCorrupt, name)
			}
		}
	}
	return nil
}

// Remove deletes the session's directory. Missing directories are fine.
func (c *Codec) Remove(id string) error {
	if err := ValidID(id); err != nil {
		return err
	}
	return os.RemoveAll(c.Dir(id))
}

// Scan lists session ids whose directories hold usable credentials, sorted.
func (c *Codec) Scan() ([]string, error) {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		if ValidID(id) != nil {
			continue
		}
		if err := c.Verify(id); err != nil {
			c.log.Info("archive.scan.skip", "session_id", id, "err", err)
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
