package cassette

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tjfontaine/polyglot-llm-vcr/internal/core/domain"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/pkg/fsutil"
	"github.com/tjfontaine/polyglot-llm-vcr/internal/signature"
)

const fileExt = ".json"

// FileStore keeps one indented JSON file per cassette at
// <dir>/<provider>/<signature>.json.
type FileStore struct {
	dir    string
	sealer *Sealer
	logger *slog.Logger
}

var _ Store = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithSealer enables integrity tags.
func WithSealer(sealer *Sealer) FileStoreOption {
	return func(s *FileStore) {
		s.sealer = sealer
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FileStoreOption {
	return func(s *FileStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewFileStore creates a store rooted at dir. Nothing is created on disk
// until the first Save; a missing root reads as an empty store.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("cassette directory is required")
	}
	s := &FileStore{dir: dir, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Path returns the file path for (provider, sig).
func (s *FileStore) Path(provider domain.Provider, sig string) (string, error) {
	if !provider.Valid() {
		return "", domain.ErrInvalidRequest(fmt.Sprintf("unknown provider %q", provider))
	}
	if !signature.Valid(sig) {
		return "", domain.ErrInvalidRequest(fmt.Sprintf("invalid signature %q", sig))
	}
	return filepath.Join(s.dir, string(provider), sig+fileExt), nil
}

// Find loads and verifies a cassette.
func (s *FileStore) Find(ctx context.Context, provider domain.Provider, sig string) (*Cassette, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Path(provider, sig)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrNotFound("cassette not found: " + string(provider) + "/" + sig)
		}
		return nil, domain.ErrStorage("read cassette").WithCause(err)
	}

	c, _, err := s.decode(data)
	if err != nil {
		return nil, err
	}
	if c.Provider != provider || c.Signature != sig {
		return nil, domain.ErrCorrupt(fmt.Sprintf("cassette key %s/%s does not match file %s/%s",
			c.Provider, c.Signature, provider, sig))
	}
	return c, nil
}

// decode parses and verifies cassette bytes. The bool reports whether the
// file carried a tag.
func (s *FileStore) decode(data []byte) (*Cassette, bool, error) {
	var c Cassette
	if err := domain.UnmarshalJSON(data, &c); err != nil {
		return nil, false, domain.ErrCorrupt("decode cassette").WithCause(err)
	}
	if c.FormatVersion != FormatVersion {
		return nil, false, domain.ErrCorrupt(fmt.Sprintf("unsupported cassette format %q", c.FormatVersion))
	}
	if c.Response == nil {
		return nil, false, domain.ErrCorrupt("cassette has no response")
	}

	if c.IntegrityTag == "" {
		return &c, false, nil
	}
	if s.sealer == nil {
		// A tag without a configured secret cannot be checked.
		s.logger.Warn("cassette integrity tag not verified: no secret configured",
			slog.String("provider", string(c.Provider)),
			slog.String("signature", c.Signature))
		return &c, true, nil
	}

	payload, err := tagPayload(data)
	if err != nil {
		return nil, true, domain.ErrCorrupt("canonicalize cassette").WithCause(err)
	}
	ok, err := s.sealer.Check(payload, c.IntegrityTag)
	if err != nil {
		return nil, true, domain.ErrServer("verify cassette").WithCause(err)
	}
	if !ok {
		return nil, true, domain.ErrCorrupt("cassette integrity tag mismatch").
			WithCode(domain.ErrorCodeIntegrity)
	}
	return &c, true, nil
}

// tagPayload returns the compact canonical JSON of raw with integrity_tag
// removed. Working from the raw document keeps the tag independent of the
// Go field layout.
func tagPayload(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	delete(doc, "integrity_tag")
	return signature.CanonicalJSON(doc)
}

// Save writes c atomically. When the stored cassette already holds the same
// exchange the file is left untouched, unless it lacks an integrity tag the
// store could now add.
func (s *FileStore) Save(ctx context.Context, c *Cassette) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil || c.Response == nil {
		return domain.ErrInvalidRequest("cassette has no response")
	}
	path, err := s.Path(c.Provider, c.Signature)
	if err != nil {
		return err
	}

	if existing, err := s.Find(ctx, c.Provider, c.Signature); err == nil && sameExchange(existing, c) {
		if s.sealer == nil || existing.IntegrityTag != "" {
			return nil
		}
	}

	out := *c
	out.IntegrityTag = ""
	if out.FormatVersion == "" {
		out.FormatVersion = FormatVersion
	}
	if s.sealer != nil {
		compact, err := json.Marshal(&out)
		if err != nil {
			return fmt.Errorf("encode cassette: %w", err)
		}
		payload, err := tagPayload(compact)
		if err != nil {
			return fmt.Errorf("canonicalize cassette: %w", err)
		}
		if out.IntegrityTag, err = s.sealer.Tag(payload); err != nil {
			return err
		}
	}

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode cassette: %w", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return domain.ErrStorage("write cassette").WithCause(err)
	}
	return nil
}

func sameExchange(a, b *Cassette) bool {
	if a.MatchPolicy != b.MatchPolicy {
		return false
	}
	ja, errA := signature.CanonicalJSON(struct {
		Req  *domain.CanonicalRequest  `json:"request"`
		Resp *domain.CanonicalResponse `json:"response"`
	}{a.Request, a.Response})
	jb, errB := signature.CanonicalJSON(struct {
		Req  *domain.CanonicalRequest  `json:"request"`
		Resp *domain.CanonicalResponse `json:"response"`
	}{b.Request, b.Response})
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Delete removes a cassette. Deleting a missing cassette is not an error.
func (s *FileStore) Delete(ctx context.Context, provider domain.Provider, sig string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(provider, sig)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return domain.ErrStorage("delete cassette").WithCause(err)
	}
	return nil
}

// List returns the signatures stored for provider.
func (s *FileStore) List(ctx context.Context, provider domain.Provider) ([]string, error) {
	if !provider.Valid() {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("unknown provider %q", provider))
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, string(provider)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, domain.ErrStorage("list cassettes").WithCause(err)
	}

	var sigs []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || fsutil.IsTempFile(name) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		if sig := strings.TrimSuffix(name, fileExt); signature.Valid(sig) {
			sigs = append(sigs, sig)
		}
	}
	sort.Strings(sigs)
	return sigs, nil
}

// Verify decodes every cassette of provider, or of all known providers when
// provider is empty, and checks integrity tags.
func (s *FileStore) Verify(ctx context.Context, provider domain.Provider) ([]VerifyResult, error) {
	providers := []domain.Provider{provider}
	if provider == "" {
		providers = []domain.Provider{domain.ProviderAnthropic, domain.ProviderOpenAI}
	}

	var results []VerifyResult
	for _, p := range providers {
		sigs, err := s.List(ctx, p)
		if err != nil {
			return nil, err
		}
		for _, sig := range sigs {
			path, _ := s.Path(p, sig)
			res := VerifyResult{Provider: p, Signature: sig, Path: path}
			data, err := os.ReadFile(path)
			if err != nil {
				res.Err = domain.ErrStorage("read cassette").WithCause(err)
				results = append(results, res)
				continue
			}
			c, tagged, err := s.decode(data)
			res.Tagged = tagged
			switch {
			case err != nil:
				res.Err = err
			case c.Provider != p || c.Signature != sig:
				res.Err = domain.ErrCorrupt("cassette key does not match its path")
			}
			results = append(results, res)
		}
	}
	return results, nil
}
