package patch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/meigma/nexus"
	"github.com/meigma/nexus/internal/fsutil"
	"github.com/meigma/nexus/internal/sizing"
)

// versionFile names the file holding a mirror's current build.
const versionFile = "version.txt"

// FolderSource serves patch content from a local mirror directory laid out
// like a patch server: <hex>.bin files, optionally grouped by index name and
// build. With an index attached, content missing by hash is also looked up by
// the file's path.
type FolderSource struct {
	base   string
	index  *nexus.Index
	byHash func() map[[nexus.HashSize]byte][]*nexus.File
	logger *slog.Logger
}

// SourceOption configures a FolderSource.
type SourceOption func(*FolderSource)

// WithIndex enables lookups by file path through idx.
func WithIndex(idx *nexus.Index) SourceOption {
	return func(s *FolderSource) {
		s.index = idx
	}
}

// WithSourceLogger sets the logger for the source.
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *FolderSource) {
		s.logger = logger
	}
}

// NewFolderSource returns a source reading below base.
func NewFolderSource(base string, opts ...SourceOption) *FolderSource {
	s := &FolderSource{base: base}
	for _, opt := range opts {
		opt(s)
	}
	if idx := s.index; idx != nil {
		s.byHash = sync.OnceValue(func() map[[nexus.HashSize]byte][]*nexus.File {
			m := make(map[[nexus.HashSize]byte][]*nexus.File)
			for f := range idx.Files(true) {
				m[f.Hash()] = append(m[f.Hash()], f)
			}
			return m
		})
	}
	return s
}

func (s *FolderSource) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

// ServerBuild returns the build in version.txt, or 0 when the mirror has none.
func (s *FolderSource) ServerBuild(context.Context) (int, error) {
	data, err := os.ReadFile(filepath.Join(s.base, versionFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	build, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", versionFile, err)
	}
	return build, nil
}

// FileHash reads the 20-byte hash stored in [<build>/]<name>.bin.
func (s *FolderSource) FileHash(_ context.Context, build int, name string) ([]byte, error) {
	f, err := s.openFirst(s.buildCandidates(build, name+".bin"))
	if err != nil {
		return nil, err
	}
	defer f.Close() //nolint:errcheck // read-only
	hash, err := sizing.ReadAllWithLimit(f, nexus.HashSize, nexus.ErrInvalidHashLength)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(hash) != nexus.HashSize {
		return nil, fmt.Errorf("%s: %w: got %d bytes", name, nexus.ErrInvalidHashLength, len(hash))
	}
	return hash, nil
}

// DownloadHash opens the content stored under hash. It tries, in order,
// <index>/<build>/<hex>.bin, <index>/<hex>.bin, <build>/<hex>.bin and
// <hex>.bin, then the attached index's file path for hash below the same
// prefixes.
func (s *FolderSource) DownloadHash(_ context.Context, build int, hash []byte) (io.ReadCloser, error) {
	if len(hash) != nexus.HashSize {
		return nil, fmt.Errorf("%w: got %d bytes", nexus.ErrInvalidHashLength, len(hash))
	}
	if build <= 0 && s.index != nil {
		build = s.index.BuildNumber()
	}
	candidates := s.hashCandidates(build, hex.EncodeToString(hash)+".bin")
	candidates = append(candidates, s.pathCandidates(build, hash)...)
	return s.openFirst(candidates)
}

// DownloadFile resolves name's hash and opens its content.
func (s *FolderSource) DownloadFile(ctx context.Context, build int, name string) (io.ReadCloser, error) {
	hash, err := s.FileHash(ctx, build, name)
	if err != nil {
		return nil, err
	}
	return s.DownloadHash(ctx, build, hash)
}

func (s *FolderSource) indexName() string {
	if s.index == nil {
		return ""
	}
	name := filepath.Base(s.index.Name())
	return strings.TrimSuffix(name, filepath.Ext(name))
}

func (s *FolderSource) buildCandidates(build int, file string) []string {
	var out []string
	if build > 0 {
		out = append(out, filepath.Join(s.base, strconv.Itoa(build), file))
	}
	return append(out, filepath.Join(s.base, file))
}

func (s *FolderSource) hashCandidates(build int, file string) []string {
	var out []string
	if name := s.indexName(); name != "" {
		if build > 0 {
			out = append(out, filepath.Join(s.base, name, strconv.Itoa(build), file))
		}
		out = append(out, filepath.Join(s.base, name, file))
	}
	return append(out, s.buildCandidates(build, file)...)
}

func (s *FolderSource) pathCandidates(build int, hash []byte) []string {
	if s.byHash == nil {
		return nil
	}
	var out []string
	for _, f := range s.byHash()[[nexus.HashSize]byte(hash)] {
		var prefixes []string
		if name := s.indexName(); name != "" && build > 0 {
			prefixes = append(prefixes, filepath.Join(s.base, name, strconv.Itoa(build)))
		}
		if build > 0 {
			prefixes = append(prefixes, filepath.Join(s.base, strconv.Itoa(build)))
		}
		prefixes = append(prefixes, s.base)
		for _, prefix := range prefixes {
			if p, err := fsutil.Join(prefix, f.Path()); err == nil {
				out = append(out, p)
			}
		}
	}
	return out
}

func (s *FolderSource) openFirst(candidates []string) (*os.File, error) {
	for _, p := range candidates {
		f, err := os.Open(p) //nolint:gosec // candidates are built below the mirror root
		if err == nil {
			s.log().Debug("serving from mirror", "file", p)
			return f, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

var _ Source = (*FolderSource)(nil)
