package patch

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // SHA-1 is the content hash of the format
	"fmt"
	"io"
	"path/filepath"

	"github.com/meigma/nexus/internal/codec"
	"github.com/meigma/nexus/internal/fsutil"
)

// FetchFile downloads the top-level file published under dest's base name
// (for example "ClientData.index") at build and writes it to dest. A build
// <= 0 means the source's current build. The download is verified against
// the published hash before dest is replaced.
//
// It returns the build that was fetched.
func FetchFile(ctx context.Context, src Source, build int, dest string) (int, error) {
	if build <= 0 {
		b, err := src.ServerBuild(ctx)
		if err != nil {
			return 0, fmt.Errorf("server build: %w", err)
		}
		build = b
	}
	name := filepath.Base(dest)
	want, err := src.FileHash(ctx, build, name)
	if err != nil {
		return 0, err
	}
	body, err := src.DownloadHash(ctx, build, want)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	defer body.Close() //nolint:errcheck // read side

	out, err := fsutil.Create(dest)
	if err != nil {
		return 0, err
	}
	hr := codec.NewHashingReader(body, sha1.New()) //nolint:gosec // content hash
	if _, err := io.Copy(out, hr); err != nil {
		_ = out.Discard() //nolint:errcheck // best-effort cleanup
		return 0, fmt.Errorf("%s: %w: %w", name, ErrFetchFailed, err)
	}
	if !bytes.Equal(hr.Sum(), want) {
		_ = out.Discard() //nolint:errcheck // best-effort cleanup
		if inv, ok := src.(Invalidator); ok {
			_ = inv.Invalidate(want) //nolint:errcheck // the mismatch is the one worth reporting
		}
		return 0, fmt.Errorf("%s: %w", name, ErrHashMismatch)
	}
	if err := out.Commit(); err != nil {
		return 0, fmt.Errorf("%s: %w: %w", name, ErrWriteFailed, err)
	}
	return build, nil
}
