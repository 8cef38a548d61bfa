package lookup

import (
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"github.com/meigma/nexus"
)

type handler struct {
	cat    *Catalog
	maxAge time.Duration
	logger *slog.Logger
}

// HandlerOption configures Handler.
type HandlerOption func(*handler)

// WithCacheMaxAge sets the Cache-Control max-age of content responses.
func WithCacheMaxAge(d time.Duration) HandlerOption {
	return func(h *handler) {
		h.maxAge = d
	}
}

// WithHandlerLogger sets the request logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *handler) {
		h.logger = logger
	}
}

// Handler serves cat in the patch server layout:
//
//	GET version.txt            current build
//	GET mirrors.txt            empty mirror list
//	GET {name}.index.bin       hash of {name}.index
//	GET {build}/{hex40}.bin    content by hash
//	GET {build}/{name}.bin     hash of a named file
//
// Every route answers HEAD as well. Responses are compressed when the client
// accepts gzip or zstd.
func Handler(cat *Catalog, opts ...HandlerOption) http.Handler {
	h := &handler{cat: cat, maxAge: DefaultCacheMaxAge}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /version.txt", h.version)
	mux.HandleFunc("GET /mirrors.txt", h.mirrors)
	mux.HandleFunc("GET /{file}", h.indexHash)
	mux.HandleFunc("GET /{build}/{file}", h.buildFile)
	return gzhttp.GzipHandler(mux)
}

func (h *handler) log() *slog.Logger {
	if h.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.logger
}

func (h *handler) version(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	h.writeBytes(w, r, "text/plain", []byte(strconv.Itoa(h.cat.Build())))
}

func (h *handler) mirrors(w http.ResponseWriter, r *http.Request) {
	h.writeBytes(w, r, "text/plain", nil)
}

func (h *handler) indexHash(w http.ResponseWriter, r *http.Request) {
	name, ok := strings.CutSuffix(r.PathValue("file"), ".index.bin")
	if !ok || name == "" {
		http.NotFound(w, r)
		return
	}
	h.serveHash(w, r, name+".index")
}

func (h *handler) buildFile(w http.ResponseWriter, r *http.Request) {
	if _, err := strconv.Atoi(r.PathValue("build")); err != nil {
		http.NotFound(w, r)
		return
	}
	stem, ok := strings.CutSuffix(r.PathValue("file"), ".bin")
	if !ok || stem == "" {
		http.NotFound(w, r)
		return
	}
	if len(stem) == 2*nexus.HashSize {
		if hash, err := hex.DecodeString(stem); err == nil {
			h.serveContent(w, r, hash)
			return
		}
	}
	h.serveHash(w, r, stem)
}

func (h *handler) serveHash(w http.ResponseWriter, r *http.Request, name string) {
	hash, ok := h.cat.FileHash(name)
	if !ok {
		h.log().Debug("unknown file", "name", name)
		http.NotFound(w, r)
		return
	}
	h.setCacheControl(w)
	h.writeBytes(w, r, "application/octet-stream", hash)
}

func (h *handler) serveContent(w http.ResponseWriter, r *http.Request, hash []byte) {
	rc, size, ok, err := h.cat.OpenHash(hash)
	if err != nil {
		h.log().Warn("open content", "hash", hex.EncodeToString(hash), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		h.log().Debug("unknown hash", "hash", hex.EncodeToString(hash))
		http.NotFound(w, r)
		return
	}
	defer rc.Close() //nolint:errcheck // read side

	h.setCacheControl(w)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, rc); err != nil {
		h.log().Debug("content write aborted", "hash", hex.EncodeToString(hash), "error", err)
	}
}

func (h *handler) setCacheControl(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.maxAge/time.Second)))
}

func (h *handler) writeBytes(w http.ResponseWriter, r *http.Request, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data) //nolint:errcheck // client went away
}
