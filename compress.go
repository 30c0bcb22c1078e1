package proxylab

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Content codings understood by the dashboard.
const (
	EncodingGzip   = "gzip"
	EncodingZstd   = "zstd"
	EncodingBrotli = "br"
)

// DefaultCompressMinSize is the body size below which dashboard responses
// are sent as-is.
const DefaultCompressMinSize = 512

// CompressionConfig controls dashboard response compression.
type CompressionConfig struct {
	// MinSize is the smallest body that gets compressed.
	MinSize int

	// Level is passed to the encoder. 0 selects each encoder's default.
	Level int

	// PreferOrder breaks ties when the client accepts several codings.
	PreferOrder []string
}

// DefaultCompressionConfig prefers brotli, then zstd, then gzip.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		MinSize:     DefaultCompressMinSize,
		PreferOrder: []string{EncodingBrotli, EncodingZstd, EncodingGzip},
	}
}

// compressibleTypes are the content types the dashboard produces that are
// worth compressing. /metrics serves text/plain.
var compressibleTypes = []string{
	"application/json",
	"text/",
}

// CompressHandler compresses dashboard responses. Log listings in
// particular can run to hundreds of kilobytes of repetitive JSON.
type CompressHandler struct {
	Handler http.Handler
	Config  CompressionConfig
}

// NewCompressHandler wraps h with the default configuration.
func NewCompressHandler(h http.Handler) *CompressHandler {
	return &CompressHandler{Handler: h, Config: DefaultCompressionConfig()}
}

func (c *CompressHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enc := c.negotiate(r.Header.Get("Accept-Encoding"))
	if enc == "" {
		c.Handler.ServeHTTP(w, r)
		return
	}

	cw := &compressWriter{ResponseWriter: w, encoding: enc, config: c.Config, status: http.StatusOK}
	defer func() { _ = cw.finish() }()
	c.Handler.ServeHTTP(cw, r)
}

// negotiate returns the first coding in PreferOrder the client accepts.
func (c *CompressHandler) negotiate(header string) string {
	if header == "" {
		return ""
	}
	accepted := parseAcceptEncoding(header)

	order := c.Config.PreferOrder
	if len(order) == 0 {
		order = DefaultCompressionConfig().PreferOrder
	}
	for _, enc := range order {
		if _, ok := accepted[enc]; ok {
			return enc
		}
	}
	return ""
}

// parseAcceptEncoding returns the codings with a non-zero quality.
func parseAcceptEncoding(header string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(part, ";")
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == "identity" {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(q, 64); err == nil && v == 0 {
				continue
			}
		}
		out[name] = struct{}{}
	}
	return out
}

// compressWriter holds the body back until MinSize bytes have arrived, then
// commits to either compressed or plain output.
type compressWriter struct {
	http.ResponseWriter
	encoding string
	config   CompressionConfig

	status    int
	pending   []byte
	enc       io.WriteCloser
	decided   bool
	headerOut bool
}

func (cw *compressWriter) WriteHeader(status int) {
	if cw.headerOut || cw.decided {
		return
	}
	cw.status = status
	if status == http.StatusNoContent || status == http.StatusNotModified {
		cw.passthrough()
	}
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	if cw.decided {
		if cw.enc != nil {
			return cw.enc.Write(b)
		}
		return cw.ResponseWriter.Write(b)
	}

	cw.pending = append(cw.pending, b...)
	if len(cw.pending) < cw.minSize() {
		return len(b), nil
	}

	if !cw.eligible() {
		cw.passthrough()
	} else if err := cw.start(); err != nil {
		cw.passthrough()
	}
	if err := cw.drain(); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Flush commits to the current decision so streamed output is not held.
func (cw *compressWriter) Flush() {
	if !cw.decided {
		if len(cw.pending) >= cw.minSize() && cw.eligible() && cw.start() == nil {
			_ = cw.drain()
		} else {
			cw.passthrough()
			_ = cw.drain()
		}
	}
	if f, ok := cw.enc.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) finish() error {
	if !cw.decided {
		cw.passthrough()
	}
	if err := cw.drain(); err != nil {
		return err
	}
	if cw.enc != nil {
		return cw.enc.Close()
	}
	return nil
}

func (cw *compressWriter) minSize() int {
	if cw.config.MinSize > 0 {
		return cw.config.MinSize
	}
	return DefaultCompressMinSize
}

func (cw *compressWriter) eligible() bool {
	h := cw.Header()
	if h.Get("Content-Encoding") != "" {
		return false
	}
	ct := strings.ToLower(h.Get("Content-Type"))
	for _, t := range compressibleTypes {
		if strings.HasPrefix(ct, t) {
			return true
		}
	}
	return false
}

func (cw *compressWriter) passthrough() {
	cw.decided = true
	cw.writeHeader()
}

func (cw *compressWriter) start() error {
	var err error
	switch cw.encoding {
	case EncodingGzip:
		level := cw.config.Level
		if level == 0 {
			level = gzip.DefaultCompression
		}
		cw.enc, err = gzip.NewWriterLevel(cw.ResponseWriter, level)
	case EncodingZstd:
		level := zstd.SpeedDefault
		if cw.config.Level != 0 {
			level = zstd.EncoderLevelFromZstd(cw.config.Level)
		}
		cw.enc, err = zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(level))
	case EncodingBrotli:
		level := cw.config.Level
		if level == 0 {
			level = brotli.DefaultCompression
		}
		cw.enc = brotli.NewWriterLevel(cw.ResponseWriter, level)
	}
	if err != nil {
		cw.enc = nil
		return err
	}

	h := cw.Header()
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")
	cw.decided = true
	cw.writeHeader()
	return nil
}

func (cw *compressWriter) writeHeader() {
	if cw.headerOut {
		return
	}
	cw.headerOut = true
	cw.ResponseWriter.WriteHeader(cw.status)
}

func (cw *compressWriter) drain() error {
	if len(cw.pending) == 0 {
		return nil
	}
	buf := cw.pending
	cw.pending = nil
	var err error
	if cw.enc != nil {
		_, err = cw.enc.Write(buf)
	} else {
		_, err = cw.ResponseWriter.Write(buf)
	}
	return err
}
