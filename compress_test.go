package proxylab

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

func jsonHandler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
}

func serveCompressed(t *testing.T, h http.Handler, accept string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	if accept != "" {
		req.Header.Set("Accept-Encoding", accept)
	}
	rec := httptest.NewRecorder()
	NewCompressHandler(h).ServeHTTP(rec, req)
	return rec
}

func TestParseAcceptEncoding(t *testing.T) {
	tests := []struct {
		header string
		want   []string
	}{
		{"gzip, deflate", []string{"gzip", "deflate"}},
		{"gzip;q=0.8, br;q=1.0", []string{"gzip", "br"}},
		{"br;q=0, gzip", []string{"gzip"}},
		{"GZIP", []string{"gzip"}},
		{"identity", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got := parseAcceptEncoding(tt.header)
			if len(got) != len(tt.want) {
				t.Fatalf("parseAcceptEncoding(%q) = %v, want %v", tt.header, got, tt.want)
			}
			for _, k := range tt.want {
				if _, ok := got[k]; !ok {
					t.Errorf("parseAcceptEncoding(%q) missing %q", tt.header, k)
				}
			}
		})
	}
}

func TestCompressHandler_Encodings(t *testing.T) {
	body := `{"logs":[` + strings.Repeat(`{"url":"https://example.com/","status_code":200},`, 40) + `{}]}`

	tests := []struct {
		accept string
		want   string
		decode func(io.Reader) (io.Reader, error)
	}{
		{"gzip", EncodingGzip, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
		{"br", EncodingBrotli, func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }},
		{"zstd", EncodingZstd, func(r io.Reader) (io.Reader, error) { return zstd.NewReader(r) }},
		{"gzip, zstd, br", EncodingBrotli, func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			rec := serveCompressed(t, jsonHandler(http.StatusOK, body), tt.accept)

			if got := rec.Header().Get("Content-Encoding"); got != tt.want {
				t.Fatalf("Content-Encoding = %q, want %q", got, tt.want)
			}
			if !strings.Contains(rec.Header().Get("Vary"), "Accept-Encoding") {
				t.Errorf("Vary = %q, want Accept-Encoding", rec.Header().Get("Vary"))
			}

			r, err := tt.decode(rec.Body)
			if err != nil {
				t.Fatalf("decoder: %v", err)
			}
			got, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("decompress: %v", err)
			}
			if string(got) != body {
				t.Error("decompressed body mismatch")
			}
		})
	}
}

func TestCompressHandler_Passthrough(t *testing.T) {
	large := strings.Repeat("x", 2048)

	tests := []struct {
		name    string
		handler http.Handler
		accept  string
		body    string
	}{
		{"no accept-encoding", jsonHandler(http.StatusOK, large), "", large},
		{"unsupported coding", jsonHandler(http.StatusOK, large), "deflate", large},
		{"below min size", jsonHandler(http.StatusOK, `{"status":"ok"}`), "gzip", `{"status":"ok"}`},
		{
			"binary content",
			http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "image/png")
				_, _ = io.WriteString(w, large)
			}),
			"gzip",
			large,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveCompressed(t, tt.handler, tt.accept)
			if got := rec.Header().Get("Content-Encoding"); got != "" {
				t.Errorf("Content-Encoding = %q, want none", got)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("body length = %d, want %d", rec.Body.Len(), len(tt.body))
			}
		})
	}
}

func TestCompressHandler_AlreadyEncoded(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = io.WriteString(w, strings.Repeat("x", 2048))
	})

	rec := serveCompressed(t, h, "br")
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip", got)
	}
	if rec.Body.Len() != 2048 {
		t.Errorf("body length = %d, want 2048", rec.Body.Len())
	}
}

func TestCompressHandler_KeepsStatus(t *testing.T) {
	rec := serveCompressed(t, jsonHandler(http.StatusConflict, strings.Repeat(" ", 1024)), "gzip")
	if rec.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	rec = serveCompressed(t, jsonHandler(http.StatusCreated, `{}`), "gzip")
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func BenchmarkCompressHandler_Logs(b *testing.B) {
	body := `[` + strings.Repeat(`{"client_ip":"127.0.0.1","url":"https://example.com/","method":"CONNECT"},`, 200) + `{}]`
	h := NewCompressHandler(jsonHandler(http.StatusOK, body))
	req := httptest.NewRequest(http.MethodGet, "/api/logs", nil)
	req.Header.Set("Accept-Encoding", "br")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
}
