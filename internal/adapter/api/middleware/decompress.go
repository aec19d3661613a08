package middleware

import (
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Decompress transparently decodes gzip and zstd request bodies so handlers
// always read plain payloads. Size limits applied downstream therefore bound
// the decoded size.
func Decompress(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding")))

		var body io.ReadCloser
		switch encoding {
		case "", "identity":
			next.ServeHTTP(w, r)
			return
		case "gzip":
			zr, err := gzip.NewReader(r.Body)
			if err != nil {
				http.Error(w, "Bad request: invalid gzip body", http.StatusBadRequest)
				return
			}
			body = zr
		case "zstd":
			zr, err := zstd.NewReader(r.Body)
			if err != nil {
				http.Error(w, "Bad request: invalid zstd body", http.StatusBadRequest)
				return
			}
			body = zr.IOReadCloser()
		default:
			http.Error(w, "Unsupported Content-Encoding", http.StatusUnsupportedMediaType)
			return
		}
		defer body.Close()

		r.Body = body
		r.Header.Del("Content-Encoding")
		r.ContentLength = -1
		next.ServeHTTP(w, r)
	})
}
