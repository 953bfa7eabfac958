package middleware

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// DefaultCompressionMinSize is the smallest body worth compressing.
const DefaultCompressionMinSize = 1024

var skipCompressionTypes = []string{
	"image/",
	"video/",
	"audio/",
	"application/zip",
	"application/gzip",
	"application/x-gzip",
}

// Compression gzips response bodies of at least minSize bytes for clients
// that accept it. Bodies are buffered so the decision is made on the final
// size; responses that already carry a Content-Encoding pass through.
func Compression(minSize int) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodHead || !strings.Contains(c.GetHeader("Accept-Encoding"), "gzip") {
			c.Next()
			return
		}

		w := &bufferedWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()
		c.Writer = w.ResponseWriter

		w.flush(minSize)
	}
}

type bufferedWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	return w.body.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.body.WriteString(s)
}

func (w *bufferedWriter) flush(minSize int) {
	if w.body.Len() == 0 {
		w.ResponseWriter.WriteHeaderNow()
		return
	}

	header := w.Header()
	if w.body.Len() < minSize || header.Get("Content-Encoding") != "" || skipCompression(header.Get("Content-Type")) {
		_, _ = w.ResponseWriter.Write(w.body.Bytes())
		return
	}

	header.Set("Content-Encoding", "gzip")
	header.Add("Vary", "Accept-Encoding")
	header.Del("Content-Length")

	gz := gzip.NewWriter(w.ResponseWriter)
	_, _ = gz.Write(w.body.Bytes())
	_ = gz.Close()
}

func skipCompression(contentType string) bool {
	for _, skipType := range skipCompressionTypes {
		if strings.HasPrefix(contentType, skipType) {
			return true
		}
	}
	return false
}
