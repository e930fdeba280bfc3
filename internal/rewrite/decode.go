package rewrite

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

var (
	// ErrUnsupportedEncoding is returned for content codings other than gzip, deflate and br.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
	// ErrDecodedTooLarge is returned when the decoded body exceeds the rewrite bound.
	ErrDecodedTooLarge = errors.New("decoded body exceeds limit")
)

// decode returns body with the given Content-Encoding removed. At most limit
// decoded bytes are produced.
func decode(encoding string, body []byte, limit int64) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, limit)
	case "deflate":
		// HTTP deflate is zlib-wrapped, but some servers send raw DEFLATE.
		out, err := inflateZlib(body, limit)
		if err == nil || errors.Is(err, ErrDecodedTooLarge) {
			return out, err
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer fr.Close()
		out, rawErr := readLimited(fr, limit)
		if rawErr != nil {
			return nil, fmt.Errorf("deflate: %w", err)
		}
		return out, nil
	case "br":
		return readLimited(brotli.NewReader(bytes.NewReader(body)), limit)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, encoding)
	}
}

func inflateZlib(body []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readLimited(zr, limit)
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, ErrDecodedTooLarge
	}
	return out, nil
}
