package upstream

import (
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// acceptEncoding lists the codings we can decode when we manage
// decompression ourselves instead of letting the transport do it.
const acceptEncoding = "gzip, br, zstd"

type zstdReadCloser struct {
	*zstd.Decoder
	body io.Closer
}

func (z *zstdReadCloser) Close() error {
	z.Decoder.Close()
	return z.body.Close()
}

type wrappedReadCloser struct {
	io.Reader
	body io.Closer
}

func (w *wrappedReadCloser) Close() error { return w.body.Close() }

// decodeBody wraps a response body according to its Content-Encoding header.
// Unknown or absent codings pass the body through untouched.
func decodeBody(resp *http.Response) (io.ReadCloser, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &wrappedReadCloser{Reader: gz, body: resp.Body}, nil
	case "br":
		return &wrappedReadCloser{Reader: brotli.NewReader(resp.Body), body: resp.Body}, nil
	case "zstd":
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		return &zstdReadCloser{Decoder: dec, body: resp.Body}, nil
	default:
		return resp.Body, nil
	}
}
