package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"  // register GIF decoding
	_ "image/jpeg" // register JPEG decoding
	"image/png"
	"io"
	"net/http"
)

// maxImagePixels bounds decoded image size.
const maxImagePixels = 40_000_000

// ImageFetcher loads the bytes of a media reference.
type ImageFetcher interface {
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// HTTPImageFetcher downloads images over HTTP with a size cap.
type HTTPImageFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewHTTPImageFetcher builds a fetcher. A nil client uses http.DefaultClient.
func NewHTTPImageFetcher(client *http.Client, maxBytes int64) *HTTPImageFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPImageFetcher{client: client, maxBytes: maxBytes}
}

// FetchImage implements ImageFetcher.
func (f *HTTPImageFetcher) FetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build image request: %w", err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/gif")
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}
	return data, nil
}

// normaliseImage returns the fpdf image type and payload for data. JPEGs pass
// through; PNG and GIF are redrawn as 8-bit NRGBA and re-encoded, since fpdf
// rejects 16-bit and some palette PNGs.
func normaliseImage(data []byte) (string, []byte, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("decode image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > maxImagePixels {
		return "", nil, fmt.Errorf("image dimensions %dx%d out of range", cfg.Width, cfg.Height)
	}
	switch format {
	case "jpeg":
		return "JPG", data, nil
	case "png", "gif":
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return "", nil, fmt.Errorf("decode image: %w", err)
		}
		flat := image.NewNRGBA(img.Bounds())
		draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Src)
		var buf bytes.Buffer
		if err := png.Encode(&buf, flat); err != nil {
			return "", nil, fmt.Errorf("encode png: %w", err)
		}
		return "PNG", buf.Bytes(), nil
	}
	return "", nil, errors.New("unsupported image format " + format)
}
