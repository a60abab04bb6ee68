package pipeline

import (
	"bytes"
	"fmt"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/unidoc/unipdf/v3/model"
	_ "golang.org/x/image/webp"
)

// pageCount opens a PDF and returns its number of pages. A document
// without pages is rejected.
func pageCount(data []byte) (int, error) {
	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("renderer output is not a readable PDF: %w", err)
	}
	n, err := reader.GetNumPages()
	if err != nil {
		return 0, fmt.Errorf("failed to count PDF pages: %w", err)
	}
	if n < 1 {
		return 0, fmt.Errorf("rendered PDF has no pages")
	}
	return n, nil
}

// thumbnail decodes a rasterized page and fits it within max x max,
// preserving the aspect ratio. The result is PNG encoded.
func thumbnail(page []byte, max int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("failed to decode rasterized page: %w", err)
	}
	b := img.Bounds()
	if b.Dx() > max || b.Dy() > max {
		img = imaging.Fit(img, max, max, imaging.Lanczos)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
