//go:build cgo

package ocr

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// extractWithTesseract runs a local Tesseract engine over the image
// bytes. Requires the libtesseract native library at runtime.
func extractWithTesseract(data []byte) (string, error) {
	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("tesseract set image: %w", err)
	}

	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract extract: %w", err)
	}
	return text, nil
}
