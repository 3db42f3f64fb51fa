//go:build !cgo

package ocr

import "fmt"

// extractWithTesseract requires the cgo-based gosseract bindings to
// libtesseract; without cgo the fallback is unavailable.
func extractWithTesseract(data []byte) (string, error) {
	return "", fmt.Errorf("tesseract fallback unavailable: built without cgo")
}
