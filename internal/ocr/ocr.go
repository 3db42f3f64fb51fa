// Package ocr extracts text from bill images ahead of parsing.
//
// The primary path is the Google Cloud Vision REST API; when it is
// unconfigured or fails, extraction falls back to a local Tesseract
// engine so ingestion keeps working offline.
package ocr

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const defaultVisionEndpoint = "https://vision.googleapis.com/v1/images:annotate"

// Extractor turns bill images into cleaned text.
type Extractor struct {
	cfg    domain.OCRConfig
	client *resty.Client
	logger *slog.Logger
}

// New creates an extractor from config.
func New(cfg domain.OCRConfig, logger *slog.Logger) *Extractor {
	if cfg.VisionEndpoint == "" {
		cfg.VisionEndpoint = defaultVisionEndpoint
	}

	client := resty.New()
	client.SetTimeout(30 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(1 * time.Second)

	return &Extractor{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// ExtractFile extracts text from an image file on disk.
func (e *Extractor) ExtractFile(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}
	return e.ExtractBytes(ctx, data)
}

// ExtractBase64 decodes a base64 payload and extracts its text.
func (e *Extractor) ExtractBase64(ctx context.Context, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode base64 image: %w", err)
	}
	return e.ExtractBytes(ctx, data)
}

// ExtractBytes runs OCR over raw image bytes, preferring the Vision
// API and falling back to Tesseract when configured.
func (e *Extractor) ExtractBytes(ctx context.Context, data []byte) (string, error) {
	text, err := e.extractWithVision(ctx, data)
	if err == nil {
		e.logger.Debug("text extracted via vision api", "chars", len(text))
		return CleanText(text), nil
	}

	if !e.cfg.TesseractFallback {
		return "", err
	}

	e.logger.Warn("vision api failed, falling back to tesseract", "error", err)
	text, terr := extractWithTesseract(data)
	if terr != nil {
		return "", fmt.Errorf("vision failed (%v); tesseract fallback: %w", err, terr)
	}
	return CleanText(text), nil
}

type visionRequest struct {
	Requests []visionAnnotateRequest `json:"requests"`
}

type visionAnnotateRequest struct {
	Image    visionImage    `json:"image"`
	Features []visionFeature `json:"features"`
}

type visionImage struct {
	Content string `json:"content"`
}

type visionFeature struct {
	Type string `json:"type"`
}

type visionResponse struct {
	Responses []visionAnnotateResponse `json:"responses"`
}

type visionAnnotateResponse struct {
	TextAnnotations []visionAnnotation `json:"textAnnotations"`
	Error           *visionError       `json:"error"`
}

type visionAnnotation struct {
	Description string `json:"description"`
}

type visionError struct {
	Message string `json:"message"`
}

func (e *Extractor) extractWithVision(ctx context.Context, data []byte) (string, error) {
	if e.cfg.VisionAPIKey == "" {
		return "", fmt.Errorf("vision api key not configured")
	}

	req := visionRequest{
		Requests: []visionAnnotateRequest{{
			Image:    visionImage{Content: base64.StdEncoding.EncodeToString(data)},
			Features: []visionFeature{{Type: "TEXT_DETECTION"}},
		}},
	}

	var result visionResponse
	resp, err := e.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("key", e.cfg.VisionAPIKey).
		SetBody(req).
		SetResult(&result).
		Post(e.cfg.VisionEndpoint)
	if err != nil {
		return "", fmt.Errorf("vision api request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("vision api status %d: %s", resp.StatusCode(), resp.String())
	}

	if len(result.Responses) == 0 {
		return "", fmt.Errorf("vision api returned no responses")
	}
	r := result.Responses[0]
	if r.Error != nil {
		return "", fmt.Errorf("vision api error: %s", r.Error.Message)
	}
	if len(r.TextAnnotations) == 0 {
		return "", nil
	}

	// The first annotation carries the whole detected block.
	return r.TextAnnotations[0].Description, nil
}

// CleanText trims every line and drops empty ones.
func CleanText(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// FileToBase64 reads a file and returns its base64 encoding.
func FileToBase64(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
