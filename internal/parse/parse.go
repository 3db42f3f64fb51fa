// Package parse turns raw OCR text into structured bills using an
// OpenAI-compatible chat completion API.
package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
)

const systemPrompt = "You are an expert invoice and bill parser. Extract all fields accurately. Return ONLY valid JSON, no extra text, no markdown code blocks."

const extractionPrompt = `Extract all information from this bill and return as JSON with this exact schema:
{
  "vendor_name": string,
  "vendor_address": string or null,
  "bill_date": "YYYY-MM-DD" or null,
  "due_date": "YYYY-MM-DD" or null,
  "invoice_number": string or null,
  "total_amount": number,
  "subtotal": number or null,
  "tax_amount": number or null,
  "discount_amount": number or null,
  "currency": "USD" or "INR" or "EUR" etc,
  "category": one of [food, utilities, travel, shopping, medical, entertainment, subscription, other],
  "line_items": [{"description": string, "quantity": number, "unit_price": number, "total": number}],
  "payment_status": "paid" or "unpaid" or "unknown",
  "payment_method": string or null
}

Bill text: %s`

const simplePrompt = `Extract the vendor name, total amount, and date from this bill. Return as JSON:
{
  "vendor_name": string,
  "total_amount": number,
  "bill_date": "YYYY-MM-DD" or null,
  "currency": "USD" or "INR" or "EUR" etc
}

Bill text: %s`

// Parser extracts structured bills from raw text.
type Parser struct {
	cfg    domain.ParserConfig
	client *resty.Client
	logger *slog.Logger
}

// New creates a parser from config.
func New(cfg domain.ParserConfig, logger *slog.Logger) *Parser {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}

	client := resty.New()
	client.SetTimeout(60 * time.Second)
	client.SetRetryCount(2)
	client.SetRetryWaitTime(2 * time.Second)

	return &Parser{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
}

// billPayload mirrors the JSON schema the model is asked to produce.
type billPayload struct {
	VendorName     string         `json:"vendor_name"`
	VendorAddress  *string        `json:"vendor_address"`
	BillDate       *string        `json:"bill_date"`
	DueDate        *string        `json:"due_date"`
	InvoiceNumber  *string        `json:"invoice_number"`
	TotalAmount    float64        `json:"total_amount"`
	Subtotal       *float64       `json:"subtotal"`
	TaxAmount      *float64       `json:"tax_amount"`
	DiscountAmount *float64       `json:"discount_amount"`
	Currency       string         `json:"currency"`
	Category       string         `json:"category"`
	LineItems      []itemPayload  `json:"line_items"`
	PaymentStatus  string         `json:"payment_status"`
	PaymentMethod  *string        `json:"payment_method"`
}

type itemPayload struct {
	Description string  `json:"description"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Total       float64 `json:"total"`
}

// Parse extracts a bill from raw OCR text. A failed first attempt is
// retried once with a simplified prompt before giving up.
func (p *Parser) Parse(ctx context.Context, rawText string) (*domain.Bill, error) {
	if p.cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("openai api key not configured")
	}
	if strings.TrimSpace(rawText) == "" {
		return nil, fmt.Errorf("raw text is empty")
	}

	payload, err := p.complete(ctx, systemPrompt, fmt.Sprintf(extractionPrompt, rawText))
	if err != nil {
		p.logger.Warn("bill parsing failed, retrying with simplified prompt", "error", err)
		payload, err = p.complete(ctx, "Extract basic bill information. Return only valid JSON.",
			fmt.Sprintf(simplePrompt, rawText))
		if err != nil {
			return nil, fmt.Errorf("parse bill after retry: %w", err)
		}
	}

	validateAndFix(payload)
	bill := toBill(payload)

	p.logger.Info("bill parsed", "vendor", bill.VendorName, "amount", bill.TotalAmount)
	return bill, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// ChatMessage is a single turn in an assistant conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chat runs a freeform assistant completion: the system prompt carries
// whatever context the caller wants grounded on, history replays prior
// turns, and the reply text is returned verbatim.
func (p *Parser) Chat(ctx context.Context, system string, history []ChatMessage, user string) (string, error) {
	if p.cfg.OpenAIAPIKey == "" {
		return "", fmt.Errorf("openai api key not configured")
	}
	if strings.TrimSpace(user) == "" {
		return "", fmt.Errorf("message is empty")
	}

	messages := []chatMessage{{Role: "system", Content: system}}
	for _, m := range history {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	reply, err := p.completion(ctx, chatRequest{
		Model:       p.cfg.Model,
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(reply), nil
}

func (p *Parser) complete(ctx context.Context, system, user string) (*billPayload, error) {
	raw, err := p.completion(ctx, chatRequest{
		Model: p.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}

	content := stripFences(raw)

	var payload billPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("parse JSON response: %w", err)
	}
	return &payload, nil
}

func (p *Parser) completion(ctx context.Context, req chatRequest) (string, error) {
	var result chatResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "Bearer "+p.cfg.OpenAIAPIKey).
		SetBody(req).
		SetResult(&result).
		Post(p.cfg.BaseURL + "/chat/completions")
	if err != nil {
		return "", fmt.Errorf("chat completion request: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("chat completion status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// stripFences removes a markdown code fence wrapping the JSON, which
// models emit despite being told not to.
func stripFences(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```json") {
		content = content[7:]
	} else if strings.HasPrefix(content, "```") {
		content = content[3:]
	}
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}

// validateAndFix fills required fields the model left out and derives
// a missing total from the line items.
func validateAndFix(p *billPayload) {
	if p.VendorName == "" {
		p.VendorName = "Unknown Vendor"
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if p.Category == "" {
		p.Category = "other"
	}
	if p.PaymentStatus == "" {
		p.PaymentStatus = domain.PaymentUnknown
	}

	if p.TotalAmount == 0 && len(p.LineItems) > 0 {
		var sum float64
		for _, item := range p.LineItems {
			sum += item.Total
		}
		if sum > 0 {
			p.TotalAmount = sum
		}
	}
}

func toBill(p *billPayload) *domain.Bill {
	bill := &domain.Bill{
		VendorName:    p.VendorName,
		TotalAmount:   p.TotalAmount,
		Subtotal:      p.Subtotal,
		TaxAmount:     p.TaxAmount,
		DiscountAmount: p.DiscountAmount,
		Currency:      p.Currency,
		Category:      p.Category,
		PaymentStatus: p.PaymentStatus,
	}

	if p.VendorAddress != nil {
		bill.VendorAddress = *p.VendorAddress
	}
	if p.BillDate != nil {
		bill.BillDate = *p.BillDate
	}
	if p.DueDate != nil {
		bill.DueDate = *p.DueDate
	}
	if p.InvoiceNumber != nil {
		bill.InvoiceNumber = *p.InvoiceNumber
	}
	if p.PaymentMethod != nil {
		bill.PaymentMethod = *p.PaymentMethod
	}

	for _, item := range p.LineItems {
		bill.LineItems = append(bill.LineItems, domain.LineItem{
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Total:       item.Total,
		})
	}

	return bill
}
