// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// billColumns is the column list shared by all bill queries.
const billColumns = `id, vendor_name, vendor_address, bill_date, due_date, invoice_number,
	   total_amount, subtotal, tax_amount, discount_amount, currency, category,
	   line_items, payment_status, payment_method, source, processed_at`

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveBill stores a bill together with its screening report.
func (r *SQLRepository) SaveBill(ctx context.Context, bill *domain.Bill, report *domain.AnomalyReport) error {
	if bill == nil || bill.ID == "" {
		return fmt.Errorf("%w: bill with ID is required", ErrInvalidInput)
	}

	lineItems, _ := json.Marshal(bill.LineItems)

	query := `
		INSERT INTO bills (
			id, vendor_name, vendor_address, bill_date, due_date, invoice_number,
			total_amount, subtotal, tax_amount, discount_amount, currency, category,
			line_items, payment_status, payment_method, source, processed_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		bill.ID, bill.VendorName, bill.VendorAddress,
		bill.BillDate, bill.DueDate, bill.InvoiceNumber,
		bill.TotalAmount, bill.Subtotal, bill.TaxAmount, bill.DiscountAmount,
		bill.Currency, bill.Category,
		string(lineItems), bill.PaymentStatus, bill.PaymentMethod,
		bill.Source, bill.ProcessedAt, time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	if report == nil {
		return nil
	}
	return r.saveReport(ctx, bill.ID, report)
}

func (r *SQLRepository) saveReport(ctx context.Context, billID string, report *domain.AnomalyReport) error {
	violations, _ := json.Marshal(report.RuleViolations)
	metadata, _ := json.Marshal(report.Metadata)

	query := `
		INSERT INTO reports (
			id, bill_id, is_anomaly, is_duplicate, rule_violations,
			risk_score, recommendation, ml_confidence, timestamp, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		report.ID, billID,
		boolToInt(report.IsAnomaly), boolToInt(report.IsDuplicate),
		string(violations), report.RiskScore, report.Recommendation,
		report.MLConfidence, report.Timestamp, string(metadata),
	)
	return err
}

// GetBill retrieves a bill and its latest screening report.
func (r *SQLRepository) GetBill(ctx context.Context, billID string) (*domain.Bill, *domain.AnomalyReport, error) {
	if billID == "" {
		return nil, nil, fmt.Errorf("%w: billID is required", ErrInvalidInput)
	}

	query := `SELECT ` + billColumns + ` FROM bills WHERE id = ?`

	row := r.db.QueryRowContext(ctx, r.rebind(query), billID)
	bill, err := scanBill(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	report, err := r.latestReport(ctx, billID)
	if err != nil {
		return nil, nil, err
	}

	return bill, report, nil
}

func (r *SQLRepository) latestReport(ctx context.Context, billID string) (*domain.AnomalyReport, error) {
	query := `
		SELECT id, bill_id, is_anomaly, is_duplicate, rule_violations,
			   risk_score, recommendation, ml_confidence, timestamp, metadata
		FROM reports
		WHERE bill_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`

	var report domain.AnomalyReport
	var isAnomaly, isDuplicate int
	var violations, metadata string

	err := r.db.QueryRowContext(ctx, r.rebind(query), billID).Scan(
		&report.ID, &report.BillID, &isAnomaly, &isDuplicate, &violations,
		&report.RiskScore, &report.Recommendation, &report.MLConfidence,
		&report.Timestamp, &metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	report.IsAnomaly = isAnomaly == 1
	report.IsDuplicate = isDuplicate == 1
	json.Unmarshal([]byte(violations), &report.RuleViolations)
	json.Unmarshal([]byte(metadata), &report.Metadata)

	return &report, nil
}

// ListBills returns all stored bills, most recently processed first.
func (r *SQLRepository) ListBills(ctx context.Context) ([]*domain.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills ORDER BY processed_at DESC`
	return r.queryBills(ctx, query)
}

// ListBillsByCategory returns bills whose category matches, ignoring case.
func (r *SQLRepository) ListBillsByCategory(ctx context.Context, category string) ([]*domain.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills
		WHERE LOWER(category) = LOWER(?)
		ORDER BY processed_at DESC`
	return r.queryBills(ctx, query, category)
}

// ListDueSoon returns unpaid bills due within the given number of days.
func (r *SQLRepository) ListDueSoon(ctx context.Context, days int) ([]*domain.Bill, error) {
	if days < 0 {
		return nil, fmt.Errorf("%w: days must be non-negative", ErrInvalidInput)
	}

	// Dates are stored as YYYY-MM-DD text, so the window comparison is
	// lexical.
	today := time.Now().UTC().Format("2006-01-02")
	until := time.Now().UTC().AddDate(0, 0, days).Format("2006-01-02")

	query := `SELECT ` + billColumns + ` FROM bills
		WHERE due_date != '' AND due_date >= ? AND due_date <= ?
		  AND payment_status != 'paid'
		ORDER BY due_date ASC`
	return r.queryBills(ctx, query, today, until)
}

// ListAnomalies returns bills whose latest report flagged them.
func (r *SQLRepository) ListAnomalies(ctx context.Context) ([]*domain.Bill, error) {
	query := `SELECT ` + billColumns + ` FROM bills
		WHERE id IN (
			SELECT bill_id FROM reports
			WHERE is_anomaly = 1 OR risk_score >= ?
		)
		ORDER BY processed_at DESC`
	return r.queryBills(ctx, query, domain.RejectThreshold)
}

func (r *SQLRepository) queryBills(ctx context.Context, query string, args ...any) ([]*domain.Bill, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bills []*domain.Bill
	for rows.Next() {
		bill, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		bills = append(bills, bill)
	}

	return bills, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanBill(s scanner) (*domain.Bill, error) {
	var bill domain.Bill
	var vendorAddress, billDate, dueDate, invoiceNumber sql.NullString
	var category, paymentStatus, paymentMethod, source sql.NullString
	var lineItems sql.NullString

	err := s.Scan(
		&bill.ID, &bill.VendorName, &vendorAddress,
		&billDate, &dueDate, &invoiceNumber,
		&bill.TotalAmount, &bill.Subtotal, &bill.TaxAmount, &bill.DiscountAmount,
		&bill.Currency, &category,
		&lineItems, &paymentStatus, &paymentMethod, &source,
		&bill.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	bill.VendorAddress = vendorAddress.String
	bill.BillDate = billDate.String
	bill.DueDate = dueDate.String
	bill.InvoiceNumber = invoiceNumber.String
	bill.Category = category.String
	bill.PaymentStatus = paymentStatus.String
	bill.PaymentMethod = paymentMethod.String
	bill.Source = source.String

	if lineItems.String != "" {
		json.Unmarshal([]byte(lineItems.String), &bill.LineItems)
	}

	return &bill, nil
}

// UpdatePaymentStatus marks a bill paid, unpaid, or unknown.
func (r *SQLRepository) UpdatePaymentStatus(ctx context.Context, billID string, status string) error {
	switch status {
	case domain.PaymentPaid, domain.PaymentUnpaid, domain.PaymentUnknown:
	default:
		return fmt.Errorf("%w: unknown payment status %q", ErrInvalidInput, status)
	}

	query := `UPDATE bills SET payment_status = ? WHERE id = ?`

	result, err := r.db.ExecContext(ctx, r.rebind(query), status, billID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// Summary aggregates spend statistics over all stored bills.
func (r *SQLRepository) Summary(ctx context.Context) (*domain.Summary, error) {
	summary := &domain.Summary{
		ByCategory: make(map[string]float64),
		Monthly:    make(map[string]float64),
	}

	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_amount), 0), COUNT(*) FROM bills`,
	).Scan(&summary.TotalAmount, &summary.TotalBills)
	if err != nil {
		return nil, err
	}

	err = r.db.QueryRowContext(ctx, r.rebind(
		`SELECT COUNT(DISTINCT bill_id) FROM reports WHERE is_anomaly = 1 OR risk_score >= ?`,
	), domain.RejectThreshold).Scan(&summary.AnomalyCount)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT COALESCE(category, ''), SUM(total_amount) FROM bills GROUP BY category`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var topAmount float64
	for rows.Next() {
		var category string
		var amount float64
		if err := rows.Scan(&category, &amount); err != nil {
			return nil, err
		}
		if category == "" {
			category = "uncategorized"
		}
		summary.ByCategory[category] = amount
		if amount > topAmount {
			topAmount = amount
			summary.TopCategory = category
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Monthly buckets come from the YYYY-MM prefix of the bill date.
	monthRows, err := r.db.QueryContext(ctx,
		`SELECT substr(bill_date, 1, 7), SUM(total_amount)
		 FROM bills WHERE bill_date != '' GROUP BY substr(bill_date, 1, 7)`,
	)
	if err != nil {
		return nil, err
	}
	defer monthRows.Close()

	for monthRows.Next() {
		var month string
		var amount float64
		if err := monthRows.Scan(&month, &amount); err != nil {
			return nil, err
		}
		summary.Monthly[month] = amount
	}

	return summary, monthRows.Err()
}

// SaveRuleConfig stores a screening rule, upserting on (id, version).
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule with ID is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO screen_rules (
			id, name, description, version, expression, label, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			label = excluded.label,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Version,
		rule.Expression, rule.Label, boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

// ListRuleConfigs retrieves all active screening rules in creation
// order, so engine loads are deterministic.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, version, expression, label, enabled
		FROM screen_rules
		WHERE enabled = 1
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var description sql.NullString
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &description,
			&cfg.Version, &cfg.Expression, &cfg.Label, &enabled,
		); err != nil {
			return nil, err
		}

		cfg.Description = description.String
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
