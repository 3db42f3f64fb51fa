package repository

// Schema definitions for Kestrel's database.
// Compatible with both SQLite and PostgreSQL.

const schemaBills = `
CREATE TABLE IF NOT EXISTS bills (
    id TEXT PRIMARY KEY,
    vendor_name TEXT NOT NULL,
    vendor_address TEXT,
    bill_date TEXT,
    due_date TEXT,
    invoice_number TEXT,
    total_amount REAL NOT NULL,
    subtotal REAL,
    tax_amount REAL,
    discount_amount REAL,
    currency TEXT NOT NULL,
    category TEXT,
    line_items TEXT,
    payment_status TEXT,
    payment_method TEXT,
    source TEXT,
    processed_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bills_vendor ON bills(vendor_name);
CREATE INDEX IF NOT EXISTS idx_bills_due_date ON bills(due_date);
CREATE INDEX IF NOT EXISTS idx_bills_category ON bills(category);
CREATE INDEX IF NOT EXISTS idx_bills_processed ON bills(processed_at);
`

const schemaReports = `
CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    bill_id TEXT NOT NULL,
    is_anomaly INTEGER NOT NULL,
    is_duplicate INTEGER NOT NULL,
    rule_violations TEXT NOT NULL,
    risk_score INTEGER NOT NULL,
    recommendation TEXT NOT NULL,
    ml_confidence REAL NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_bill ON reports(bill_id);
CREATE INDEX IF NOT EXISTS idx_reports_score ON reports(risk_score);
`

const schemaScreenRules = `
CREATE TABLE IF NOT EXISTS screen_rules (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    label TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_screen_rules_enabled ON screen_rules(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaBills,
		schemaReports,
		schemaScreenRules,
	}
}
