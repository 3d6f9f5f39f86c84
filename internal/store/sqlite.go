package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/themegpt/themegpt/internal/entitlement"
)

const privateDirPerm = 0o700

// SQLiteStore implements EntitlementStore on a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ EntitlementStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the entitlement database in dir.
func NewSQLiteStore(dir string) (*SQLiteStore, error) {
	dir = filepath.Clean(dir)
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("dir is required")
	}
	if err := os.MkdirAll(dir, privateDirPerm); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "themegpt.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open entitlement db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("close entitlement db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		license_key            TEXT PRIMARY KEY,
		type                   TEXT NOT NULL,
		active                 INTEGER NOT NULL DEFAULT 1,
		max_slots              INTEGER NOT NULL DEFAULT 0,
		active_slot_themes     TEXT NOT NULL DEFAULT '[]',
		permanently_unlocked   TEXT NOT NULL DEFAULT '[]',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		created_at             INTEGER NOT NULL,
		version                INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_stripe_sub ON licenses(stripe_subscription_id);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id                     TEXT PRIMARY KEY,
		user_id                TEXT NOT NULL UNIQUE,
		status                 TEXT NOT NULL,
		plan_type              TEXT NOT NULL DEFAULT 'monthly',
		current_period_end     INTEGER NOT NULL,
		trial_ends_at          INTEGER,
		commitment_ends_at     INTEGER,
		is_lifetime            INTEGER NOT NULL DEFAULT 0,
		stripe_customer_id     TEXT NOT NULL DEFAULT '',
		stripe_subscription_id TEXT NOT NULL DEFAULT '',
		created_at             INTEGER NOT NULL,
		updated_at             INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_stripe_sub ON subscriptions(stripe_subscription_id);

	CREATE TABLE IF NOT EXISTS license_links (
		license_key TEXT PRIMARY KEY,
		user_id     TEXT NOT NULL,
		email       TEXT NOT NULL DEFAULT '',
		linked_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_license_links_user ON license_links(user_id);

	CREATE TABLE IF NOT EXISTS downloads (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		subscription_id TEXT NOT NULL DEFAULT '',
		license_key     TEXT NOT NULL DEFAULT '',
		theme_id        TEXT NOT NULL,
		theme_name      TEXT NOT NULL DEFAULT '',
		downloaded_at   INTEGER NOT NULL,
		billing_period  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_downloads_user ON downloads(user_id, downloaded_at);

	CREATE TABLE IF NOT EXISTS webhook_events (
		event_id    TEXT PRIMARY KEY,
		event_type  TEXT NOT NULL,
		received_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init entitlement schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const licenseColumns = `license_key, type, active, max_slots, active_slot_themes,
	permanently_unlocked, stripe_subscription_id, created_at, version`

// GetLicense retrieves a license by key.
func (s *SQLiteStore) GetLicense(ctx context.Context, key string) (*entitlement.License, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE license_key = ?`, key)
	return scanLicense(row)
}

// CreateLicense inserts a new license. Existing keys are never overwritten.
func (s *SQLiteStore) CreateLicense(ctx context.Context, l *entitlement.License) error {
	if l == nil || l.Key == "" || l.Plan == nil {
		return fmt.Errorf("license with key and plan is required")
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	if l.Version == 0 {
		l.Version = 1
	}
	cols, err := planColumns(l.Plan)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO licenses (`+licenseColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(license_key) DO NOTHING`,
		l.Key, string(l.Type()), boolToInt(l.Active), cols.maxSlots, cols.activeSlots,
		cols.unlocked, l.StripeSubscriptionID, toMillis(l.CreatedAt), l.Version,
	)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrLicenseExists
	}
	return nil
}

// CompareAndSwapPlan writes l.Plan if the stored version matches l.Version.
func (s *SQLiteStore) CompareAndSwapPlan(ctx context.Context, l *entitlement.License) (bool, error) {
	cols, err := planColumns(l.Plan)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET
			max_slots = ?, active_slot_themes = ?, permanently_unlocked = ?, version = version + 1
		WHERE license_key = ? AND type = ? AND version = ?`,
		cols.maxSlots, cols.activeSlots, cols.unlocked,
		l.Key, string(l.Type()), l.Version,
	)
	if err != nil {
		return false, fmt.Errorf("update license plan: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	l.Version++
	return true, nil
}

// ReplaceSlotThemes overwrites the active slot set of a subscription license.
func (s *SQLiteStore) ReplaceSlotThemes(ctx context.Context, key string, themes []string) error {
	encoded, err := encodeThemes(themes)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE licenses SET active_slot_themes = ?, version = version + 1
		WHERE license_key = ? AND type = ? AND max_slots >= ?`,
		encoded, key, string(entitlement.TypeSubscription), len(themes),
	)
	if err != nil {
		return fmt.Errorf("replace slot themes: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrSlotGuard
	}
	return nil
}

// SetLicensesActiveBySubscription toggles every license created by a billing subscription.
func (s *SQLiteStore) SetLicensesActiveBySubscription(ctx context.Context, stripeSubscriptionID string, active bool) (int64, error) {
	if stripeSubscriptionID == "" {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE licenses SET active = ? WHERE stripe_subscription_id = ?`,
		boolToInt(active), stripeSubscriptionID,
	)
	if err != nil {
		return 0, fmt.Errorf("set licenses active: %w", err)
	}
	return res.RowsAffected()
}

const subscriptionColumns = `id, user_id, status, plan_type, current_period_end, trial_ends_at,
	commitment_ends_at, is_lifetime, stripe_customer_id, stripe_subscription_id, created_at, updated_at`

// GetSubscriptionByUser retrieves the subscription owned by userID.
func (s *SQLiteStore) GetSubscriptionByUser(ctx context.Context, userID string) (*entitlement.Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = ?`, userID)
	return scanSubscription(row)
}

// GetSubscriptionByStripeID retrieves a subscription by its billing reference.
func (s *SQLiteStore) GetSubscriptionByStripeID(ctx context.Context, stripeSubscriptionID string) (*entitlement.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE stripe_subscription_id = ?`, stripeSubscriptionID)
	return scanSubscription(row)
}

// PutSubscription inserts sub or replaces the user's existing subscription.
// The stored ID is written back to sub.
func (s *SQLiteStore) PutSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	if sub == nil || sub.UserID == "" || sub.ID == "" {
		return fmt.Errorf("subscription with id and user is required")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			status = excluded.status,
			plan_type = excluded.plan_type,
			current_period_end = excluded.current_period_end,
			trial_ends_at = excluded.trial_ends_at,
			commitment_ends_at = excluded.commitment_ends_at,
			is_lifetime = excluded.is_lifetime,
			stripe_customer_id = excluded.stripe_customer_id,
			stripe_subscription_id = excluded.stripe_subscription_id,
			updated_at = excluded.updated_at`,
		sub.ID, sub.UserID, string(sub.Status), string(sub.PlanType), toMillis(sub.CurrentPeriodEnd),
		nullableMillis(sub.TrialEndsAt), nullableMillis(sub.CommitmentEndsAt), boolToInt(sub.IsLifetime),
		sub.StripeCustomerID, sub.StripeSubscriptionID, toMillis(sub.CreatedAt), toMillis(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("put subscription: %w", err)
	}

	var id string
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT id, created_at FROM subscriptions WHERE user_id = ?`, sub.UserID)
	if err := row.Scan(&id, &createdAt); err != nil {
		return fmt.Errorf("reload subscription id: %w", err)
	}
	sub.ID = id
	sub.CreatedAt = fromMillis(createdAt)
	return nil
}

// GetLicenseLink retrieves the link for a license key.
func (s *SQLiteStore) GetLicenseLink(ctx context.Context, key string) (*entitlement.LicenseLink, error) {
	var link entitlement.LicenseLink
	var linkedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT license_key, user_id, email, linked_at FROM license_links WHERE license_key = ?`, key,
	).Scan(&link.LicenseKey, &link.UserID, &link.Email, &linkedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get license link: %w", err)
	}
	link.LinkedAt = fromMillis(linkedAt)
	return &link, nil
}

// ClaimLicenseLink inserts link unless the license already has one. The
// insert and the uniqueness check are one statement.
func (s *SQLiteStore) ClaimLicenseLink(ctx context.Context, link entitlement.LicenseLink) (bool, error) {
	if link.LicenseKey == "" || link.UserID == "" {
		return false, fmt.Errorf("license key and user are required")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO license_links (license_key, user_id, email, linked_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(license_key) DO NOTHING`,
		link.LicenseKey, link.UserID, link.Email, toMillis(link.LinkedAt),
	)
	if err != nil {
		return false, fmt.Errorf("claim license link: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim license link: %w", err)
	}
	return affected == 1, nil
}

// LinkedLicenseForUser returns the user's active linked license, preferring
// subscription licenses and then the most recent link.
func (s *SQLiteStore) LinkedLicenseForUser(ctx context.Context, userID string) (*entitlement.License, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT l.license_key, l.type, l.active, l.max_slots, l.active_slot_themes,
			l.permanently_unlocked, l.stripe_subscription_id, l.created_at, l.version
		FROM licenses l
		JOIN license_links k ON k.license_key = l.license_key
		WHERE k.user_id = ? AND l.active = 1
		ORDER BY CASE l.type WHEN ? THEN 0 ELSE 1 END, k.linked_at DESC
		LIMIT 1`,
		userID, string(entitlement.TypeSubscription),
	)
	return scanLicense(row)
}

// RecordDownload appends an audit entry.
func (s *SQLiteStore) RecordDownload(ctx context.Context, d entitlement.Download) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO downloads (id, user_id, subscription_id, license_key, theme_id, theme_name, downloaded_at, billing_period)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.UserID, d.SubscriptionID, d.LicenseKey, d.ThemeID, d.ThemeName,
		toMillis(d.DownloadedAt), d.BillingPeriod,
	)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// ListDownloads returns the user's most recent downloads, newest first.
func (s *SQLiteStore) ListDownloads(ctx context.Context, userID string, limit int) ([]entitlement.Download, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, subscription_id, license_key, theme_id, theme_name, downloaded_at, billing_period
		FROM downloads WHERE user_id = ?
		ORDER BY downloaded_at DESC, rowid DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	downloads := []entitlement.Download{}
	for rows.Next() {
		var d entitlement.Download
		var downloadedAt int64
		if err := rows.Scan(&d.ID, &d.UserID, &d.SubscriptionID, &d.LicenseKey, &d.ThemeID,
			&d.ThemeName, &downloadedAt, &d.BillingPeriod); err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		d.DownloadedAt = fromMillis(downloadedAt)
		downloads = append(downloads, d)
	}
	return downloads, rows.Err()
}

// HasDownloaded reports whether the user has any audit entry for themeID.
func (s *SQLiteStore) HasDownloaded(ctx context.Context, userID, themeID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM downloads WHERE user_id = ? AND theme_id = ?`, userID, themeID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check download: %w", err)
	}
	return n > 0, nil
}

// MarkWebhookEvent records eventID; false means it was already processed.
func (s *SQLiteStore) MarkWebhookEvent(ctx context.Context, eventID, eventType string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_id, event_type, received_at) VALUES (?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING`,
		eventID, eventType, toMillis(time.Now().UTC()),
	)
	if err != nil {
		return false, fmt.Errorf("mark webhook event: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// ReleaseWebhookEvent removes eventID after a failed delivery.
func (s *SQLiteStore) ReleaseWebhookEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM webhook_events WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLicense(s scanner) (*entitlement.License, error) {
	var l entitlement.License
	var typ, activeSlots, unlocked string
	var active, maxSlots int
	var createdAt int64

	err := s.Scan(&l.Key, &typ, &active, &maxSlots, &activeSlots, &unlocked,
		&l.StripeSubscriptionID, &createdAt, &l.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}
	l.Active = active != 0
	l.CreatedAt = fromMillis(createdAt)

	switch entitlement.LicenseType(typ) {
	case entitlement.TypeSubscription:
		themes, err := decodeThemes(activeSlots)
		if err != nil {
			return nil, err
		}
		l.Plan = entitlement.SlotPlan{MaxSlots: maxSlots, ActiveSlotThemes: themes}
	case entitlement.TypeSingle:
		themes, err := decodeThemes(unlocked)
		if err != nil {
			return nil, err
		}
		l.Plan = entitlement.SinglePurchase{PermanentlyUnlocked: themes}
	default:
		return nil, fmt.Errorf("license %q has unknown type %q", l.Key, typ)
	}
	return &l, nil
}

func scanSubscription(s scanner) (*entitlement.Subscription, error) {
	var sub entitlement.Subscription
	var status, planType string
	var periodEnd, createdAt, updatedAt int64
	var trialEnds, commitmentEnds sql.NullInt64
	var lifetime int

	err := s.Scan(&sub.ID, &sub.UserID, &status, &planType, &periodEnd, &trialEnds,
		&commitmentEnds, &lifetime, &sub.StripeCustomerID, &sub.StripeSubscriptionID,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = entitlement.Status(status)
	sub.PlanType = entitlement.PlanType(planType)
	sub.CurrentPeriodEnd = fromMillis(periodEnd)
	sub.IsLifetime = lifetime != 0
	sub.CreatedAt = fromMillis(createdAt)
	sub.UpdatedAt = fromMillis(updatedAt)
	if trialEnds.Valid {
		ts := fromMillis(trialEnds.Int64)
		sub.TrialEndsAt = &ts
	}
	if commitmentEnds.Valid {
		ts := fromMillis(commitmentEnds.Int64)
		sub.CommitmentEndsAt = &ts
	}
	return &sub, nil
}

type planCols struct {
	maxSlots    int
	activeSlots string
	unlocked    string
}

func planColumns(p entitlement.Plan) (planCols, error) {
	cols := planCols{activeSlots: "[]", unlocked: "[]"}
	var err error
	switch v := p.(type) {
	case entitlement.SlotPlan:
		if len(v.ActiveSlotThemes) > v.MaxSlots {
			return cols, ErrSlotGuard
		}
		cols.maxSlots = v.MaxSlots
		cols.activeSlots, err = encodeThemes(v.ActiveSlotThemes)
	case entitlement.SinglePurchase:
		cols.unlocked, err = encodeThemes(v.PermanentlyUnlocked)
	default:
		return cols, fmt.Errorf("unsupported license plan %T", p)
	}
	return cols, err
}

func encodeThemes(themes []string) (string, error) {
	if themes == nil {
		themes = []string{}
	}
	b, err := json.Marshal(themes)
	if err != nil {
		return "", fmt.Errorf("encode themes: %w", err)
	}
	return string(b), nil
}

func decodeThemes(raw string) ([]string, error) {
	var themes []string
	if raw == "" {
		return themes, nil
	}
	if err := json.Unmarshal([]byte(raw), &themes); err != nil {
		return nil, fmt.Errorf("decode themes: %w", err)
	}
	return themes, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
