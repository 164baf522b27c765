// Package seed inserts the minimal rows a freshly migrated tenant database
// needs to be usable: a store row mirrored from the master record, a
// store-owner user mirrored from the master user id, system translations,
// and default theme/email-template rows. Every insert is an
// upsert so seeding an already-seeded tenant is a no-op beyond timestamps.
package seed

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store describes the minimal tenant-DB mirror of a master Store row.
type Store struct {
	ID          uuid.UUID
	Slug        string
	Name        string
	OwnerUserID uuid.UUID
}

// Seeder seeds the canonical tables created by pkg/migrations into a tenant
// database.
type Seeder struct{}

// New constructs a Seeder.
func New() *Seeder {
	return &Seeder{}
}

// Seed upserts the store mirror row, its owner user, and the built-in
// support rows (translations, default theme, default email templates) into
// the tenant pool. pool must already be scoped to the tenant's schema.
func (s *Seeder) Seed(ctx context.Context, pool *pgxpool.Pool, store Store) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO stores (id, slug, name, owner_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			owner_user_id = EXCLUDED.owner_user_id,
			updated_at = now()
	`, store.ID, store.Slug, store.Name, store.OwnerUserID); err != nil {
		return fmt.Errorf("seeding store mirror: %w", err)
	}

	ownerUserID := uuid.NewSHA1(store.ID, []byte("owner"))
	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, master_user_id, email, role, created_at)
		VALUES ($1, $2, $3, 'owner', now())
		ON CONFLICT (id) DO UPDATE SET
			master_user_id = EXCLUDED.master_user_id,
			role = EXCLUDED.role
	`, ownerUserID, store.OwnerUserID, fmt.Sprintf("owner+%s@tenant.local", store.Slug)); err != nil {
		return fmt.Errorf("seeding owner user: %w", err)
	}

	if err := seedTranslations(ctx, tx); err != nil {
		return err
	}
	if err := seedDefaultTheme(ctx, tx); err != nil {
		return err
	}
	if err := seedDefaultEmailTemplates(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing seed transaction: %w", err)
	}
	return nil
}

var systemTranslations = map[string]string{
	"storefront.checkout.button": "Checkout",
	"storefront.cart.empty":      "Your cart is empty",
	"storefront.account.welcome": "Welcome back",
	"admin.dashboard.title":      "Dashboard",
}

func seedTranslations(ctx context.Context, tx pgx.Tx) error {
	for key, value := range systemTranslations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO translations (locale, key, value)
			VALUES ('en', $1, $2)
			ON CONFLICT (locale, key) DO UPDATE SET value = EXCLUDED.value
		`, key, value); err != nil {
			return fmt.Errorf("seeding translation %q: %w", key, err)
		}
	}
	return nil
}

// defaultThemeID is a fixed, well-known id so the default theme upserts
// idempotently instead of creating a new row every repair run.
var defaultThemeID = uuid.MustParse("00000000-0000-0000-0000-000000000001")

func seedDefaultTheme(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO themes (id, name, is_default, configuration)
		VALUES ($1, 'default', true, '{}'::jsonb)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, is_default = true
	`, defaultThemeID)
	if err != nil {
		return fmt.Errorf("seeding default theme: %w", err)
	}
	return nil
}

var defaultEmailTemplates = map[string]struct{ Subject, Body string }{
	"order_confirmation": {"Your order is confirmed", "Thanks for your order."},
	"password_reset":     {"Reset your password", "Use the link below to reset your password."},
	"welcome":            {"Welcome", "Thanks for creating an account."},
}

func seedDefaultEmailTemplates(ctx context.Context, tx pgx.Tx) error {
	for key, tmpl := range defaultEmailTemplates {
		id := uuid.NewSHA1(defaultThemeID, []byte(key))
		if _, err := tx.Exec(ctx, `
			INSERT INTO email_templates (id, template_key, subject, body)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (template_key) DO UPDATE SET subject = EXCLUDED.subject, body = EXCLUDED.body
		`, id, key, tmpl.Subject, tmpl.Body); err != nil {
			return fmt.Errorf("seeding email template %q: %w", key, err)
		}
	}
	return nil
}
