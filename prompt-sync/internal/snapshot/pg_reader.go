package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

// PGReader reads tenant configuration tables. It never writes.
type PGReader struct {
	db *sql.DB
}

func NewPGReader(db *sql.DB) *PGReader {
	return &PGReader{db: db}
}

func (r *PGReader) Tenant(ctx context.Context, tenantID string) (TenantRecord, error) {
	var (
		rec TenantRecord
		tz  sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, name, timezone FROM tenants WHERE id=$1`, tenantID).
		Scan(&rec.ID, &rec.Name, &tz)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TenantRecord{}, ErrTenantNotFound
		}
		return TenantRecord{}, err
	}
	rec.Timezone = tz.String
	return rec, nil
}

func (r *PGReader) Hours(ctx context.Context, tenantID string) ([]models.DayHours, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT day_of_week, open_time, close_time, closed
		FROM business_hours
		WHERE tenant_id=$1
		ORDER BY day_of_week`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DayHours
	for rows.Next() {
		var (
			h           models.DayHours
			open, close sql.NullString
		)
		if err := rows.Scan(&h.Day, &open, &close, &h.Closed); err != nil {
			return nil, fmt.Errorf("scan hours: %w", err)
		}
		h.Open, h.Close = open.String, close.String
		out = append(out, h)
	}
	return out, rows.Err()
}

func (r *PGReader) Services(ctx context.Context, tenantID string) ([]models.Service, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, description, duration_minutes, price
		FROM services
		WHERE tenant_id=$1 AND active
		ORDER BY sort_order, name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Service
	for rows.Next() {
		var (
			s    models.Service
			desc sql.NullString
		)
		if err := rows.Scan(&s.Name, &desc, &s.DurationMinutes, &s.Price); err != nil {
			return nil, fmt.Errorf("scan service: %w", err)
		}
		s.Description = desc.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *PGReader) FAQs(ctx context.Context, tenantID string) ([]models.FAQ, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT question, answer FROM faqs WHERE tenant_id=$1 ORDER BY sort_order, question`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.FAQ
	for rows.Next() {
		var f models.FAQ
		if err := rows.Scan(&f.Question, &f.Answer); err != nil {
			return nil, fmt.Errorf("scan faq: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *PGReader) Knowledge(ctx context.Context, tenantID string) ([]models.KnowledgeNote, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT title, body FROM knowledge_notes WHERE tenant_id=$1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.KnowledgeNote
	for rows.Next() {
		var k models.KnowledgeNote
		if err := rows.Scan(&k.Title, &k.Body); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Persona combines agent_personas with transfer_rules; either row may exist alone.
func (r *PGReader) Persona(ctx context.Context, tenantID string) (*models.Persona, error) {
	var (
		p         models.Persona
		greetings []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT agent_name, tone, greetings, languages
		FROM agent_personas
		WHERE tenant_id=$1`, tenantID).
		Scan(&p.AgentName, &p.Tone, &greetings, pq.Array(&p.Languages))
	hasPersona := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if len(greetings) > 0 {
		if err := json.Unmarshal(greetings, &p.Greetings); err != nil {
			return nil, fmt.Errorf("decode greetings: %w", err)
		}
	}

	rules, hasRules, err := r.transferRules(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("transfer rules: %w", err)
	}
	if !hasPersona && !hasRules {
		return nil, nil
	}
	p.Transfer = rules
	return &p, nil
}

func (r *PGReader) transferRules(ctx context.Context, tenantID string) (models.TransferRules, bool, error) {
	var (
		t       models.TransferRules
		phone   sql.NullString
		onReq   sql.NullBool
		onEmerg sql.NullBool
		onUpset sql.NullBool
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT transfer_phone, on_request, on_emergency, on_upset, keywords
		FROM transfer_rules
		WHERE tenant_id=$1`, tenantID).
		Scan(&phone, &onReq, &onEmerg, &onUpset, pq.Array(&t.Keywords))
	if errors.Is(err, sql.ErrNoRows) {
		return models.TransferRules{}, false, nil
	}
	if err != nil {
		return models.TransferRules{}, false, err
	}
	t.Phone = phone.String
	t.OnRequest = onReq.Bool
	t.OnEmergency = onEmerg.Bool
	t.OnUpset = onUpset.Bool
	return t, true, nil
}

func (r *PGReader) Offers(ctx context.Context, tenantID string) (models.Offers, error) {
	var (
		offers models.Offers
		err    error
	)
	if offers.CrossSells, err = r.crossSells(ctx, tenantID); err != nil {
		return models.Offers{}, fmt.Errorf("cross-sells: %w", err)
	}
	if offers.Bundles, err = r.bundles(ctx, tenantID); err != nil {
		return models.Offers{}, fmt.Errorf("bundles: %w", err)
	}
	if offers.Packages, err = r.packages(ctx, tenantID); err != nil {
		return models.Offers{}, fmt.Errorf("packages: %w", err)
	}
	if offers.Memberships, err = r.memberships(ctx, tenantID); err != nil {
		return models.Offers{}, fmt.Errorf("memberships: %w", err)
	}
	return offers, nil
}

func (r *PGReader) crossSells(ctx context.Context, tenantID string) ([]models.CrossSell, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT source_service, target_service, pitch, discount_percent
		FROM offer_cross_sells WHERE tenant_id=$1 AND active ORDER BY source_service`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CrossSell
	for rows.Next() {
		var (
			c     models.CrossSell
			pitch sql.NullString
		)
		if err := rows.Scan(&c.SourceService, &c.TargetService, &pitch, &c.DiscountPercent); err != nil {
			return nil, err
		}
		c.Pitch = pitch.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PGReader) bundles(ctx context.Context, tenantID string) ([]models.Bundle, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, description, service_names, price
		FROM offer_bundles WHERE tenant_id=$1 AND active ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Bundle
	for rows.Next() {
		var (
			b    models.Bundle
			desc sql.NullString
		)
		if err := rows.Scan(&b.Name, &desc, pq.Array(&b.Services), &b.Price); err != nil {
			return nil, err
		}
		b.Description = desc.String
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *PGReader) packages(ctx context.Context, tenantID string) ([]models.Package, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, service_name, sessions, price
		FROM offer_packages WHERE tenant_id=$1 AND active ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Package
	for rows.Next() {
		var p models.Package
		if err := rows.Scan(&p.Name, &p.ServiceName, &p.Sessions, &p.Price); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *PGReader) memberships(ctx context.Context, tenantID string) ([]models.Membership, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, monthly_price, benefits
		FROM offer_memberships WHERE tenant_id=$1 AND active ORDER BY name`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Membership
	for rows.Next() {
		var (
			m        models.Membership
			benefits sql.NullString
		)
		if err := rows.Scan(&m.Name, &m.MonthlyPrice, &benefits); err != nil {
			return nil, err
		}
		m.Benefits = benefits.String
		out = append(out, m)
	}
	return out, rows.Err()
}
