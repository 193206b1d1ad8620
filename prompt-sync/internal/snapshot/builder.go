package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/canonical"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

var ErrTenantNotFound = errors.New("tenant not found")

// NotFoundError names the tenant whose core record is missing.
type NotFoundError struct {
	TenantID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("tenant %s not found", e.TenantID)
}

func (e *NotFoundError) Unwrap() error { return ErrTenantNotFound }

type TenantRecord struct {
	ID       string
	Name     string
	Timezone string
}

// ConfigReader reads one tenant's configuration record sets. Optional sets that
// do not exist are returned empty with a nil error; a missing tenant is ErrTenantNotFound.
type ConfigReader interface {
	Tenant(ctx context.Context, tenantID string) (TenantRecord, error)
	Hours(ctx context.Context, tenantID string) ([]models.DayHours, error)
	Services(ctx context.Context, tenantID string) ([]models.Service, error)
	FAQs(ctx context.Context, tenantID string) ([]models.FAQ, error)
	Knowledge(ctx context.Context, tenantID string) ([]models.KnowledgeNote, error)
	// Persona returns nil when the tenant has not configured one.
	Persona(ctx context.Context, tenantID string) (*models.Persona, error)
	Offers(ctx context.Context, tenantID string) (models.Offers, error)
}

type Builder struct {
	reader ConfigReader
	now    func() time.Time
}

func NewBuilder(reader ConfigReader) *Builder {
	return &Builder{reader: reader, now: func() time.Time { return time.Now().UTC() }}
}

// Build assembles a fresh snapshot. Each record set is read independently, so a
// concurrent edit may land between reads; the next regeneration picks it up.
func (b *Builder) Build(ctx context.Context, tenantID string) (models.ConfigurationSnapshot, error) {
	tenant, err := b.reader.Tenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return models.ConfigurationSnapshot{}, &NotFoundError{TenantID: tenantID}
		}
		return models.ConfigurationSnapshot{}, fmt.Errorf("read tenant: %w", err)
	}

	snap := models.ConfigurationSnapshot{
		TenantID:   tenant.ID,
		TenantName: tenant.Name,
		Timezone:   tenant.Timezone,
		BuiltAt:    b.now(),
	}
	if snap.Hours, err = b.reader.Hours(ctx, tenantID); err != nil {
		return models.ConfigurationSnapshot{}, fmt.Errorf("read hours: %w", err)
	}
	if snap.Services, err = b.reader.Services(ctx, tenantID); err != nil {
		return models.ConfigurationSnapshot{}, fmt.Errorf("read services: %w", err)
	}
	if snap.FAQs, err = b.reader.FAQs(ctx, tenantID); err != nil {
		return models.ConfigurationSnapshot{}, fmt.Errorf("read faqs: %w", err)
	}
	if snap.Knowledge, err = b.reader.Knowledge(ctx, tenantID); err != nil {
		return models.ConfigurationSnapshot{}, fmt.Errorf("read knowledge: %w", err)
	}
	persona, err := b.reader.Persona(ctx, tenantID)
	if err != nil {
		return models.ConfigurationSnapshot{}, fmt.Errorf("read persona: %w", err)
	}
	if snap.Offers, err = b.reader.Offers(ctx, tenantID); err != nil {
		return models.ConfigurationSnapshot{}, fmt.Errorf("read offers: %w", err)
	}
	snap.Persona = normalizePersona(persona, tenant.Name)
	normalize(&snap)
	return snap, nil
}

// Fingerprint hashes the snapshot content, ignoring when it was built.
func Fingerprint(snap models.ConfigurationSnapshot) (string, error) {
	return canonical.Hash(snap)
}

func normalizePersona(p *models.Persona, tenantName string) models.Persona {
	var out models.Persona
	if p != nil {
		out = *p
	}
	if len(out.Languages) == 0 {
		out.Languages = []string{"en"}
	}
	if out.Greetings == nil {
		out.Greetings = map[string]string{}
	} else {
		greetings := make(map[string]string, len(out.Greetings))
		for k, v := range out.Greetings {
			greetings[k] = v
		}
		out.Greetings = greetings
	}
	for _, lang := range out.Languages {
		if strings.TrimSpace(out.Greetings[lang]) == "" {
			out.Greetings[lang] = defaultGreeting(lang, tenantName)
		}
	}
	if out.Transfer.Keywords == nil {
		out.Transfer.Keywords = []string{}
	}
	return out
}

func defaultGreeting(lang, tenantName string) string {
	if lang == "es" {
		return fmt.Sprintf("Gracias por llamar a %s. ¿En qué le puedo ayudar?", tenantName)
	}
	return fmt.Sprintf("Thanks for calling %s. How can I help you today?", tenantName)
}

// normalize replaces nil record sets with empty ones so absent and empty look the same downstream.
func normalize(s *models.ConfigurationSnapshot) {
	if s.Hours == nil {
		s.Hours = []models.DayHours{}
	}
	sort.SliceStable(s.Hours, func(i, j int) bool { return s.Hours[i].Day < s.Hours[j].Day })
	if s.Services == nil {
		s.Services = []models.Service{}
	}
	if s.FAQs == nil {
		s.FAQs = []models.FAQ{}
	}
	if s.Knowledge == nil {
		s.Knowledge = []models.KnowledgeNote{}
	}
	if s.Offers.CrossSells == nil {
		s.Offers.CrossSells = []models.CrossSell{}
	}
	if s.Offers.Bundles == nil {
		s.Offers.Bundles = []models.Bundle{}
	}
	if s.Offers.Packages == nil {
		s.Offers.Packages = []models.Package{}
	}
	if s.Offers.Memberships == nil {
		s.Offers.Memberships = []models.Membership{}
	}
}
