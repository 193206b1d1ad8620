package snapshot

import (
	"context"
	"sync"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
)

// TenantConfig is the full editable configuration of one tenant, as held by MemoryReader.
type TenantConfig struct {
	Tenant    TenantRecord
	Hours     []models.DayHours
	Services  []models.Service
	FAQs      []models.FAQ
	Knowledge []models.KnowledgeNote
	Persona   *models.Persona
	Offers    models.Offers
}

// MemoryReader serves configuration from memory; Put replaces a tenant's configuration atomically.
type MemoryReader struct {
	mu      sync.RWMutex
	tenants map[string]TenantConfig
}

func NewMemoryReader() *MemoryReader {
	return &MemoryReader{tenants: map[string]TenantConfig{}}
}

func (r *MemoryReader) Put(cfg TenantConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tenants[cfg.Tenant.ID] = cfg
}

// Update applies fn to the stored configuration of tenantID under the write lock.
func (r *MemoryReader) Update(tenantID string, fn func(*TenantConfig)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.tenants[tenantID]
	if !ok {
		return false
	}
	fn(&cfg)
	r.tenants[tenantID] = cfg
	return true
}

func (r *MemoryReader) get(tenantID string) (TenantConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.tenants[tenantID]
	return cfg, ok
}

func (r *MemoryReader) Tenant(ctx context.Context, tenantID string) (TenantRecord, error) {
	cfg, ok := r.get(tenantID)
	if !ok {
		return TenantRecord{}, ErrTenantNotFound
	}
	return cfg.Tenant, nil
}

func (r *MemoryReader) Hours(ctx context.Context, tenantID string) ([]models.DayHours, error) {
	cfg, _ := r.get(tenantID)
	return append([]models.DayHours(nil), cfg.Hours...), nil
}

func (r *MemoryReader) Services(ctx context.Context, tenantID string) ([]models.Service, error) {
	cfg, _ := r.get(tenantID)
	return append([]models.Service(nil), cfg.Services...), nil
}

func (r *MemoryReader) FAQs(ctx context.Context, tenantID string) ([]models.FAQ, error) {
	cfg, _ := r.get(tenantID)
	return append([]models.FAQ(nil), cfg.FAQs...), nil
}

func (r *MemoryReader) Knowledge(ctx context.Context, tenantID string) ([]models.KnowledgeNote, error) {
	cfg, _ := r.get(tenantID)
	return append([]models.KnowledgeNote(nil), cfg.Knowledge...), nil
}

func (r *MemoryReader) Persona(ctx context.Context, tenantID string) (*models.Persona, error) {
	cfg, _ := r.get(tenantID)
	if cfg.Persona == nil {
		return nil, nil
	}
	p := *cfg.Persona
	p.Languages = append([]string(nil), p.Languages...)
	return &p, nil
}

func (r *MemoryReader) Offers(ctx context.Context, tenantID string) (models.Offers, error) {
	cfg, _ := r.get(tenantID)
	return models.Offers{
		CrossSells:  append([]models.CrossSell(nil), cfg.Offers.CrossSells...),
		Bundles:     append([]models.Bundle(nil), cfg.Offers.Bundles...),
		Packages:    append([]models.Package(nil), cfg.Offers.Packages...),
		Memberships: append([]models.Membership(nil), cfg.Offers.Memberships...),
	}, nil
}
