package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConfigurationSnapshot is a point-in-time, read-only view of everything a tenant's
// voice agent needs to know. It is rebuilt for every regeneration attempt.
type ConfigurationSnapshot struct {
	TenantID   string          `json:"tenantId"`
	TenantName string          `json:"tenantName"`
	Timezone   string          `json:"timezone"`
	Hours      []DayHours      `json:"hours"`
	Services   []Service       `json:"services"`
	FAQs       []FAQ           `json:"faqs"`
	Knowledge  []KnowledgeNote `json:"knowledge"`
	Persona    Persona         `json:"persona"`
	Offers     Offers          `json:"offers"`
	BuiltAt    time.Time       `json:"-"`
}

type DayHours struct {
	Day    int    `json:"day"`
	Open   string `json:"open,omitempty"`
	Close  string `json:"close,omitempty"`
	Closed bool   `json:"closed"`
}

type Service struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	DurationMinutes int             `json:"durationMinutes"`
	Price           decimal.Decimal `json:"price"`
}

type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type KnowledgeNote struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Persona struct {
	AgentName string            `json:"agentName"`
	Tone      string            `json:"tone"`
	Greetings map[string]string `json:"greetings"`
	// Languages is ordered; the first entry is the primary language.
	Languages []string      `json:"languages"`
	Transfer  TransferRules `json:"transfer"`
}

// PrimaryLanguage returns the first configured language, defaulting to English.
func (p Persona) PrimaryLanguage() string {
	if len(p.Languages) == 0 {
		return "en"
	}
	return p.Languages[0]
}

// SecondaryLanguage returns the second configured language or "".
func (p Persona) SecondaryLanguage() string {
	if len(p.Languages) < 2 {
		return ""
	}
	return p.Languages[1]
}

type TransferRules struct {
	Phone       string   `json:"phone,omitempty"`
	OnRequest   bool     `json:"onRequest"`
	OnEmergency bool     `json:"onEmergency"`
	OnUpset     bool     `json:"onUpset"`
	Keywords    []string `json:"keywords"`
}

type Offers struct {
	CrossSells  []CrossSell  `json:"crossSells"`
	Bundles     []Bundle     `json:"bundles"`
	Packages    []Package    `json:"packages"`
	Memberships []Membership `json:"memberships"`
}

type CrossSell struct {
	SourceService   string          `json:"sourceService"`
	TargetService   string          `json:"targetService"`
	Pitch           string          `json:"pitch,omitempty"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
}

type Bundle struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Services    []string        `json:"services"`
	Price       decimal.Decimal `json:"price"`
}

type Package struct {
	Name        string          `json:"name"`
	ServiceName string          `json:"serviceName"`
	Sessions    int             `json:"sessions"`
	Price       decimal.Decimal `json:"price"`
}

type Membership struct {
	Name         string          `json:"name"`
	MonthlyPrice decimal.Decimal `json:"monthlyPrice"`
	Benefits     string          `json:"benefits,omitempty"`
}
