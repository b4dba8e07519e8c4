package domain

import "strings"

// Known template identifiers accepted in Payload.TemplateID.
const (
	TemplateUGC      = "ugc"
	TemplateReview   = "review"
	TemplateUnboxing = "unboxing"
	TemplateShowcase = "showcase"
)

// Payload is the closed set of fields used to phrase a generation request.
type Payload struct {
	TemplateID   string `json:"template_id" validate:"required,oneof=ugc review unboxing showcase"`
	ProductText  string `json:"product_text" validate:"required,min=1,max=2000"`
	ExtraWishes  string `json:"extra_wishes,omitempty" validate:"max=1000"`
	CustomPrompt string `json:"custom_prompt,omitempty" validate:"max=4000"`
	Locale       string `json:"locale,omitempty" validate:"omitempty,oneof=en ru"`
}

// Normalize trims free-text fields in place.
func (p *Payload) Normalize() {
	p.TemplateID = strings.ToLower(strings.TrimSpace(p.TemplateID))
	p.ProductText = strings.TrimSpace(p.ProductText)
	p.ExtraWishes = strings.TrimSpace(p.ExtraWishes)
	p.CustomPrompt = strings.TrimSpace(p.CustomPrompt)
	p.Locale = strings.ToLower(strings.TrimSpace(p.Locale))
}
