// Package prompt turns a job payload into the text prompt sent to the video model.
package prompt

import (
	"context"
	"strings"

	"reelforge/internal/domain"
)

// Builder produces the generation prompt for a payload.
type Builder interface {
	Build(ctx context.Context, payload domain.Payload) (string, error)
}

// StaticBuilder composes the prompt from the payload alone.
type StaticBuilder struct{}

func NewStaticBuilder() *StaticBuilder { return &StaticBuilder{} }

func (StaticBuilder) Build(_ context.Context, p domain.Payload) (string, error) {
	if custom := strings.TrimSpace(p.CustomPrompt); custom != "" {
		return custom, nil
	}
	return staticPrompt(p), nil
}

func staticPrompt(p domain.Payload) string {
	tpl := templateFor(p.TemplateID)
	var sb strings.Builder
	sb.WriteString(tpl.Lead)
	sb.WriteString(" ")
	sb.WriteString(strings.TrimSpace(p.ProductText))
	if wishes := strings.TrimSpace(p.ExtraWishes); wishes != "" {
		sb.WriteString(". ")
		sb.WriteString(wishes)
	}
	return sb.String()
}

var _ Builder = (*StaticBuilder)(nil)
