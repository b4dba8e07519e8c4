package prompt

import "reelforge/internal/domain"

// Template guides the language model for one video style.
type Template struct {
	System       string
	Instructions string
	// Lead prefixes the product text when the model is unavailable.
	Lead string
}

const systemBase = "You write prompts for an image-to-video model that animates a single product photo into a short vertical clip. " +
	"Keep the product exactly as it appears in the photo. Describe camera, motion, light and mood in concrete terms. "

var templates = map[string]Template{
	domain.TemplateUGC: {
		System: systemBase + "Style: authentic user-generated content filmed on a phone.",
		Instructions: "Write one prompt for a 15 second UGC-style clip: a real person casually shows the product, " +
			"handheld camera, natural light, everyday setting, no text overlays.",
		Lead: "Handheld UGC-style vertical video of a person casually showing the product:",
	},
	domain.TemplateReview: {
		System: systemBase + "Style: honest product review.",
		Instructions: "Write one prompt for a 15 second review clip: the product is turned in hand, key details in close-up, " +
			"calm pacing, soft daylight, neutral background.",
		Lead: "Close-up product review video, hands turning the product to show details:",
	},
	domain.TemplateUnboxing: {
		System: systemBase + "Style: satisfying unboxing.",
		Instructions: "Write one prompt for a 15 second unboxing clip: packaging opens, the product is revealed and lifted toward the camera, " +
			"top-down then eye-level shots, warm light.",
		Lead: "Satisfying unboxing video, packaging opens and the product is revealed:",
	},
	domain.TemplateShowcase: {
		System: systemBase + "Style: premium studio showcase.",
		Instructions: "Write one prompt for a 15 second showcase clip: slow orbit around the product on a clean studio set, " +
			"dramatic rim light, subtle reflections, premium commercial feel.",
		Lead: "Premium studio showcase video, slow camera orbit around the product:",
	},
}

func templateFor(id string) Template {
	if tpl, ok := templates[id]; ok {
		return tpl
	}
	return templates[domain.TemplateUGC]
}
