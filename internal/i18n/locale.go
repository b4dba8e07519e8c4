// Package i18n picks a supported locale and renders user-facing job texts.
package i18n

import (
	"strings"

	"golang.org/x/text/language"
)

const (
	English = "en"
	Russian = "ru"
)

var (
	supported = []language.Tag{language.English, language.Russian}
	matcher   = language.NewMatcher(supported)
)

// russianSpeaking lists countries whose users get Russian texts by default.
var russianSpeaking = map[string]struct{}{
	"RU": {}, "BY": {}, "KZ": {}, "KG": {}, "UA": {}, "UZ": {}, "TJ": {}, "AM": {}, "AZ": {}, "MD": {},
}

// Match returns the best supported locale for the given preferences, which may be
// BCP 47 tags or full Accept-Language header values. An empty string means no
// preference matched.
func Match(prefs ...string) string {
	var tags []language.Tag
	for _, pref := range prefs {
		pref = strings.TrimSpace(pref)
		if pref == "" {
			continue
		}
		parsed, _, err := language.ParseAcceptLanguage(pref)
		if err != nil {
			continue
		}
		tags = append(tags, parsed...)
	}
	if len(tags) == 0 {
		return ""
	}
	_, idx, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return ""
	}
	return baseOf(supported[idx])
}

// FromCountry maps an ISO country code to a default locale.
func FromCountry(country string) string {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return ""
	}
	if _, ok := russianSpeaking[country]; ok {
		return Russian
	}
	return English
}

// Normalize returns locale when it is supported, fallback when that is, and English otherwise.
func Normalize(locale, fallback string) string {
	if m := Match(locale); m != "" {
		return m
	}
	if m := Match(fallback); m != "" {
		return m
	}
	return English
}

func baseOf(tag language.Tag) string {
	base, _ := tag.Base()
	return base.String()
}
