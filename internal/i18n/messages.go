package i18n

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"reelforge/internal/domain"
)

type catalog struct {
	done          string
	retrying      string
	violation     string
	billing       string
	rateLimited   string
	transientLost string
	unknown       string
	refundNote    string
	support       string
	balance       string
}

var catalogs = map[string]catalog{
	English: {
		done:          "Your %s video is ready.",
		retrying:      "Temporary generation error. We will retry automatically. If it does not work out, your credit will be returned.",
		violation:     "The photo or prompt violates the video model content rules. Please try another photo or description.",
		billing:       "Temporary technical problems on our side. Please contact support.",
		rateLimited:   "The service is overloaded right now. Please try again in a few minutes.",
		transientLost: "Video generation failed after several attempts. Please try again later.",
		unknown:       "A generation error occurred. Please contact support.",
		refundNote:    "1 credit has been returned to your balance.",
		support:       "Support: %s",
		balance:       "Balance: %d",
	},
	Russian: {
		done:          "Ваше видео %s готово.",
		retrying:      "Временная ошибка генерации, мы попробуем ещё раз автоматически. Если не получится, вернём кредит.",
		violation:     "Вы нарушили правила видеомодели: фото или промпт не прошли модерацию. Попробуйте другое фото или описание.",
		billing:       "Временные технические неполадки, обратитесь в поддержку.",
		rateLimited:   "Сервис временно перегружен, попробуйте через несколько минут.",
		transientLost: "Не удалось сгенерировать видео после нескольких попыток. Попробуйте позже.",
		unknown:       "Произошла ошибка генерации, обратитесь в поддержку.",
		refundNote:    "1 кредит вернули на баланс.",
		support:       "Поддержка: %s",
		balance:       "Баланс: %d",
	},
}

func catalogFor(locale string) catalog {
	if c, ok := catalogs[Normalize(locale, English)]; ok {
		return c
	}
	return catalogs[English]
}

// TemplateName renders a template id as a display name in the given locale.
func TemplateName(locale, templateID string) string {
	templateID = strings.TrimSpace(strings.ReplaceAll(templateID, "_", " "))
	if templateID == "" {
		return ""
	}
	return cases.Title(language.Make(Normalize(locale, English))).String(templateID)
}

// DoneText is the caption sent with a finished video.
func DoneText(locale, templateID string, balance int) string {
	c := catalogFor(locale)
	name := TemplateName(locale, templateID)
	text := strings.Join(strings.Fields(fmt.Sprintf(c.done, name)), " ")
	return text + "\n" + fmt.Sprintf(c.balance, balance)
}

// RetryText tells the user a retry is scheduled. It never implies final failure.
func RetryText(locale string) string {
	return catalogFor(locale).retrying
}

// FailureText explains a terminal failure of the given kind. The refund note is
// included only when a credit was actually returned.
func FailureText(locale string, kind domain.ErrorKind, refunded bool, supportContact string) string {
	c := catalogFor(locale)
	var lines []string
	switch kind {
	case domain.ErrorKindContentViolation:
		lines = append(lines, c.violation)
	case domain.ErrorKindAccountOrBilling:
		lines = append(lines, c.billing)
	case domain.ErrorKindRateLimited:
		lines = append(lines, c.rateLimited)
	case domain.ErrorKindTransient:
		lines = append(lines, c.transientLost)
	default:
		lines = append(lines, c.unknown)
	}
	if refunded {
		lines = append(lines, c.refundNote)
	}
	if contact := strings.TrimSpace(supportContact); contact != "" && needsSupport(kind) {
		lines = append(lines, fmt.Sprintf(c.support, contact))
	}
	return strings.Join(lines, "\n")
}

func needsSupport(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrorKindContentViolation, domain.ErrorKindRateLimited, domain.ErrorKindTransient:
		return false
	default:
		return true
	}
}
