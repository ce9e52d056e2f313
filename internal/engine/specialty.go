package engine

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"opsqueue/internal/domain"
)

var specialtyKeywords = []struct {
	specialty domain.Specialty
	keywords  []string
}{
	{domain.SpecialtyPaidTraffic, []string{"traf"}},
	{domain.SpecialtySocial, []string{"social"}},
	{domain.SpecialtyWeb, []string{"web", "site", "landing"}},
	{domain.SpecialtyMotion, []string{"motion"}},
	{domain.SpecialtyVideo, []string{"video", "reels", "edicao"}},
}

// GuessSpecialty classifies a free-text service description. Best effort:
// anything unrecognised is design.
func GuessSpecialty(service string) domain.Specialty {
	text := foldText(service)
	if text == "" {
		return domain.SpecialtyDesign
	}
	for _, rule := range specialtyKeywords {
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				return rule.specialty
			}
		}
	}
	return domain.SpecialtyDesign
}

// foldText lower-cases s and strips combining marks so "Edição de Vídeo"
// matches "edicao de video".
func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
