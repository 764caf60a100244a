package typing

import (
	"fmt"
	"strings"
)

type Locale string

const (
	English    Locale = "en"
	Portuguese Locale = "pt"
)

type phrases struct {
	and      string
	one      string // name
	many     string // names
	more     string // count
	fallback string
}

var locales = map[Locale]phrases{
	English:    {and: "and", one: "%s is typing", many: "%s are typing", more: "%d more", fallback: "Someone"},
	Portuguese: {and: "e", one: "%s está digitando", many: "%s estão digitando", more: "mais %d", fallback: "Alguém"},
}

// Describe renders the typing line for names. Up to three names are listed;
// with more, the first two are shown followed by the remaining count. Empty
// names are shown as the locale's "someone". Unknown locales use English.
func Describe(names []string, locale Locale) string {
	p, ok := locales[locale]
	if !ok {
		p = locales[English]
	}
	shown := make([]string, len(names))
	for i, n := range names {
		if n == "" {
			n = p.fallback
		}
		shown[i] = n
	}

	switch n := len(shown); {
	case n == 0:
		return ""
	case n == 1:
		return fmt.Sprintf(p.one, shown[0])
	case n <= 3:
		list := strings.Join(shown[:n-1], ", ") + " " + p.and + " " + shown[n-1]
		return fmt.Sprintf(p.many, list)
	default:
		list := strings.Join(shown[:2], ", ") + " " + p.and + " " + fmt.Sprintf(p.more, n-2)
		return fmt.Sprintf(p.many, list)
	}
}

// Names returns the display names of recs in order.
func Names(recs []Record) []string {
	names := make([]string, len(recs))
	for i, r := range recs {
		names[i] = r.DisplayName
	}
	return names
}
