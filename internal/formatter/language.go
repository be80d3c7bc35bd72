package formatter

import (
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// NormalizeLanguage returns an ISO 639-1 code. A hint that parses as a
// language tag wins; otherwise the language is detected from text. Returns
// "und" when neither works.
func NormalizeLanguage(hint, text string) string {
	if tag, ok := parseHint(hint); ok {
		base, _ := tag.Base()
		return base.String()
	}

	info := whatlanggo.Detect(text)
	if info.IsReliable() {
		if code := info.Lang.Iso6391(); code != "" {
			return code
		}
	}
	return "und"
}

func parseHint(hint string) (language.Tag, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" || strings.EqualFold(hint, "auto") {
		return language.Und, false
	}
	primary, _, _ := strings.Cut(strings.ReplaceAll(hint, "_", "-"), "-")
	if len(primary) > 3 {
		// engine reported a display name such as "english"
		return language.Und, false
	}
	tag, err := language.Parse(hint)
	if err != nil || tag == language.Und {
		return language.Und, false
	}
	return tag, true
}
