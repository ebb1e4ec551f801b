package agent

import (
	"log/slog"
	"regexp"
)

// intentDetector flags assistant text that narrates a tool action without
// calling one ("I will now run...", "let me create the file"). Patterns come
// from config; an empty list disables the heuristic.
type intentDetector struct {
	patterns []*regexp.Regexp
}

func newIntentDetector(patterns []string) *intentDetector {
	d := &intentDetector{}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			slog.Warn("Invalid tool intent pattern, skipping", "pattern", p, "error", err)
			continue
		}
		d.patterns = append(d.patterns, re)
	}
	return d
}

// Matches reports whether any configured pattern fires on the text.
func (d *intentDetector) Matches(text string) bool {
	if d == nil || len(d.patterns) == 0 || text == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
