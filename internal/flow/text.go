package flow

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ScenarioPipe/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_.]*)\}`)

// Substitute replaces {name} placeholders with session variables. Missing variables become "".
func Substitute(text string, vars map[string]any) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		return models.StringifyValue(vars[name])
	})
}

// matchChoice finds the choice selected by input: its value, any label variant, or its 1-based
// position. Comparison is case-insensitive.
func matchChoice(choices []models.Choice, input string) (models.Choice, bool) {
	in := strings.TrimSpace(input)
	if in == "" {
		return models.Choice{}, false
	}
	for _, ch := range choices {
		if ch.Value != "" && strings.EqualFold(ch.Value, in) {
			return ch, true
		}
		for _, label := range ch.Label.Variants() {
			if strings.EqualFold(strings.TrimSpace(label), in) {
				return ch, true
			}
		}
	}
	if n, err := strconv.Atoi(in); err == nil && n >= 1 && n <= len(choices) {
		return choices[n-1], true
	}
	return models.Choice{}, false
}

// choiceValue is what a matched choice binds into its variable.
func choiceValue(ch models.Choice) string {
	if ch.Value != "" {
		return ch.Value
	}
	return ch.Label.Default
}

var phoneDigits = regexp.MustCompile(`^\+?[0-9]{7,15}$`)

// normalizePhone strips formatting from a typed phone number and reports whether it looks valid.
func normalizePhone(s string) (string, bool) {
	cleaned := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(s))
	if !phoneDigits.MatchString(cleaned) {
		return "", false
	}
	return cleaned, true
}

var scheduleLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"02.01.2006 15:04",
}

// parseSchedule reads a broadcast time bound by a flow. Times without a zone are local.
func parseSchedule(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range scheduleLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// formatResult renders one search result as a gallery caption.
func formatResult(r models.SearchResult) string {
	var b strings.Builder
	title := strings.TrimSpace(r.Brand + " " + r.Model)
	b.WriteString(title)
	if r.Year > 0 {
		fmt.Fprintf(&b, ", %d", r.Year)
	}
	if r.Price > 0 {
		fmt.Fprintf(&b, "\n%s", formatThousands(r.Price))
	}
	if r.Mileage > 0 {
		fmt.Fprintf(&b, "\n%s km", formatThousands(r.Mileage))
	}
	if r.URL != "" {
		b.WriteString("\n")
		b.WriteString(r.URL)
	}
	return b.String()
}

func formatThousands(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var out []byte
	for i := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ' ')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
