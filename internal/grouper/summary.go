package grouper

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"triaged/internal/triage"
)

const maxSummaryTitles = 5

// Summary is a human-scale rendering of a group of records.
type Summary struct {
	GroupKey string       `json:"group_key,omitempty"`
	Category string       `json:"category"`
	Priority triage.Level `json:"priority"`
	Count    int          `json:"count"`
	Title    string       `json:"title"`
	Body     string       `json:"body"`
	IDs      []string     `json:"ids"`
}

// CategoryLabel turns a category name into a display label.
func CategoryLabel(category string) string {
	c := strings.TrimSpace(category)
	if c == "" {
		return "General"
	}
	r, n := utf8.DecodeRuneInString(c)
	return string(unicode.ToUpper(r)) + c[n:]
}

// Summarize collapses a group into one message.
func Summarize(grp Group) Summary {
	s := summarize(grp.Category, grp.Records)
	s.GroupKey = grp.Key
	if len(grp.Records) == 0 {
		s.Priority = grp.Priority
	}
	return s
}

func summarize(category string, records []triage.Scored) Summary {
	count := len(records)
	noun := "Notifications"
	if count == 1 {
		noun = "Notification"
	}
	s := Summary{
		Category: category,
		Priority: triage.P4,
		Count:    count,
		Title:    fmt.Sprintf("%d %s %s", count, CategoryLabel(category), noun),
		IDs:      make([]string, 0, count),
	}

	var b strings.Builder
	for i, r := range records {
		if r.Level < s.Priority {
			s.Priority = r.Level
		}
		s.IDs = append(s.IDs, r.ID)
		if i < maxSummaryTitles {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString("• ")
			b.WriteString(r.Title)
		}
	}
	if count > maxSummaryTitles {
		fmt.Fprintf(&b, "\n...and %d more", count-maxSummaryTitles)
	}
	s.Body = b.String()
	return s
}

// BatchDigest groups records by category (explicit group keys are ignored)
// and returns one summary per category, most urgent then most frequent first.
func BatchDigest(records []triage.Scored) []Summary {
	byCat := map[string][]triage.Scored{}
	for _, r := range records {
		c := triage.NormalizeCategory(r.Category)
		byCat[c] = append(byCat[c], r)
	}
	out := make([]Summary, 0, len(byCat))
	for c, rs := range byCat {
		out = append(out, summarize(c, rs))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// RenderDigest joins digest summaries into one message title/body pair.
func RenderDigest(summaries []Summary) (title, body string) {
	total := 0
	var b strings.Builder
	for i, s := range summaries {
		total += s.Count
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s\n%s", s.Priority, s.Title, s.Body)
	}
	noun := "notifications"
	if total == 1 {
		noun = "notification"
	}
	return fmt.Sprintf("Digest: %d %s", total, noun), b.String()
}
