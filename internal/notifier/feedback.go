package notifier

import (
	"strings"

	kit "triaged/internal/transport"
)

const (
	feedbackPrefix = "fb"
	// Telegram rejects callback data longer than 64 bytes.
	maxCallbackData = 64
	// uuid string form, the id the pipeline assigns.
	feedbackIDLen = 36
)

// MaxFeedbackCategory is the longest category name that fits a feedback
// callback next to a pipeline-assigned id.
const MaxFeedbackCategory = maxCallbackData - len(feedbackPrefix+"|down|") - 1 - feedbackIDLen

// feedbackFits reports whether category and id encode within Telegram's limit.
func feedbackFits(category, id string) bool {
	return len(feedbackPrefix+"|down|")+len(category)+1+len(id) <= maxCallbackData
}

// Feedback is a decoded feedback button press.
type Feedback struct {
	Engaged  bool
	Category string
	ID       string
}

// FeedbackData encodes a feedback callback as fb|<up|down>|<category>|<id>.
// Callers check the length first; see FeedbackButtons.
func FeedbackData(engaged bool, category, id string) string {
	dir := "down"
	if engaged {
		dir = "up"
	}
	category = strings.ReplaceAll(category, "|", "_")
	return feedbackPrefix + "|" + dir + "|" + category + "|" + id
}

// ParseFeedback decodes callback data produced by FeedbackData.
func ParseFeedback(data string) (Feedback, bool) {
	parts := strings.SplitN(data, "|", 4)
	if len(parts) != 4 || parts[0] != feedbackPrefix || parts[2] == "" {
		return Feedback{}, false
	}
	var fb Feedback
	switch parts[1] {
	case "up":
		fb.Engaged = true
	case "down":
	default:
		return Feedback{}, false
	}
	fb.Category = parts[2]
	fb.ID = parts[3]
	return fb, true
}

// FeedbackButtons returns the inline keyboard row attached to a notification,
// or nil when the category and id do not fit a callback. A shortened category
// would train engagement for a category that does not exist.
func FeedbackButtons(category, id string) [][]kit.Button {
	if category == "" || !feedbackFits(category, id) {
		return nil
	}
	return [][]kit.Button{{
		{Text: "👍 Useful", Data: FeedbackData(true, category, id)},
		{Text: "👎 Noise", Data: FeedbackData(false, category, id)},
	}}
}
