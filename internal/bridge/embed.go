package bridge

import (
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/callbridge/callbridge/internal/dispatch"
	"github.com/callbridge/callbridge/internal/session"
)

var (
	descriptionCallID = regexp.MustCompile(`(?i)Call\s*ID[:\s]+([A-Za-z0-9_-]+)`)
	callIDExtract     = regexp.MustCompile(`([A-Za-z0-9_-]+)`)
)

// ParseEmbed extracts a call notification from a webhook embed. The title
// carries the call type ("911" or "311"); the call ID comes from the
// description or a "call id" field; status and callback come from fields.
// Returns false when the embed carries no recognizable call type.
func ParseEmbed(embed *discordgo.MessageEmbed) (dispatch.Notification, bool) {
	var n dispatch.Notification
	if embed == nil || embed.Title == "" {
		return n, false
	}

	switch {
	case strings.Contains(embed.Title, string(session.Emergency)):
		n.CallType = session.Emergency
	case strings.Contains(embed.Title, string(session.NonEmergency)):
		n.CallType = session.NonEmergency
	default:
		return n, false
	}

	n.Callback = "Unknown"

	if embed.Description != "" {
		if m := descriptionCallID.FindStringSubmatch(embed.Description); m != nil && session.ValidCallID(m[1]) {
			n.CallID = m[1]
		}
	}

	for _, field := range embed.Fields {
		if field == nil {
			continue
		}
		name := strings.ToLower(field.Name)
		value := field.Value

		if n.CallID == "" && (strings.Contains(name, "call id") || strings.Contains(name, "callid")) {
			if m := callIDExtract.FindStringSubmatch(value); m != nil && session.ValidCallID(m[1]) {
				n.CallID = m[1]
			}
		}
		if strings.Contains(name, "status") {
			n.Status = value
		} else if strings.Contains(name, "callback") || strings.Contains(name, "number") {
			if value == "" {
				value = "Unknown"
			}
			n.Callback = value
		}
	}

	return n, true
}
