package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/livelink/internal/directory"
	"github.com/xaenox/livelink/internal/models"
)

// escapeMarkdown escapes special characters for MarkdownV2
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func formatCategories(categories []directory.Category) string {
	if len(categories) == 0 {
		return "There are no channels yet\\."
	}
	var sb strings.Builder
	for i, category := range categories {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(fmt.Sprintf("*%s*\n", escapeMarkdown(category.Name)))
		for _, ch := range category.Channels {
			sb.WriteString(fmt.Sprintf("• %s\n", escapeMarkdown(ch.Name)))
		}
	}
	return sb.String()
}

func formatPresent(channel string, records []models.PresenceRecord) string {
	if len(records) == 0 {
		return fmt.Sprintf("Nobody is in *%s* right now\\.", escapeMarkdown(channel))
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*Online in %s:*\n", escapeMarkdown(channel)))
	for _, rec := range records {
		line := rec.Username
		if details := joinNonEmpty(", ", rec.Age, rec.Gender); details != "" {
			line += " (" + details + ")"
		}
		sb.WriteString(escapeMarkdown(line) + "\n")
	}
	return sb.String()
}

func formatProfile(profile *models.UserProfile, onlineIn string, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("*%s*\n", escapeMarkdown(profile.Username)))

	fields := []struct {
		label string
		value string
	}{
		{"Name", profile.Name},
		{"Age", profile.Age},
		{"Gender", profile.Gender},
		{"Relationship", profile.RelationshipStatus},
		{"Location", joinNonEmpty(", ", profile.City, profile.State, profile.Country)},
		{"About", profile.Wildspace},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		sb.WriteString(fmt.Sprintf("%s: %s\n", f.label, escapeMarkdown(f.value)))
	}
	if profile.RegDate > 0 {
		since := time.UnixMilli(profile.RegDate).UTC().Format("02.01.2006")
		sb.WriteString(fmt.Sprintf("Member since %s\n", escapeMarkdown(since)))
	}
	if onlineIn != "" {
		sb.WriteString(fmt.Sprintf("Currently online in *%s*\n", escapeMarkdown(onlineIn)))
	}
	if profile.IsLocked(now) {
		lock := profile.LockInfo
		sb.WriteString(fmt.Sprintf("_%s: %s_\n", escapeMarkdown(lock.Describe()), escapeMarkdown(lock.Reason)))
	}
	return sb.String()
}

func formatSearch(prefix string, results []*models.UserProfile) string {
	if len(results) == 0 {
		return fmt.Sprintf("No users start with %q.", prefix)
	}
	names := make([]string, len(results))
	for i, p := range results {
		names[i] = p.Username
	}
	return "Found: " + strings.Join(names, ", ")
}

func formatChatLine(sender, content string) string {
	return fmt.Sprintf("*%s:* %s", escapeMarkdown(sender), escapeMarkdown(content))
}

func joinNonEmpty(sep string, values ...string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, sep)
}

// unseenMessages returns the messages whose ids are not in seen, in order, and marks them seen.
func unseenMessages(msgs []models.Message, seen map[string]struct{}) []models.Message {
	var fresh []models.Message
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		fresh = append(fresh, m)
	}
	return fresh
}

// diffPresence compares two presence snapshots by username.
func diffPresence(before, after []models.PresenceRecord) (joined, left []string) {
	prev := make(map[string]struct{}, len(before))
	for _, r := range before {
		prev[r.Username] = struct{}{}
	}
	next := make(map[string]struct{}, len(after))
	for _, r := range after {
		next[r.Username] = struct{}{}
		if _, ok := prev[r.Username]; !ok {
			joined = append(joined, r.Username)
		}
	}
	for _, r := range before {
		if _, ok := next[r.Username]; !ok {
			left = append(left, r.Username)
		}
	}
	return joined, left
}
