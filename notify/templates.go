package notify

import (
	"fmt"
	"strings"

	"xmonitor/diff"
	"xmonitor/pkg/notifier"
)

// MaxMessageLength is Telegram's limit for a text message.
const MaxMessageLength = 4096

func verb(k notifier.Kind) string {
	switch k {
	case notifier.KindRepost:
		return "reposted"
	case notifier.KindReply:
		return "replied"
	default:
		return "posted"
	}
}

func formatEvent(handle string, e notifier.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🐦 @%s %s", handle, verb(e.Kind))
	if text := strings.TrimSpace(e.Text); text != "" {
		b.WriteString("\n")
		b.WriteString(text)
	}
	if e.Permalink != "" {
		b.WriteString("\n")
		b.WriteString(e.Permalink)
	}
	return b.String()
}

func formatFollowers(handle string, d diff.FollowerDecision) string {
	n := d.Delta
	action := "gained"
	if n < 0 {
		n, action = -n, "lost"
	}
	noun := "followers"
	if n == 1 {
		noun = "follower"
	}
	return fmt.Sprintf("👥 @%s %s %d %s (now %d)\nhttps://x.com/%s", handle, action, n, noun, d.Total, handle)
}

// truncate cuts s to at most n runes, keeping the tail (usually the
// permalink) intact when it can.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if i := strings.LastIndex(s, "\nhttps://"); i > 0 {
		tail := []rune(s[i:])
		if len(tail) < n-1 {
			head := []rune(s[:i])
			return string(head[:n-1-len(tail)]) + "…" + string(tail)
		}
	}
	return string(r[:n-1]) + "…"
}
