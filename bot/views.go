package bot

import (
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"xmonitor/pkg/notifier"
)

const startText = `🚀 X Monitor Bot Ready

/add <username> - watch an account
/remove <username> - stop watching
/kinds <username> - choose notifications
/list - your watch list
/stats - bot stats`

var kindLabels = map[notifier.Kind]string{
	notifier.KindPost:     "📝 Posts",
	notifier.KindRepost:   "🔁 Reposts",
	notifier.KindReply:    "💬 Replies",
	notifier.KindFollow:   "➕ New followers",
	notifier.KindUnfollow: "➖ Unfollows",
}

func startKeyboard() *tgbotapi.InlineKeyboardMarkup {
	m := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📊 Dashboard", "dashboard")),
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("📈 Bot Stats", "stats")),
	)
	return &m
}

// kindsKeyboard shows one toggle per kind, marking the enabled ones.
func kindsKeyboard(w *notifier.Watch) *tgbotapi.InlineKeyboardMarkup {
	if w == nil {
		return nil
	}
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(notifier.AllKinds)+1)
	for _, k := range notifier.AllKinds {
		label := kindLabels[k]
		if w.Has(k) {
			label = "✅ " + label
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(label, fmt.Sprintf("kind:%s:%s", w.Handle, k)),
		))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(
		tgbotapi.NewInlineKeyboardButtonData("✔️ Done", "done:"+w.Handle),
		tgbotapi.NewInlineKeyboardButtonData("♻️ Reset", "reset:"+w.Handle),
	))
	m := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &m
}

func kindList(w *notifier.Watch) string {
	if !w.Active() {
		return "paused"
	}
	names := make([]string, 0, len(w.Kinds))
	for _, k := range w.Kinds {
		names = append(names, string(k))
	}
	return strings.Join(names, ", ")
}

func dashboardText(watches []*notifier.Watch) string {
	if len(watches) == 0 {
		return "📊 Monitoring List:\n\nNo accounts yet"
	}
	var b strings.Builder
	b.WriteString("📊 Monitoring List:\n\n")
	for _, w := range watches {
		fmt.Fprintf(&b, "@%s: %s\n", w.Handle, kindList(w))
	}
	return strings.TrimRight(b.String(), "\n")
}

func statsText(s notifier.Stats) string {
	return fmt.Sprintf("📈 Bot Public Stats\n\n👥 Users: %d\n🐦 Accounts tracked: %d", s.SubscriberCount, s.WatchCount)
}

func activeText(w *notifier.Watch) string {
	return fmt.Sprintf("🔔 Monitoring @%s for %s", w.Handle, kindList(w))
}
