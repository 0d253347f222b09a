package notifier

import "strings"

// mdEscaper escapes the characters Slack's mrkdwn (and Markdown generally)
// treats as formatting controls, so user-supplied source/reason/account
// fields can never break out of the surrounding message structure.
var mdEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	"*", "\\*",
	"_", "\\_",
	"`", "\\`",
	"~", "\\~",
)

// Escape is the single escaping helper calls for: every field that carries
// user input passes through here before it reaches a notification. Values
// already placed inside a code block or inline-code span (the
// command/summary block) are not escaped — Slack/Discord code entities do
// not interpret mrkdwn inside them.
func Escape(s string) string {
	return mdEscaper.Replace(s)
}
