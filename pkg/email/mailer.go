package email

import (
	"context"

	"github.com/coralhq/coral/pkg/log"
)

// LogMailer writes digests to the log instead of sending them. The
// standalone binary runs with it until an SMTP mailer is wired; embedding
// platforms bring their own Mailer.
type LogMailer struct{}

// NewLogMailer creates a LogMailer.
func NewLogMailer() *LogMailer { return &LogMailer{} }

// Send logs the digest.
func (LogMailer) Send(_ context.Context, msg *Message) error {
	log.WithComponent("email").Info().
		Str("to", msg.To).
		Str("user_id", msg.UserID).
		Str("tenant", msg.TenantAlias).
		Str("fingerprint", msg.Fingerprint).
		Int("activities", len(msg.Activities)).
		Msg("digest rendered")
	return nil
}
