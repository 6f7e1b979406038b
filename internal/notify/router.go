package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"vodum/internal/models"
)

var ErrNoChannel = errors.New("no notification channel available")

type Recipient struct {
	UserID        int64
	Username      string
	Email         string
	DiscordUserID string
}

type Message struct {
	Subject string
	Body    string
}

// Channel delivers a message to a recipient over one medium.
type Channel interface {
	// Ready reports whether the channel is configured and can reach the recipient.
	Ready(s models.Settings, r Recipient) bool
	Send(ctx context.Context, s models.Settings, r Recipient, m Message) error
}

type Router struct {
	channels map[string]Channel
}

func NewRouter(email, discord Channel) *Router {
	r := &Router{channels: make(map[string]Channel)}
	if email != nil {
		r.channels[ChannelEmail] = email
	}
	if discord != nil {
		r.channels[ChannelDiscord] = discord
	}
	return r
}

// Dispatch sends through the first ready channel of order. With fallThrough a failed send moves on
// to the next ready channel; without it the first failure is returned.
func (r *Router) Dispatch(ctx context.Context, s models.Settings, order []string, to Recipient, m Message, fallThrough bool) (string, error) {
	var errs []error
	for _, name := range order {
		ch, ok := r.channels[name]
		if !ok || !ch.Ready(s, to) {
			continue
		}
		err := ch.Send(ctx, s, to, m)
		if err == nil {
			return name, nil
		}
		log.Warn().Err(err).Str("channel", name).Int64("user_id", to.UserID).Msg("Notification failed")
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if !fallThrough {
			break
		}
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w for user %d", ErrNoChannel, to.UserID)
	}
	return "", errors.Join(errs...)
}

// EmailChannel sends with a Mailer.
type EmailChannel struct {
	Mailer Mailer
}

func (c EmailChannel) Ready(s models.Settings, r Recipient) bool {
	return EmailReady(s) && strings.TrimSpace(r.Email) != ""
}

func (c EmailChannel) Send(ctx context.Context, s models.Settings, r Recipient, m Message) error {
	return c.Mailer.Send(ctx, s, r.Email, m.Subject, m.Body)
}

// DiscordChannel sends direct messages with a bot.
type DiscordChannel struct {
	Client DiscordSender
}

func (c DiscordChannel) Ready(s models.Settings, r Recipient) bool {
	return DiscordReady(s) && strings.TrimSpace(r.DiscordUserID) != ""
}

func (c DiscordChannel) Send(ctx context.Context, s models.Settings, r Recipient, m Message) error {
	return c.Client.SendDM(ctx, s.DiscordBotToken.ValueOrZero(), r.DiscordUserID, DiscordContent(m))
}

// DiscordContent renders a message as a bold title line followed by the body.
func DiscordContent(m Message) string {
	title, body := strings.TrimSpace(m.Subject), strings.TrimSpace(m.Body)
	if title == "" {
		return body
	}
	return "**" + title + "**\n" + body
}
