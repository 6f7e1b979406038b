package notify

import (
	"encoding/json"
	"strings"

	"vodum/internal/models"
)

const (
	ChannelEmail   = "email"
	ChannelDiscord = "discord"
)

var supported = map[string]bool{ChannelEmail: true, ChannelDiscord: true}

// ParseOrder reads a channel order stored either as a JSON list or as a comma separated string.
// Unknown and repeated channels are dropped. An empty result is nil.
func ParseOrder(value string) []string {
	value = strings.TrimSpace(value)
	var raw []string
	if strings.HasPrefix(value, "[") {
		if err := json.Unmarshal([]byte(value), &raw); err != nil {
			return nil
		}
	} else {
		raw = strings.Split(value, ",")
	}

	var order []string
	for _, c := range raw {
		c = strings.ToLower(strings.TrimSpace(c))
		if !supported[c] {
			continue
		}
		dup := false
		for _, seen := range order {
			dup = dup || seen == c
		}
		if !dup {
			order = append(order, c)
		}
	}
	return order
}

// EffectiveOrder is the user's override when overrides are allowed and it is not empty, otherwise
// the global order, defaulting to email only.
func EffectiveOrder(s models.Settings, userOverride string) []string {
	if s.UserNotificationsCanOverride {
		if order := ParseOrder(userOverride); len(order) > 0 {
			return order
		}
	}
	if order := ParseOrder(s.NotificationsOrder); len(order) > 0 {
		return order
	}
	return []string{ChannelEmail}
}

func EmailReady(s models.Settings) bool {
	return s.MailingEnabled &&
		strings.TrimSpace(s.SMTPHost.ValueOrZero()) != "" &&
		s.SMTPPort.ValueOrZero() > 0 &&
		strings.TrimSpace(s.SMTPUser.ValueOrZero()) != "" &&
		s.SMTPPass.ValueOrZero() != "" &&
		strings.TrimSpace(s.MailFrom.ValueOrZero()) != ""
}

func DiscordReady(s models.Settings) bool {
	return s.DiscordEnabled && strings.TrimSpace(s.DiscordBotToken.ValueOrZero()) != ""
}
