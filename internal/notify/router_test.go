package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vodum/internal/models"
	"vodum/internal/notify"
)

type fakeChannel struct {
	ready bool
	err   error
	sent  []notify.Message
}

func (f *fakeChannel) Ready(models.Settings, notify.Recipient) bool { return f.ready }

func (f *fakeChannel) Send(_ context.Context, _ models.Settings, _ notify.Recipient, m notify.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m)
	return nil
}

func TestDispatch(t *testing.T) {
	ctx := context.Background()
	msg := notify.Message{Subject: "Hi", Body: "Body"}
	to := notify.Recipient{UserID: 1}
	both := []string{notify.ChannelDiscord, notify.ChannelEmail}

	t.Run("first ready channel wins", func(t *testing.T) {
		email, discord := &fakeChannel{ready: true}, &fakeChannel{ready: false}
		used, err := notify.NewRouter(email, discord).Dispatch(ctx, models.Settings{}, both, to, msg, false)
		require.NoError(t, err)
		assert.Equal(t, notify.ChannelEmail, used)
		assert.Len(t, email.sent, 1)
	})

	t.Run("fall through", func(t *testing.T) {
		email, discord := &fakeChannel{ready: true}, &fakeChannel{ready: true, err: errors.New("dm closed")}
		used, err := notify.NewRouter(email, discord).Dispatch(ctx, models.Settings{}, both, to, msg, true)
		require.NoError(t, err)
		assert.Equal(t, notify.ChannelEmail, used)
	})

	t.Run("no fall through", func(t *testing.T) {
		email, discord := &fakeChannel{ready: true}, &fakeChannel{ready: true, err: errors.New("dm closed")}
		_, err := notify.NewRouter(email, discord).Dispatch(ctx, models.Settings{}, both, to, msg, false)
		assert.ErrorContains(t, err, "dm closed")
		assert.Empty(t, email.sent)
	})

	t.Run("nothing ready", func(t *testing.T) {
		_, err := notify.NewRouter(&fakeChannel{}, &fakeChannel{}).Dispatch(ctx, models.Settings{}, both, to, msg, true)
		assert.ErrorIs(t, err, notify.ErrNoChannel)
	})
}

func TestDiscordContent(t *testing.T) {
	assert.Equal(t, "**Hi**\nthere", notify.DiscordContent(notify.Message{Subject: " Hi ", Body: "there\n"}))
	assert.Equal(t, "there", notify.DiscordContent(notify.Message{Body: "there"}))
}
