package notification

import (
	"math/rand/v2"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusProcessing, true},
		{StatusQueued, StatusDelivered, true},
		{StatusQueued, StatusFailed, true},
		{StatusProcessing, StatusDelivered, true},
		{StatusProcessing, StatusFailed, true},
		{StatusQueued, StatusQueued, false},
		{StatusProcessing, StatusQueued, false},
		{StatusDelivered, StatusProcessing, false},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusDelivered, false},
		{StatusFailed, StatusQueued, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}

	assert.ElementsMatch(t, []Status{StatusQueued, StatusProcessing}, StatusDelivered.Predecessors())
	assert.Empty(t, StatusQueued.Predecessors())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, Status("sent").Valid())
}

func TestStatusReader_GetStatus(t *testing.T) {
	t.Parallel()

	t.Run("キャッシュにあればそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		seedDispatched(t, env)

		p, err := env.svc.GetStatus(t.Context(), "r1")
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, p.Status)
		assert.Equal(t, "u1", p.UserID)
		assert.Equal(t, ChannelEmail, p.Channel)
	})

	t.Run("フォールバック無効ならキャッシュミスはNotFound", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		seedDispatched(t, env)
		env.cache.expireStatus("r1")

		_, err := env.svc.GetStatus(t.Context(), "r1")
		assert.ErrorIs(t, err, ErrStatusNotFound)
	})

	t.Run("フォールバック有効ならストアから読み直してキャッシュすること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{StatusStoreFallback: true})
		seedDispatched(t, env)
		env.cache.expireStatus("r1")

		p, err := env.svc.GetStatus(t.Context(), "r1")
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, p.Status)

		_, found, err := env.cache.GetStatus(t.Context(), "r1")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("フォールバック有効でもストアに無ければNotFound", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{StatusStoreFallback: true})
		_, err := env.svc.GetStatus(t.Context(), "missing")
		assert.ErrorIs(t, err, ErrStatusNotFound)
	})

	t.Run("キャッシュの障害はエラーとして返すこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{StatusStoreFallback: true})
		env.cache.getErr = errBoom
		_, err := env.svc.GetStatus(t.Context(), "r1")
		assert.ErrorIs(t, err, errBoom)
	})

	t.Run("request_idが空の場合は検証エラー", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		_, err := env.svc.GetStatus(t.Context(), "")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestStatusReader_UpdateStatus(t *testing.T) {
	t.Parallel()

	t.Run("前進する遷移を適用し、投入時刻を保ったままキャッシュを更新すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		seedDispatched(t, env)
		enqueued := env.clock.Now()

		row, applied, err := env.svc.UpdateStatus(t.Context(), "r1", StatusUpdate{Status: StatusProcessing})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, StatusProcessing, row.Status)

		p, _, err := env.cache.GetStatus(t.Context(), "r1")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, p.Status)
		assert.True(t, p.LastEnqueuedAt.Equal(enqueued))
		assert.True(t, hasLog(env.hook, logrus.InfoLevel, "status updated"))
	})

	t.Run("後退する遷移は警告して無視すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		seedDispatched(t, env)
		_, _, err := env.svc.UpdateStatus(t.Context(), "r1", StatusUpdate{Status: StatusDelivered})
		require.NoError(t, err)

		row, applied, err := env.svc.UpdateStatus(t.Context(), "r1", StatusUpdate{Status: StatusProcessing})
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, StatusDelivered, row.Status)
		assert.True(t, hasLog(env.hook, logrus.WarnLevel, "ignored non-forward status transition"))

		p, _, err := env.cache.GetStatus(t.Context(), "r1")
		require.NoError(t, err)
		assert.Equal(t, StatusDelivered, p.Status)
	})

	t.Run("failed以外ではエラーメッセージを保存しないこと", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		seedDispatched(t, env)

		row, _, err := env.svc.UpdateStatus(t.Context(), "r1", StatusUpdate{Status: StatusDelivered, ErrorMessage: "ignored"})
		require.NoError(t, err)
		assert.Empty(t, row.ErrorMessage)
	})

	t.Run("failedはエラーメッセージを保存すること", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		seedDispatched(t, env)

		row, applied, err := env.svc.UpdateStatus(t.Context(), "r1", StatusUpdate{Status: StatusFailed, ErrorMessage: "bounced"})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, "bounced", row.ErrorMessage)

		p, err := env.svc.GetStatus(t.Context(), "r1")
		require.NoError(t, err)
		assert.Equal(t, "bounced", p.ErrorMessage)
	})

	t.Run("存在しないrequest_idはNotFound", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		_, _, err := env.svc.UpdateStatus(t.Context(), "missing", StatusUpdate{Status: StatusProcessing})
		assert.ErrorIs(t, err, ErrRequestNotFound)
	})

	t.Run("未知の状態は検証エラー", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, Options{})
		seedDispatched(t, env)
		_, _, err := env.svc.UpdateStatus(t.Context(), "r1", StatusUpdate{Status: "sent"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("任意の順序の更新でも状態は後退しないこと", func(t *testing.T) {
		t.Parallel()

		all := []Status{StatusQueued, StatusProcessing, StatusDelivered, StatusFailed}
		rng := rand.New(rand.NewPCG(1, 2))
		for round := range 50 {
			env := newTestEnv(t, Options{})
			seedDispatched(t, env)

			current := StatusQueued
			for range 8 {
				next := all[rng.IntN(len(all))]
				row, applied, err := env.svc.UpdateStatus(t.Context(), "r1", StatusUpdate{Status: next})
				require.NoError(t, err, "round %d", round)
				assert.Equal(t, current.CanTransitionTo(next), applied, "round %d: %s -> %s", round, current, next)
				if applied {
					current = next
				}
				require.Equal(t, current, row.Status, "round %d", round)
			}
		}
	})
}
