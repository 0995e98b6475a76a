package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func waitDone(t *testing.T, p *PendingInterstitial) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("interstitial never finished")
	}
}

func TestInterstitial_SendsAfterDelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	channel := &stubChannel{}
	n := NewInterstitialNotifier(channel, zerolog.Nop())
	n.pick = func(int) int { return 1 }

	p := n.Arm(context.Background(), "C1", 10*time.Millisecond, []string{"first", "second"})
	waitDone(t, p)

	assert.True(t, p.Sent())
	assert.Equal(t, []sentMessage{{To: "C1", Text: "second"}}, channel.messages())

	// Cancel after the timer fired is a no-op.
	assert.False(t, p.Cancel())
	assert.False(t, p.Cancel())
}

func TestInterstitial_CancelBeforeFire(t *testing.T) {
	defer goleak.VerifyNone(t)

	channel := &stubChannel{}
	n := NewInterstitialNotifier(channel, zerolog.Nop())

	p := n.Arm(context.Background(), "C1", time.Hour, DefaultPhrases)
	assert.True(t, p.Cancel())
	assert.False(t, p.Cancel())
	waitDone(t, p)

	assert.False(t, p.Sent())
	assert.Empty(t, channel.messages())
}

func TestInterstitial_DisabledNeverSends(t *testing.T) {
	channel := &stubChannel{}
	n := NewInterstitialNotifier(channel, zerolog.Nop())

	for _, p := range []*PendingInterstitial{
		n.Arm(context.Background(), "C1", 0, DefaultPhrases),
		n.Arm(context.Background(), "C1", time.Millisecond, nil),
	} {
		waitDone(t, p)
		assert.False(t, p.Cancel())
		assert.False(t, p.Sent())
	}
	assert.Empty(t, channel.messages())
}

func TestInterstitial_SendFailureIsOnlyLogged(t *testing.T) {
	defer goleak.VerifyNone(t)

	channel := &stubChannel{failOn: map[string]error{"only": errors.New("boom")}}
	n := NewInterstitialNotifier(channel, zerolog.Nop())

	p := n.Arm(context.Background(), "C1", time.Millisecond, []string{"only"})
	waitDone(t, p)

	assert.False(t, p.Sent())
	require.Empty(t, channel.messages())
}

func TestDefaultPhrasesArePresent(t *testing.T) {
	assert.Len(t, DefaultPhrases, 30)
	for _, p := range DefaultPhrases {
		assert.NotEmpty(t, p)
	}
}
