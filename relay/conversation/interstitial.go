package conversation

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	ports "github.com/ZanzyTHEbar/convo-relay/relay/conversation/ports"
	"github.com/rs/zerolog"
)

// DefaultInterstitialDelay is how long generation may take before a filler
// message goes out.
const DefaultInterstitialDelay = 3000 * time.Millisecond

// DefaultPhrases is the filler pool used when none is configured.
var DefaultPhrases = []string{
	"Acabo de recibir tu mensaje, dame un momentito para responderte.",
	"Estoy leyendo tu mensaje, enseguida te contesto.",
	"Dame un segundo, estoy un poco ocupada pero te responderé pronto.",
	"Gracias por tu mensaje, permíteme un instante para responderte.",
	"He leído tu mensaje, dame un minuto para escribirte.",
	"Estoy revisando tu mensaje, sólo un momentito y te contesto.",
	"Un poquito de tiempo, estoy ocupada pero te responderé en breve.",
	"Aprecio tu mensaje, dame un momento para escribirte.",
	"Estoy atenta a tu mensaje, sólo necesito un segundo para contestarte.",
	"Leí tu mensaje, aguárdame un instante y te responderé.",
	"Recibí tu mensaje, dame un ratito para escribirte.",
	"Estoy un poco ocupada, pero enseguida te contesto, gracias por esperar.",
	"Acabo de leer tu mensaje, dame un minuto y te responderé.",
	"Un momentito, estoy ocupada pero te escribiré en breve.",
	"Gracias por tu mensaje, enseguida te contesto.",
	"He visto tu mensaje, permíteme un segundo para responder.",
	"Estoy leyendo lo que me escribiste, aguárdame un momento.",
	"Necesito un instante, estoy un poco ocupada pero te contestaré en breve.",
	"Tu mensaje es importante para mí, dame un minuto para responderte.",
	"Estoy atenta a lo que me dices, sólo un momentito y te escribo.",
	"Leí tu mensaje, permíteme un segundo para contestarte.",
	"Estoy un poco ocupada, pero en breve te responderé, gracias por tu paciencia.",
	"Recibí tu mensaje, dame un momentito para contestarte.",
	"Un poquito de tiempo, estoy leyendo tu mensaje y te responderé enseguida.",
	"Gracias por escribirme, enseguida te contesto.",
	"He visto lo que me dices, sólo necesito un minuto para responderte.",
	"Estoy un poco ocupada, pero pronto te escribiré, gracias por esperar.",
	"Leí tu mensaje, aguárdame un instante para responderte.",
	"Estoy leyendo lo que me escribiste, dame un segundo.",
	"Recibí tu mensaje, gracias por tu paciencia, en breve te contesto.",
}

// InterstitialNotifier schedules filler messages for slow generations.
type InterstitialNotifier struct {
	channel ports.Channel
	logger  zerolog.Logger
	pick    func(n int) int
}

func NewInterstitialNotifier(channel ports.Channel, logger zerolog.Logger) *InterstitialNotifier {
	return &InterstitialNotifier{
		channel: channel,
		logger:  logger.With().Str("component", "interstitial").Logger(),
		pick:    rand.IntN,
	}
}

// Arm schedules one filler from phrases after delay. The returned task
// belongs to the caller and must be cancelled once the reply is ready.
// A zero delay or an empty pool yields a task that never sends.
func (n *InterstitialNotifier) Arm(ctx context.Context, contactID string, delay time.Duration, phrases []string) *PendingInterstitial {
	p := &PendingInterstitial{done: make(chan struct{})}
	if delay <= 0 || len(phrases) == 0 {
		close(p.done)
		return p
	}

	phrase := phrases[n.pick(len(phrases))]
	p.timer = time.AfterFunc(delay, func() {
		defer p.finish()
		if _, err := n.channel.Send(ctx, contactID, phrase); err != nil {
			n.logger.Warn().Err(err).Str("contact_id", contactID).Msg("failed to send interstitial message")
			return
		}
		p.sent.Store(true)
	})
	return p
}

// PendingInterstitial is a cancellable deferred filler send.
type PendingInterstitial struct {
	timer *time.Timer
	done  chan struct{}
	once  sync.Once
	sent  atomic.Bool
}

// Cancel stops the filler if its timer has not fired yet and reports whether
// it did. Cancelling after the timer fired, or twice, is a no-op. A send that
// is already in flight is not interrupted.
func (p *PendingInterstitial) Cancel() bool {
	if p == nil || p.timer == nil {
		return false
	}
	if p.timer.Stop() {
		p.finish()
		return true
	}
	return false
}

// Done is closed once the task can no longer send: it was cancelled, never
// armed, or its send attempt finished.
func (p *PendingInterstitial) Done() <-chan struct{} { return p.done }

// Sent reports whether the filler reached the channel.
func (p *PendingInterstitial) Sent() bool { return p.sent.Load() }

func (p *PendingInterstitial) finish() {
	p.once.Do(func() { close(p.done) })
}
