// Package notify delivers outcome messages to users over a messaging
// transport. Delivery is fire-and-forget: failures are logged and never block
// the engine. Subscription-related notices are throttled per (user, kind) to
// avoid notification storms when a user stays unentitled for a long period.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebalancer/internal/metrics"
	"github.com/wnt/rebalancer/internal/models"
)

// Kind identifies a notification message kind.
type Kind string

const (
	KindStarting                Kind = "starting"
	KindSuccess                 Kind = "success"
	KindError                   Kind = "error"
	KindSubscriptionRequired    Kind = "subscription_required"
	KindNoSubscription          Kind = "no_subscription"
	KindSubscriptionCheckFailed Kind = "subscription_check_failed"
)

// ThrottleWindow is the minimum interval between two notices of the same
// throttled kind to the same user.
const ThrottleWindow = 8 * time.Hour

// throttledKinds are non-actionable notices; everything else is sent
// unconditionally.
var throttledKinds = map[Kind]bool{
	KindSubscriptionRequired:    true,
	KindNoSubscription:          true,
	KindSubscriptionCheckFailed: true,
}

// Sender is the messaging transport boundary.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
	Name() string
}

type throttleKey struct {
	userID uint
	kind   Kind
}

// Notifier sends user notifications through one Sender, owning its throttle
// state. Separate Notifier instances never share throttle entries.
type Notifier struct {
	sender   Sender
	mu       sync.Mutex
	lastSent map[throttleKey]time.Time
	now      func() time.Time
	logger   zerolog.Logger
}

// New creates a Notifier over the given sender.
func New(sender Sender, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sender:   sender,
		lastSent: make(map[throttleKey]time.Time),
		now:      time.Now,
		logger:   logger.With().Str("component", "notifier").Logger(),
	}
}

// Send delivers text to the user, applying the 8-hour throttle for
// non-actionable kinds. Send never returns an error; transport failures are
// logged only.
func (n *Notifier) Send(ctx context.Context, user *models.User, kind Kind, text string) {
	if n.sender == nil || user.ChatID == 0 {
		return
	}

	if throttledKinds[kind] && !n.allow(user.ID, kind) {
		n.logger.Debug().
			Str("wallet", user.WalletAddress).
			Str("kind", string(kind)).
			Msg("notification throttled")
		return
	}

	if err := n.sender.Send(ctx, user.ChatID, text); err != nil {
		n.logger.Warn().
			Err(err).
			Str("sender", n.sender.Name()).
			Str("wallet", user.WalletAddress).
			Str("kind", string(kind)).
			Msg("failed to send notification")
		return
	}
	metrics.RecordNotification(string(kind))
}

// allow records and checks the throttle window for one (user, kind) pair.
func (n *Notifier) allow(userID uint, kind Kind) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	key := throttleKey{userID: userID, kind: kind}
	if last, ok := n.lastSent[key]; ok && n.now().Sub(last) < ThrottleWindow {
		return false
	}
	n.lastSent[key] = n.now()
	return true
}
