package entitlement

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Mode is how an access grant is funded.
type Mode string

const (
	ModeSubscription Mode = "subscription"
	ModeCredits      Mode = "credits"
)

// Denial reasons.
const (
	ReasonNoLinkedWallet = "no linked wallet"
	ReasonNoSubscription = "no subscription"
)

// Decision is the outcome of an entitlement check.
type Decision struct {
	Granted      bool
	Mode         Mode
	LinkedWallet string
	Settings     AutomationSettings
	DenyReason   string
	// SilentSkip means the user disabled automation by choice; no
	// notification should be sent.
	SilentSkip bool
}

// RemoteService is the subset of the access-control service the gate needs.
type RemoteService interface {
	GetLinkedAccount(ctx context.Context, userKey string) (string, error)
	CheckSubscription(ctx context.Context, address string) (bool, error)
	GetCreditBalance(ctx context.Context, address string) (float64, error)
	GetAutomationSettings(ctx context.Context, userKey string) (AutomationSettings, error)
}

// Gate verifies a user's entitlement to automated service, wrapping each
// remote check in a short-lived cache. A Gate instance owns its cache state;
// separate instances never share entries.
type Gate struct {
	remote RemoteService
	cache  *ttlCache
	logger zerolog.Logger
}

// NewGate creates a gate backed by the given remote service.
func NewGate(remote RemoteService, logger zerolog.Logger) *Gate {
	return &Gate{
		remote: remote,
		cache:  newTTLCache(),
		logger: logger.With().Str("component", "entitlement").Logger(),
	}
}

// VerifyAccess checks whether the user may receive automated service.
// Remote failures return an error so callers fail closed.
func (g *Gate) VerifyAccess(ctx context.Context, userKey string) (Decision, error) {
	linked, err := g.linkedAccount(ctx, userKey)
	if err != nil {
		return Decision{}, fmt.Errorf("linked account lookup failed: %w", err)
	}
	if linked == "" {
		return Decision{DenyReason: ReasonNoLinkedWallet}, nil
	}

	decision := Decision{LinkedWallet: linked}

	active, err := g.subscription(ctx, linked)
	if err != nil {
		return Decision{}, fmt.Errorf("subscription check failed: %w", err)
	}
	if active {
		decision.Granted = true
		decision.Mode = ModeSubscription
	} else {
		balance, err := g.creditBalance(ctx, linked)
		if err != nil {
			return Decision{}, fmt.Errorf("credit balance check failed: %w", err)
		}
		if balance < 1 {
			return Decision{LinkedWallet: linked, DenyReason: ReasonNoSubscription}, nil
		}
		decision.Granted = true
		decision.Mode = ModeCredits
	}

	settings, err := g.settings(ctx, userKey)
	if err != nil {
		return Decision{}, fmt.Errorf("settings lookup failed: %w", err)
	}
	decision.Settings = settings
	if !settings.AutoRebalance {
		// Disabled by the user's own choice, not a failure
		decision.Granted = false
		decision.SilentSkip = true
	}
	return decision, nil
}

// InvalidateCredits drops the cached credit balance after a deduction.
func (g *Gate) InvalidateCredits(address string) {
	g.cache.invalidate("credits:" + address)
}

// InvalidateSettings drops the cached settings after a user changes them.
func (g *Gate) InvalidateSettings(userKey string) {
	g.cache.invalidate("settings:" + userKey)
}

func (g *Gate) linkedAccount(ctx context.Context, userKey string) (string, error) {
	key := "linked:" + userKey
	if v, ok := g.cache.get(key); ok {
		return v.(string), nil
	}
	linked, err := g.remote.GetLinkedAccount(ctx, userKey)
	if err != nil {
		return "", err
	}
	g.cache.put(key, linked, longTTL)
	return linked, nil
}

func (g *Gate) subscription(ctx context.Context, address string) (bool, error) {
	key := "sub:" + address
	if v, ok := g.cache.get(key); ok {
		return v.(bool), nil
	}
	active, err := g.remote.CheckSubscription(ctx, address)
	if err != nil {
		return false, err
	}
	g.cache.put(key, active, shortTTL)
	return active, nil
}

func (g *Gate) creditBalance(ctx context.Context, address string) (float64, error) {
	key := "credits:" + address
	if v, ok := g.cache.get(key); ok {
		return v.(float64), nil
	}
	balance, err := g.remote.GetCreditBalance(ctx, address)
	if err != nil {
		return 0, err
	}
	g.cache.put(key, balance, shortTTL)
	return balance, nil
}

func (g *Gate) settings(ctx context.Context, userKey string) (AutomationSettings, error) {
	key := "settings:" + userKey
	if v, ok := g.cache.get(key); ok {
		return v.(AutomationSettings), nil
	}
	settings, err := g.remote.GetAutomationSettings(ctx, userKey)
	if err != nil {
		return AutomationSettings{}, err
	}
	g.cache.put(key, settings, longTTL)
	return settings, nil
}
