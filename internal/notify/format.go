package notify

import (
	"fmt"
	"strings"

	"github.com/wnt/rebalancer/internal/models"
	"github.com/wnt/rebalancer/internal/settle"
)

// FormatStarting announces that an automated reposition has begun.
func FormatStarting(position *models.Position, activeBin int32) string {
	return fmt.Sprintf(
		"🔄 *Rebalancing started*\n\nPosition `%s` drifted out of range (bins %d–%d, market at %d). Closing and reopening around the current price.",
		shortAddr(position.PositionAddress), position.LowerBinID, position.UpperBinID, activeBin,
	)
}

// FormatSuccess reports a completed reposition with its realized result.
func FormatSuccess(summary settle.Summary) string {
	sign := "+"
	if summary.PnL.PnlUSD < 0 {
		sign = "−"
	}
	return fmt.Sprintf(
		"✅ *Rebalancing complete*\n\nOld position `%s` closed, new position `%s` opened.\nRealized PnL: %s$%.2f (%s%.2f%%)\nFees earned: %.6f / %.6f\nReturned: %.6f / %.6f @ %.4f",
		shortAddr(summary.OldPosition), shortAddr(summary.NewPosition),
		sign, abs(summary.PnL.PnlUSD), sign, abs(summary.PnL.PnlPercent),
		summary.PnL.FeeX, summary.PnL.FeeY,
		summary.ReturnedX, summary.ReturnedY, summary.ExitPrice,
	)
}

// FormatError classifies an error by message content and returns the user
// text for it. Critical errors carry explicit manual-action guidance and the
// underlying error verbatim.
func FormatError(err error) string {
	msg := err.Error()
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "critical"):
		return fmt.Sprintf(
			"🚨 *Action required*\n\nYour old position was closed but a new one could not be created. Your funds are safe in your wallet but are NOT earning fees. Please open a new position manually.\n\nDetails: %s", msg)
	case strings.Contains(lower, "cooldown"):
		return "⏳ Rebalancing is on cooldown for this position. It will be retried on the next scan."
	case strings.Contains(lower, "slippage"), strings.Contains(lower, "price moved"), strings.Contains(lower, "block height"):
		return "⚠️ The market is moving too fast to rebalance safely right now. The position will be retried on the next scan."
	default:
		return fmt.Sprintf("⚠️ Rebalancing failed: %s\n\nThe position will be retried on the next scan.", msg)
	}
}

// FormatAccessDenied explains why automated service was refused.
func FormatAccessDenied(reason string) string {
	if reason == "no linked wallet" {
		return "🔗 *Subscription required*\n\nAutomated rebalancing needs a linked payment wallet. Link one in your settings to enable it."
	}
	return "💳 *No active subscription*\n\nAutomated rebalancing requires an active subscription or prepaid credits. Top up to resume automation."
}

// FormatSubscriptionCheckFailed reports a temporarily unverifiable
// entitlement.
func FormatSubscriptionCheckFailed() string {
	return "⚠️ Could not verify your subscription right now; skipping this rebalance. Automation resumes once verification succeeds."
}

func shortAddr(addr string) string {
	if len(addr) <= 8 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
