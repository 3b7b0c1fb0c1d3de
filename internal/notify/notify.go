// Package notify delivers fill events to interested parties after a
// matching pass commits. Delivery is fire-and-forget: failures are logged
// and never propagate back into the order path.
package notify

import (
	"log/slog"

	"github.com/bullionx/marketplace-engine/internal/model"
)

// Notifier receives fill events strictly after the owning transaction has
// committed. Implementations must not block the caller for long and must
// swallow their own delivery failures.
type Notifier interface {
	NotifyFilled(ev model.FillEvent)
}

// LogNotifier writes fill events to the structured log. Used when no hub
// is configured and as the tail of a fan-out.
type LogNotifier struct{}

func (LogNotifier) NotifyFilled(ev model.FillEvent) {
	slog.Info("bid filled",
		"bid", ev.BidID,
		"order", ev.OrderID,
		"buyer", ev.BuyerID,
		"qty", ev.QuantityFilled,
		"price_per_unit", ev.PricePerUnit.String(),
		"total", ev.TotalAmount.String(),
		"partial", ev.IsPartial,
		"remaining", ev.RemainingQuantity,
	)
}

// Multi fans one event out to several notifiers in order.
type Multi []Notifier

func (m Multi) NotifyFilled(ev model.FillEvent) {
	for _, n := range m {
		n.NotifyFilled(ev)
	}
}
