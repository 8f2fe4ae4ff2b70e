package orders

import (
	"errors"
	"strings"
)

// MaxClientOrderIDLength is the maximum length Binance accepts
const MaxClientOrderIDLength = 36

const clientOrderIDPrefix = "SE"

// OrderPurpose is the role of an order in a position's lifecycle
type OrderPurpose string

const (
	PurposeEntry OrderPurpose = "E"
	PurposeExit  OrderPurpose = "X"
)

// ErrInvalidClientOrderID is returned for ids not produced by ClientOrderID
var ErrInvalidClientOrderID = errors.New("invalid client order ID format")

// ClientOrderID derives a deterministic client order id from a position id,
// so a resubmitted order for the same position is rejected by the exchange.
// Format: SE-<position hex>-<purpose>, e.g. "SE-3f1c...9a-E".
func ClientOrderID(positionID string, purpose OrderPurpose) string {
	compact := strings.ReplaceAll(positionID, "-", "")
	room := MaxClientOrderIDLength - len(clientOrderIDPrefix) - len(purpose) - 2
	if len(compact) > room {
		compact = compact[:room]
	}
	return clientOrderIDPrefix + "-" + compact + "-" + string(purpose)
}

// ParseClientOrderID splits an id into its position fragment and purpose
func ParseClientOrderID(id string) (string, OrderPurpose, error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != clientOrderIDPrefix || parts[1] == "" {
		return "", "", ErrInvalidClientOrderID
	}
	switch p := OrderPurpose(parts[2]); p {
	case PurposeEntry, PurposeExit:
		return parts[1], p, nil
	default:
		return "", "", ErrInvalidClientOrderID
	}
}
