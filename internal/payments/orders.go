package payments

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const orderPrefix = "PREMIUM_"

var ErrBadOrderID = errors.New("order id does not encode an account")

// BuildOrderID returns PREMIUM_<accountId>_<unixMillis>.
func BuildOrderID(accountID string, at time.Time) string {
	return fmt.Sprintf("%s%s_%d", orderPrefix, accountID, at.UnixMilli())
}

// ParseOrderID recovers the account id from an order id built by BuildOrderID.
// The timestamp is taken after the last underscore, so account ids may
// themselves contain underscores.
func ParseOrderID(orderID string) (string, error) {
	rest, ok := strings.CutPrefix(orderID, orderPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrBadOrderID, orderID)
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", fmt.Errorf("%w: %q", ErrBadOrderID, orderID)
	}
	if _, err := strconv.ParseInt(rest[i+1:], 10, 64); err != nil {
		return "", fmt.Errorf("%w: %q", ErrBadOrderID, orderID)
	}
	return rest[:i], nil
}
