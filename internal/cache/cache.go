package cache

import (
	"context"
	"time"
)

// DeliveryCache mirrors successful notification deliveries for quick
// lookup without hitting the record store.
type DeliveryCache interface {
	StoreDelivered(ctx context.Context, recordID int64, messageID string, at time.Time) error
}
