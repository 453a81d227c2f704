package redis

// Key prefixes for primary entity storage.
const (
	prefixSubscription = "webhooks:sub:"
	prefixDelivery     = "webhooks:del:"
)

// Key prefixes for sorted set indexes.
const (
	zSubscriptionAll   = "webhooks:z:sub:all"
	zSubscriptionOwner = "webhooks:z:sub:owner:" // + owner ID
	zDeliveryAll       = "webhooks:z:del:all"
	zDeliveryOwner     = "webhooks:z:del:owner:" // + owner ID
	zDeliverySub       = "webhooks:z:del:sub:"   // + subscription ID
	zDeliveryDue       = "webhooks:z:del:due"     // retrying, scored by next retry
	zDeliveryPending   = "webhooks:z:del:pending" // pending, scored by last write
)

// Key prefix for the event membership sets.
const sSubscriptionEvent = "webhooks:s:sub:owner:" // + owner ID + ":event:" + event type

// entityKey returns the primary key for an entity.
func entityKey(prefix, id string) string {
	return prefix + id
}

// eventSetKey returns the set of subscription IDs of an owner that list eventType.
func eventSetKey(ownerID, eventType string) string {
	return sSubscriptionEvent + ownerID + ":event:" + eventType
}
