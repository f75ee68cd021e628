package counter

import (
	"context"
	"strconv"

	"github.com/schooltech-ng/schoolpay/internal/pkg/cache"
)

const webhookCountersKey = "webhook:counters"

// Counter fields tracked per pipeline outcome. Operators reconcile missed
// audit entries and undelivered notifications from these.
const (
	FieldProcessed         = "processed"
	FieldDuplicate         = "duplicate"
	FieldSignatureRejected = "signature_rejected"
	FieldMalformed         = "malformed"
	FieldInvoiceMissing    = "invoice_missing"
	FieldPublishFailed     = "publish_failed"
	FieldAuditFailed       = "audit_failed"
)

// Add increments a webhook pipeline counter in Redis. Counters are pure
// observability; errors are returned for logging but callers ignore them.
func Add(field string) error {
	ctx := context.Background()
	return cache.GetClient().HIncrBy(ctx, webhookCountersKey, field, 1).Err()
}

// Snapshot returns all pipeline counters as int64 values.
func Snapshot() (map[string]int64, error) {
	ctx := context.Background()
	raw, err := cache.GetClient().HGetAll(ctx, webhookCountersKey).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for field, val := range raw {
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		out[field] = n
	}
	return out, nil
}
