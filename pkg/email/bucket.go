package email

import (
	"fmt"
	"time"

	"github.com/coralhq/coral/pkg/tenant"
	"github.com/coralhq/coral/pkg/types"
)

// bucketPrefix namespaces the email digest buckets.
const bucketPrefix = "coral:activity:email"

// Lookback windows per preference: how far back the digest reaches into the
// email feed.
const (
	lookbackImmediate = time.Hour
	lookbackDaily     = 2 * 24 * time.Hour
	lookbackWeekly    = 14 * 24 * time.Hour
)

// BucketID names the digest bucket for one (shard, preference, delivery
// slot) triple. Immediate buckets carry no slot, daily buckets an hour,
// weekly buckets a weekday and an hour. Hours and days are in UTC, already
// shifted by the recipient tenant's timezone.
func BucketID(n int, preference types.EmailPreference, day time.Weekday, hour int) string {
	switch preference {
	case types.EmailDaily:
		return fmt.Sprintf("%s:%d:%s:%d", bucketPrefix, n, preference, hour)
	case types.EmailWeekly:
		return fmt.Sprintf("%s:%d:%s:%d:%d", bucketPrefix, n, preference, int(day), hour)
	default:
		return fmt.Sprintf("%s:%d:%s", bucketPrefix, n, preference)
	}
}

// DeliveryWindow converts a tenant's configured local delivery time into
// the UTC weekday and hour at which its digests are due, so the mail lands
// at the configured local hour.
func DeliveryWindow(t *tenant.Tenant, now time.Time) (time.Weekday, int) {
	offset := 0
	if loc, err := time.LoadLocation(t.Timezone); err == nil && t.Timezone != "" {
		_, offset = now.In(loc).Zone()
	}

	hour := t.EmailHour - offset/3600
	day := int(t.EmailDay)
	for hour < 0 {
		hour += 24
		day--
	}
	for hour >= 24 {
		hour -= 24
		day++
	}
	return time.Weekday((day%7 + 7) % 7), hour
}

// lookback returns how far back a preference's digest reads the email feed.
func lookback(preference types.EmailPreference) time.Duration {
	switch preference {
	case types.EmailDaily:
		return lookbackDaily
	case types.EmailWeekly:
		return lookbackWeekly
	default:
		return lookbackImmediate
	}
}

// dueBuckets lists the bucket ids to collect in the cycle spanning
// (lastCycle, now]. Immediate buckets are always due; daily buckets when
// their hour rolls over within the span; weekly buckets when their hour
// rolls and their weekday is within one day of the boundary, covering every
// timezone shift.
func dueBuckets(nBuckets int, lastCycle, now time.Time) []string {
	var ids []string
	for n := 0; n < nBuckets; n++ {
		ids = append(ids, BucketID(n, types.EmailImmediate, 0, 0))
	}

	// Walk the hour boundaries the span crossed.
	boundary := lastCycle.UTC().Truncate(time.Hour).Add(time.Hour)
	for !boundary.After(now.UTC()) {
		hour := boundary.Hour()
		day := boundary.Weekday()
		for n := 0; n < nBuckets; n++ {
			ids = append(ids, BucketID(n, types.EmailDaily, 0, hour))
			for delta := -1; delta <= 1; delta++ {
				d := time.Weekday(((int(day)+delta)%7 + 7) % 7)
				ids = append(ids, BucketID(n, types.EmailWeekly, d, hour))
			}
		}
		boundary = boundary.Add(time.Hour)
	}
	return ids
}

// bucketPreference parses the preference encoded in a bucket id.
func bucketPreference(bucketID string) types.EmailPreference {
	var n int
	var pref string
	if _, err := fmt.Sscanf(bucketID, bucketPrefix+":%d:%s", &n, &pref); err != nil {
		return types.EmailImmediate
	}
	for i := 0; i < len(pref); i++ {
		if pref[i] == ':' {
			pref = pref[:i]
			break
		}
	}
	return types.EmailPreference(pref)
}
