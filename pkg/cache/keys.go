package cache

import (
	"fmt"
	"strconv"
)

// Key layout of the shared Redis instance.
const (
	// quoteKeyFormat holds one cached quote payload per entity id.
	quoteKeyFormat = "cmc:quote:%d"

	// PendingBatchKey is the list of entity ids awaiting the next
	// coalesced fetch cycle.
	PendingBatchKey = "cmc:pending_batch"

	// BatchProcessingLockKey guards the batch fetch cycle and the
	// listings warm path.
	BatchProcessingLockKey = "cmc:lock:batch-processing"

	// fetchMarkerFormat marks an in-flight on-demand historical fetch
	// for one (entity, timeframe) pair.
	fetchMarkerFormat = "cmc:klines_fetch:%d:%s"
)

// QuoteKey returns the cache key of one entity's quote payload.
func QuoteKey(entityID int64) string {
	return fmt.Sprintf(quoteKeyFormat, entityID)
}

// FetchMarkerKey returns the fetch-in-progress marker key of one
// (entity, timeframe) pair.
func FetchMarkerKey(entityID int64, timeframe string) string {
	return fmt.Sprintf(fetchMarkerFormat, entityID, timeframe)
}

// memberID renders an entity id as its queue-member form.
func memberID(entityID int64) string {
	return strconv.FormatInt(entityID, 10)
}
