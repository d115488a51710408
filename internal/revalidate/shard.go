// Package revalidate schedules background regeneration of stale ISR
// entries and runs the workers that perform it.
package revalidate

import (
	"fmt"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// ShardPrefix prefixes every shard name.
const ShardPrefix = "revalidate-"

// Shard maps path onto one of maxConcurrency lanes. Items for the same
// path always land in the same lane so they are processed in order.
func Shard(path string, maxConcurrency int) string {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	h := xxhash.Sum64String(path)
	r := mulberry32(uint32(h ^ (h >> 32)))
	i := (uint64(r) * uint64(maxConcurrency)) >> 32
	return ShardPrefix + strconv.FormatUint(i, 10)
}

// ShardIndex parses a shard name back into its lane number.
func ShardIndex(shard string) (int, error) {
	if len(shard) <= len(ShardPrefix) || shard[:len(ShardPrefix)] != ShardPrefix {
		return 0, fmt.Errorf("revalidate: malformed shard %q", shard)
	}
	return strconv.Atoi(shard[len(ShardPrefix):])
}

// mulberry32 is a single round of the mulberry32 generator, used as an
// avalanche step over the folded hash.
func mulberry32(a uint32) uint32 {
	a += 0x6d2b79f5
	t := (a ^ (a >> 15)) * (a | 1)
	t ^= t + (t^(t>>7))*(t|61)
	return t ^ (t >> 14)
}

// DedupeKey identifies one regeneration of one render. Two requests that
// observe the same stale entry produce the same key.
func DedupeKey(path string, lastModified time.Time, etag string) string {
	d := xxhash.New()
	_, _ = d.WriteString(path)
	_, _ = d.WriteString("-")
	_, _ = d.WriteString(strconv.FormatInt(lastModified.UnixMilli(), 10))
	_, _ = d.WriteString("-")
	_, _ = d.WriteString(etag)
	return strconv.FormatUint(d.Sum64(), 16)
}
