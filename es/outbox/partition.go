package outbox

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
)

// DefaultPartitionCount is the keyspace size used when none is configured.
const DefaultPartitionCount = 16

// Partitioner maps a stream to a partition key.
// It must be deterministic so every event of a stream lands in the same partition.
type Partitioner interface {
	PartitionFor(streamID string) string
}

// HashPartitioner spreads streams over Count partitions with FNV-1a.
type HashPartitioner struct {
	Count int
}

// PartitionFor implements Partitioner.
func (p HashPartitioner) PartitionFor(streamID string) string {
	if p.Count <= 0 {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(streamID))
	return PartitionKey(int(h.Sum32()%uint32(p.Count)), p.Count)
}

// Keys returns the partition keyspace.
func (p HashPartitioner) Keys() []string { return PartitionKeys(p.Count) }

// PartitionKey formats partition i of count as "p" plus a zero-padded index.
func PartitionKey(i, count int) string {
	width := len(strconv.Itoa(count - 1))
	if width < 2 {
		width = 2
	}
	return fmt.Sprintf("p%0*d", width, i)
}

// PartitionKeys returns the keys p00, p01, ... for count partitions.
func PartitionKeys(count int) []string {
	keys := make([]string, 0, count)
	for i := 0; i < count; i++ {
		keys = append(keys, PartitionKey(i, count))
	}
	return keys
}

// Assign returns the keys owned by self under stable-modulo assignment.
//
// Worker ids are sorted; the worker at index i of n owns keys i, i+n, i+2n, ...
// in the order given. Every worker computing this over the same registry
// snapshot gets a disjoint cover of keys. A self missing from workerIDs owns nothing.
func Assign(workerIDs []string, self string, keys []string) []string {
	ids := append([]string(nil), workerIDs...)
	sort.Strings(ids)

	idx := -1
	n := 0
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		if id == self {
			idx = n
		}
		n++
	}
	if idx < 0 {
		return nil
	}

	var out []string
	for i := idx; i < len(keys); i += n {
		out = append(out, keys[i])
	}
	return out
}

// Diff splits desired against owned into the keys to release and the keys to lease.
func Diff(owned, desired []string) (release, acquire []string) {
	want := make(map[string]bool, len(desired))
	for _, k := range desired {
		want[k] = true
	}
	have := make(map[string]bool, len(owned))
	for _, k := range owned {
		have[k] = true
		if !want[k] {
			release = append(release, k)
		}
	}
	for _, k := range desired {
		if !have[k] {
			acquire = append(acquire, k)
		}
	}
	return release, acquire
}
