package record

import (
	"github.com/cespare/xxhash/v2"

	"github.com/driftsync/driftsync/pkg/json"
)

// Hash returns a content hash over the record's canonical JSON payload.
// goccy/go-json sorts map keys on marshal, so equal payloads hash equal
// regardless of insertion order. The result is memoized until the record
// is mutated through SetPayloadField or returned to the pool; callers
// mutating Payload directly should not rely on a stale memo.
func (r *Record) Hash() (uint64, error) {
	if r.hashed {
		return r.hash, nil
	}
	if !r.HasPayload() {
		return 0, nil
	}

	data, err := json.Marshal(r.Payload)
	if err != nil {
		return 0, err
	}

	r.hash = xxhash.Sum64(data)
	r.hashed = true
	return r.hash, nil
}

// PayloadEqual reports whether two records carry byte-identical canonical
// payloads. Either side lacking a payload compares false unless both lack
// one.
func PayloadEqual(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if !a.HasPayload() || !b.HasPayload() {
		return !a.HasPayload() && !b.HasPayload()
	}

	ha, errA := a.Hash()
	hb, errB := b.Hash()
	if errA != nil || errB != nil {
		return false
	}
	return ha == hb
}
