package jobqueue

import (
	"encoding/binary"

	idpkg "github.com/scanq/scanq/pkg/id"
)

func queuePrefix(queue string) []byte {
	return []byte("q/" + queue + "/")
}

// JobKey addresses the job record.
func JobKey(queue string, jid idpkg.ID) []byte {
	k := append(queuePrefix(queue), "job/"...)
	return append(k, jid[:]...)
}

// ReadyKey indexes a WAITING job eligible for claim. Iteration order is
// priority ascending, then ID (creation time) ascending.
func ReadyKey(queue string, priority uint32, jid idpkg.ID) []byte {
	k := append(queuePrefix(queue), "ready/"...)
	var p [4]byte
	binary.BigEndian.PutUint32(p[:], priority)
	k = append(k, p[:]...)
	return append(k, jid[:]...)
}

// DelayKey indexes a WAITING job whose nextRunAt is in the future.
// The value carries the job priority for promotion.
func DelayKey(queue string, runAtMs int64, jid idpkg.ID) []byte {
	k := append(queuePrefix(queue), "delay/"...)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], uint64(runAtMs))
	k = append(k, t[:]...)
	return append(k, jid[:]...)
}

// LeaseKey indexes an ACTIVE job by lease expiry for stall reclaim.
func LeaseKey(queue string, expiresMs int64, jid idpkg.ID) []byte {
	k := append(queuePrefix(queue), "lease/"...)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], uint64(expiresMs))
	k = append(k, t[:]...)
	return append(k, jid[:]...)
}

// DoneKey indexes a COMPLETED or CANCELLED job by terminal time.
func DoneKey(queue string, atMs int64, jid idpkg.ID) []byte {
	k := append(queuePrefix(queue), "done/"...)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], uint64(atMs))
	k = append(k, t[:]...)
	return append(k, jid[:]...)
}

// FailedKey indexes a terminally FAILED job by terminal time. Failed
// records live under their own prefix so retention can differ from
// completed records.
func FailedKey(queue string, atMs int64, jid idpkg.ID) []byte {
	k := append(queuePrefix(queue), "failed/"...)
	var t [8]byte
	binary.BigEndian.PutUint64(t[:], uint64(atMs))
	k = append(k, t[:]...)
	return append(k, jid[:]...)
}

// ReadyPrefix bounds the ready index scan.
func ReadyPrefix(queue string) []byte { return append(queuePrefix(queue), "ready/"...) }

// DelayPrefix bounds the delay index scan.
func DelayPrefix(queue string) []byte { return append(queuePrefix(queue), "delay/"...) }

// LeasePrefix bounds the lease index scan.
func LeasePrefix(queue string) []byte { return append(queuePrefix(queue), "lease/"...) }

// DonePrefix bounds the completed/cancelled index scan.
func DonePrefix(queue string) []byte { return append(queuePrefix(queue), "done/"...) }

// FailedPrefix bounds the failed index scan.
func FailedPrefix(queue string) []byte { return append(queuePrefix(queue), "failed/"...) }

// upperBound returns an exclusive scan bound just past prefix: the
// lexical successor, so keys whose suffix starts with 0xFF still fall
// inside the scan. Nil (unbounded) when the prefix is all 0xFF.
func upperBound(prefix []byte) []byte {
	end := append([]byte{}, prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// timeFromIndexKey extracts the 8-byte big-endian timestamp that follows
// the prefix in delay/lease/done/failed keys.
func timeFromIndexKey(key, prefix []byte) (int64, bool) {
	if len(key) < len(prefix)+8+16 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])), true
}

// idFromIndexKey extracts the trailing 16-byte job ID from an index key.
func idFromIndexKey(key []byte) (idpkg.ID, bool) {
	var jid idpkg.ID
	if len(key) < 16 {
		return jid, false
	}
	copy(jid[:], key[len(key)-16:])
	return jid, true
}
