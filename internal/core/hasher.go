package core

import (
	"NexLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

const RecordHashSeed = "NexLedger:record:v1"

// RecordHasher computes the content digest stored with every record:
// digest = SHA-256(seed || id || kind || amount || refs || legs || correlation || supersedes || timestamp).
// The sequence is excluded because the store assigns it after hashing.
type RecordHasher struct {
	seed [32]byte
}

func NewRecordHasher() *RecordHasher {
	return &RecordHasher{seed: sha256.Sum256([]byte(RecordHashSeed))}
}

// Digest returns the hex digest of r.
func (h *RecordHasher) Digest(r *ledger.TransactionRecord) string {
	hasher := sha256.New()
	hasher.Write(h.seed[:])
	hasher.Write(r.ID[:])

	writeString(hasher, string(r.Kind))
	writeInt64(hasher, r.Amount)
	writeString(hasher, r.Source)
	writeString(hasher, r.Destination)
	writeString(hasher, r.SplitName)
	writeString(hasher, r.PoolID)
	writeString(hasher, r.Reason)

	writeInt64(hasher, int64(len(r.Legs)))
	for _, l := range r.Legs {
		writeString(hasher, l.Account)
		writeInt64(hasher, l.Amount)
		writeString(hasher, l.Label)
	}

	writeString(hasher, r.CorrelationID)
	if r.Supersedes != nil {
		hasher.Write(r.Supersedes[:])
	}
	writeInt64(hasher, r.Timestamp.UnixMicro())

	return hex.EncodeToString(hasher.Sum(nil))
}

// Verify reports whether r still matches its stored digest.
func (h *RecordHasher) Verify(r *ledger.TransactionRecord) bool {
	return r.Digest != "" && r.Digest == h.Digest(r)
}

type byteWriter interface {
	Write(p []byte) (int, error)
}

func writeInt64(w byteWriter, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	w.Write(buf[:])
}

// Length-prefixed so adjacent fields cannot be confused.
func writeString(w byteWriter, s string) {
	writeInt64(w, int64(len(s)))
	w.Write([]byte(s))
}
