package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmcleod/sessionkeeper/internal/uuid"
	"github.com/jmcleod/sessionkeeper/storage"
)

const (
	auditBucketPrefix = "audit:"
	auditEntryType    = "ENTRY"
	auditHeadType     = "HEAD"
	auditHeadID       = "head"

	// AuditGenesisHash is the prev_hash of the first entry in a trail.
	AuditGenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

	defaultAuditMaxEntries = 1000
	defaultAuditMaxAge     = 90 * 24 * time.Hour
)

// persistedEvents are the session lifecycle events kept in a user's trail.
var persistedEvents = map[AuditEvent]bool{
	AuditUserCreated:  true,
	AuditLoginSuccess: true,
	AuditLogout:       true,
}

// AuditEntry is one link in a user's hash-chained audit trail.
type AuditEntry struct {
	ID         string `json:"id"`
	Seq        uint64 `json:"seq"`
	UID        string `json:"uid"`
	Event      string `json:"event"`
	RemoteAddr string `json:"remote_addr"`
	CreatedAt  string `json:"created_at"`
	PrevHash   string `json:"prev_hash"`
}

// AuditExport is a user's trail as written by `sessionkeeper audit export`.
// Anchor is the prev_hash of the oldest retained entry: the genesis hash
// until retention has pruned the head of the chain.
type AuditExport struct {
	UID     string       `json:"uid"`
	Anchor  string       `json:"anchor"`
	Entries []AuditEntry `json:"entries"`
}

type auditHead struct {
	Seq      uint64 `json:"seq"`
	LastHash string `json:"last_hash"`
	Anchor   string `json:"anchor"`
}

// AuditChainHash computes the link from an entry to its successor:
// SHA-256(id || prev_hash || created_at).
func AuditChainHash(entryID, prevHash, createdAt string) string {
	h := sha256.Sum256([]byte(entryID + prevHash + createdAt))
	return hex.EncodeToString(h[:])
}

// auditTrail appends session events to per-user chains in a repository and
// prunes them by age and count.
type auditTrail struct {
	repo       storage.Repository
	maxAge     time.Duration
	maxEntries int
	mu         sync.Mutex
}

func newAuditTrail(repo storage.Repository, maxAge time.Duration, maxEntries int) *auditTrail {
	return &auditTrail{repo: repo, maxAge: maxAge, maxEntries: maxEntries}
}

func auditBucket(uid string) string { return auditBucketPrefix + uid }

func (t *auditTrail) head(uid string) (auditHead, error) {
	data, err := t.repo.Get(auditBucket(uid), auditHeadType, auditHeadID)
	if errors.Is(err, storage.ErrNotFound) {
		return auditHead{LastHash: AuditGenesisHash, Anchor: AuditGenesisHash}, nil
	}
	if err != nil {
		return auditHead{}, err
	}
	var h auditHead
	if err := json.Unmarshal(data, &h); err != nil {
		return auditHead{}, fmt.Errorf("decoding audit head: %w", err)
	}
	return h, nil
}

func (t *auditTrail) append(uid string, event AuditEvent, remoteAddr string, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, err := t.head(uid)
	if err != nil {
		return err
	}
	entry := AuditEntry{
		ID:         uuid.New(),
		Seq:        h.Seq + 1,
		UID:        uid,
		Event:      string(event),
		RemoteAddr: remoteAddr,
		CreatedAt:  now.UTC().Format(time.RFC3339Nano),
		PrevHash:   h.LastHash,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := t.repo.Put(auditBucket(uid), auditEntryType, entry.ID, data); err != nil {
		return fmt.Errorf("storing audit entry: %w", err)
	}

	h.Seq = entry.Seq
	h.LastHash = AuditChainHash(entry.ID, entry.PrevHash, entry.CreatedAt)
	if anchor, pruned, err := t.prune(uid, now); err != nil {
		return err
	} else if pruned {
		h.Anchor = anchor
	}
	return t.putHead(uid, h)
}

func (t *auditTrail) putHead(uid string, h auditHead) error {
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	if err := t.repo.Put(auditBucket(uid), auditHeadType, auditHeadID, data); err != nil {
		return fmt.Errorf("storing audit head: %w", err)
	}
	return nil
}

// prune drops entries beyond the retention limits, always keeping the
// newest. It returns the new anchor when anything was removed.
func (t *auditTrail) prune(uid string, now time.Time) (string, bool, error) {
	if t.maxEntries <= 0 && t.maxAge <= 0 {
		return "", false, nil
	}
	entries, err := t.list(uid)
	if err != nil {
		return "", false, err
	}

	drop := 0
	if t.maxEntries > 0 && len(entries) > t.maxEntries {
		drop = len(entries) - t.maxEntries
	}
	if t.maxAge > 0 {
		cutoff := now.Add(-t.maxAge)
		for drop < len(entries)-1 {
			ts, err := time.Parse(time.RFC3339Nano, entries[drop].CreatedAt)
			if err != nil || !ts.Before(cutoff) {
				break
			}
			drop++
		}
	}
	if drop == 0 {
		return "", false, nil
	}
	for _, e := range entries[:drop] {
		if err := t.repo.Delete(auditBucket(uid), auditEntryType, e.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return "", false, fmt.Errorf("pruning audit entry: %w", err)
		}
	}
	return entries[drop].PrevHash, true, nil
}

// list returns uid's entries oldest first. Undecodable records are skipped.
func (t *auditTrail) list(uid string) ([]AuditEntry, error) {
	ids, err := t.repo.List(auditBucket(uid), auditEntryType)
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(ids))
	for _, id := range ids {
		data, err := t.repo.Get(auditBucket(uid), auditEntryType, id)
		if err != nil {
			continue
		}
		var e AuditEntry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Seq < entries[j].Seq })
	return entries, nil
}

// ExportAuditTrail reads uid's trail from repo.
func ExportAuditTrail(repo storage.Repository, uid string) (*AuditExport, error) {
	t := newAuditTrail(repo, 0, 0)
	h, err := t.head(uid)
	if err != nil {
		return nil, err
	}
	entries, err := t.list(uid)
	if err != nil {
		return nil, err
	}
	return &AuditExport{UID: uid, Anchor: h.Anchor, Entries: entries}, nil
}
