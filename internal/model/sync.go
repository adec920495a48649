package model

import "time"

// SyncState is the per-mailbox sync bookkeeping.
type SyncState struct {
	Mailbox string `json:"mailbox" db:"mailbox"`

	// UIDValidity is the UIDVALIDITY the watermark belongs to. Zero means
	// the mailbox has never been synced.
	UIDValidity uint32 `json:"uid_validity" db:"uid_validity"`

	// HighWaterUID is the highest UID that has been durably stored.
	HighWaterUID uint32 `json:"high_water_uid" db:"high_water_uid"`

	LastSyncAt time.Time `json:"last_sync_at" db:"last_sync_at"`
}
