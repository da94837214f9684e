package domain

import "time"

// LifecycleEvent is one entry in the append-only, derived trade event stream,
// ordered by (TradeID, CreatedAt, ID). Valid streams for a single trade match
// opened (partial_close)* closed?, and nothing may follow closed.
type LifecycleEvent struct {
	ID        int64
	TradeID   int64
	Type      EventType
	CreatedAt time.Time
}

// ImportedFile records one source file accepted by an importer. The file hash
// is unique, so re-importing the same file is detected before any row work.
type ImportedFile struct {
	ID         int64
	BatchID    string // ULID assigned per import session
	Filename   string
	FileHash   string
	ImportedAt time.Time
}
