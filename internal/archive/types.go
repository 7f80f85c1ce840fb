package archive

// AddressKind classifies an identity row: a regular correspondent or a
// group-chat room. Once assigned the kind is sticky for the address.
type AddressKind int

const (
	// AddressUnknown marks a lookup that cannot classify a new address.
	AddressUnknown AddressKind = -1
	AddressNormal  AddressKind = 0
	AddressRoom    AddressKind = 1
)

// MessageKind is the stored kind of an archive row.
type MessageKind int

const (
	KindStatus MessageKind = iota
	KindGCStatus
	KindGCMessage
	KindSingleMsgRecv
	KindChatMsgRecv
	KindSingleMsgSent
	KindChatMsgSent
	KindError
)

// AddressKind returns the identity kind implied by a message kind.
// Group-chat messages and group-chat status events always belong to a
// room identity, everything else to a normal one.
func (k MessageKind) AddressKind() AddressKind {
	if k == KindGCMessage || k == KindGCStatus {
		return AddressRoom
	}
	return AddressNormal
}

// Marker is the read-marker state attached to a message.
type Marker int

const (
	MarkerNone Marker = iota
	MarkerReceived
	MarkerDisplayed
)

// Message is a persisted conversation entry. Timestamp is seconds since
// epoch with sub-second precision; insertion order is the tie-break for
// equal timestamps since backfill can insert older rows after newer ones.
type Message struct {
	ID         int64
	AccountID  int64
	IdentityID int64
	Timestamp  float64
	Kind       MessageKind
	SenderName string
	Body       string
	Subject    string
	Extra      map[string]any
	Error      string
	StanzaID   string
	OriginID   string
	Marker     Marker
}

// Checkpoint tracks per-archive sync progress. Cursor is the last
// archive-assigned continuation id, empty if sync never completed a page.
// SyncWindow is nil when no window was ever configured for the archive;
// NoThreshold means unbounded incremental resume.
type Checkpoint struct {
	IdentityID   int64
	Cursor       string
	OldestSynced float64
	LastReceived float64
	SyncWindow   *int
}

// NoThreshold disables the sync window for an archive.
const NoThreshold = 0

// OldestSyncedAll marks an archive whose entire server-side history has
// been requested, as opposed to a bounded backfill horizon.
const OldestSyncedAll float64 = -1

// CheckpointUpdate carries a partial checkpoint write. Only non-nil
// fields are applied; the rest keep their stored values.
type CheckpointUpdate struct {
	Cursor       *string
	OldestSynced *float64
	LastReceived *float64
	SyncWindow   *int
}

// UnreadMessage is an unread ledger entry joined with its message row.
type UnreadMessage struct {
	MessageID  int64
	IdentityID int64
	Address    string
	Shown      bool
	Timestamp  float64
	Body       string
	Subject    string
	Extra      map[string]any
}
