package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrKindRequired is returned when an unknown address is resolved without
// an address kind to classify the new row.
var ErrKindRequired = errors.New("cannot insert identity without a kind")

type identityRow struct {
	id      int64
	address string
	kind    AddressKind
}

// Resolver maps conversation addresses to stable integer identifiers.
// Rows are created lazily, never deleted, and cached bidirectionally in
// memory. The kind of an existing row is sticky: a later reference under
// a different kind returns the original id unchanged.
type Resolver struct {
	db *DB

	mu     sync.RWMutex
	byAddr map[string]identityRow
	byID   map[int64]identityRow
}

// NewResolver creates a resolver and loads the full identity table.
func NewResolver(db *DB) (*Resolver, error) {
	r := &Resolver{
		db:     db,
		byAddr: make(map[string]identityRow),
		byID:   make(map[int64]identityRow),
	}

	rows, err := db.Query(`SELECT id, address, kind FROM identities`)
	if err != nil {
		return nil, fmt.Errorf("load identities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var row identityRow
		if err := rows.Scan(&row.id, &row.address, &row.kind); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		r.byAddr[row.address] = row
		r.byID[row.id] = row
	}
	return r, rows.Err()
}

// Resolve returns the identity id for an address, deriving the address
// kind from the message kind when a new row must be created.
func (r *Resolver) Resolve(address string, kind MessageKind) (int64, error) {
	return r.ResolveAddress(address, kind.AddressKind())
}

// ResolveAddress returns the identity id for an address, creating a row
// with the given kind if the address is unknown. kind < 0 means no kind
// is available; resolution then fails for unknown addresses.
func (r *Resolver) ResolveAddress(address string, kind AddressKind) (int64, error) {
	r.mu.RLock()
	row, ok := r.byAddr[address]
	r.mu.RUnlock()
	if ok {
		return row.id, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.byAddr[address]; ok {
		return row.id, nil
	}

	err := r.db.QueryRow(
		`SELECT id, address, kind FROM identities WHERE address = ?`, address).
		Scan(&row.id, &row.address, &row.kind)
	switch {
	case err == nil:
		r.byAddr[address] = row
		r.byID[row.id] = row
		return row.id, nil
	case errors.Is(err, sql.ErrNoRows):
	default:
		return 0, fmt.Errorf("lookup identity %q: %w", address, err)
	}

	if kind < 0 {
		return 0, fmt.Errorf("%w: %q", ErrKindRequired, address)
	}

	res, err := r.db.Exec(
		`INSERT INTO identities (address, kind) VALUES (?, ?)`, address, kind)
	if err != nil {
		return 0, fmt.Errorf("insert identity %q: %w", address, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("identity rowid: %w", err)
	}

	row = identityRow{id: id, address: address, kind: kind}
	r.byAddr[address] = row
	r.byID[id] = row
	return id, nil
}

// Address returns the address for an identity id.
func (r *Resolver) Address(id int64) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.byID[id]
	return row.address, ok
}

// IsRoom reports whether the address is a known room identity. The second
// return is false when the address was never seen.
func (r *Resolver) IsRoom(address string) (isRoom, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	row, ok := r.byAddr[address]
	if !ok {
		return false, false
	}
	return row.kind == AddressRoom, true
}

// IsRoomPrivateMessage reports whether a full address like room@conf/nick
// likely denotes a private message inside a known room. A bare address is
// never a private message.
func (r *Resolver) IsRoomPrivateMessage(address string) bool {
	bare, _, ok := strings.Cut(address, "/")
	if !ok {
		return false
	}
	isRoom, known := r.IsRoom(bare)
	return known && isRoom
}
