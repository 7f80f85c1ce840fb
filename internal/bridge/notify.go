package bridge

import (
	"encoding/json"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/notify"
	"go.uber.org/zap"
)

// Outbound notification envelope types.
const (
	TypeAdmitted         = "message-admitted"
	TypeCatchUpFinished  = "catch-up-finished"
	TypeSyncFailed       = "sync-failed"
	TypeIntervalFinished = "interval-finished"
)

// NotifyPayload carries an archive event pushed to the stanza client.
type NotifyPayload struct {
	Address    string `json:"address,omitempty"`
	ArchiveJID string `json:"archive_jid,omitempty"`
	QueryID    string `json:"query_id,omitempty"`
	Error      string `json:"error,omitempty"`

	MessageID int64   `json:"message_id,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
	Body      string  `json:"body,omitempty"`
}

type notifyEnvelope struct {
	Type   string        `json:"type"`
	Notify NotifyPayload `json:"notify"`
}

// Sink returns a notification sink that pushes archive events to the
// attached stanza client. Events are dropped when no client is attached.
func (s *Server) Sink() notify.Sink {
	return notify.Funcs{
		OnMessageAdmitted: func(msg archive.Message, address string) {
			s.push(TypeAdmitted, NotifyPayload{
				Address:   address,
				MessageID: msg.ID,
				Timestamp: msg.Timestamp,
				Body:      msg.Body,
			})
		},
		OnCatchUpFinished: func(archiveJID string) {
			s.push(TypeCatchUpFinished, NotifyPayload{ArchiveJID: archiveJID})
		},
		OnSyncFailed: func(archiveJID string, err error) {
			s.push(TypeSyncFailed, NotifyPayload{ArchiveJID: archiveJID, Error: err.Error()})
		},
		OnIntervalFinished: func(queryID string) {
			s.push(TypeIntervalFinished, NotifyPayload{QueryID: queryID})
		},
	}
}

func (s *Server) push(typ string, p NotifyPayload) {
	data, err := json.Marshal(notifyEnvelope{Type: typ, Notify: p})
	if err != nil {
		s.logger.Warn("encode notification", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	if _, err := conn.Write(data); err != nil {
		s.logger.Warn("push notification", zap.String("type", typ), zap.Error(err))
	}
}
