package server

import (
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventKind identifies a session, accept or heartbeat event.
type EventKind int

const (
	// EventConnected is published once a session is registered.
	EventConnected EventKind = iota
	// EventRegisterFailed is published when registration is refused.
	EventRegisterFailed
	// EventReceived carries a chunk read from a peer.
	EventReceived
	// EventSent carries a chunk written to a peer by its write pump.
	EventSent
	// EventDisconnected marks a peer-initiated close.
	EventDisconnected
	// EventSessionError carries an I/O error that ends a session.
	EventSessionError
	// EventClosed is published after a session is deregistered and closed.
	EventClosed
	// EventAcceptError carries a transient accept failure.
	EventAcceptError
	// EventHeartbeat is one heartbeat delivery attempt; Err is set on failure.
	EventHeartbeat
	// EventPruned marks a session removed after a failed heartbeat.
	EventPruned
)

var eventNames = map[EventKind]string{
	EventConnected:      "connected",
	EventRegisterFailed: "register_failed",
	EventReceived:       "received",
	EventSent:           "sent",
	EventDisconnected:   "disconnected",
	EventSessionError:   "session_error",
	EventClosed:         "closed",
	EventAcceptError:    "accept_error",
	EventHeartbeat:      "heartbeat",
	EventPruned:         "pruned",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event describes something that happened to a session or to the server.
// Data is owned by the event and must not be modified by observers.
type Event struct {
	Kind      EventKind
	SessionID uuid.UUID
	Addr      string
	Transport string
	Data      []byte
	Seq       uint64
	Clients   int
	Err       error
}

// Observer receives events. It is called from the goroutine that produced
// the event and must not block.
type Observer func(Event)

func sessionEvent(kind EventKind, s *Session) Event {
	return Event{
		Kind:      kind,
		SessionID: s.id,
		Addr:      s.addr,
		Transport: s.transport,
	}
}

// LogObserver returns an Observer that writes events to log.
func LogObserver(log zerolog.Logger) Observer {
	return func(e Event) {
		switch e.Kind {
		case EventConnected:
			log.Info().Str("addr", e.Addr).Str("session", e.SessionID.String()).
				Str("transport", e.Transport).Int("clients", e.Clients).
				Msg("Client connected")
		case EventRegisterFailed:
			log.Error().Err(e.Err).Str("addr", e.Addr).Msg("Client registration failed")
		case EventReceived:
			log.Info().Str("addr", e.Addr).Int("bytes", len(e.Data)).
				Str("preview", preview(e.Data, 80)).Msg("Received data")
		case EventSent:
			if e.Seq > 0 {
				log.Debug().Str("addr", e.Addr).Uint64("seq", e.Seq).Msg("Heartbeat written")
				return
			}
			log.Debug().Str("addr", e.Addr).Int("bytes", len(e.Data)).Msg("Echoed data")
		case EventDisconnected:
			log.Info().Str("addr", e.Addr).Msg("Client disconnected")
		case EventSessionError:
			log.Warn().Err(e.Err).Str("addr", e.Addr).Msg("Error handling client")
		case EventClosed:
			log.Info().Str("addr", e.Addr).Int("clients", e.Clients).Msg("Connection closed")
		case EventAcceptError:
			log.Error().Err(e.Err).Msg("Error accepting connection")
		case EventHeartbeat:
			if e.Err != nil {
				log.Warn().Err(e.Err).Str("addr", e.Addr).Uint64("seq", e.Seq).
					Msg("Heartbeat delivery failed")
				return
			}
			log.Debug().Str("addr", e.Addr).Uint64("seq", e.Seq).
				Str("message", preview(e.Data, 0)).Msg("Heartbeat queued")
		case EventPruned:
			log.Info().Str("addr", e.Addr).Int("clients", e.Clients).
				Bool("queue_full", errors.Is(e.Err, ErrQueueFull)).
				Msg("Client removed after failed heartbeat")
		}
	}
}

func (o Observer) emit(e Event) {
	if o != nil {
		o(e)
	}
}
