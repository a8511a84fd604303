package router

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/metrics"
)

// Whispers routes point-to-point messages to every connection of the
// sender and the recipient.
type Whispers struct {
	conns     Connections
	directory Directory
	queue     Enqueuer
	log       zerolog.Logger
	now       func() time.Time
}

// NewWhispers creates a whisper router.
func NewWhispers(conns Connections, directory Directory, queue Enqueuer, log zerolog.Logger) *Whispers {
	return &Whispers{
		conns:     conns,
		directory: directory,
		queue:     queue,
		log:       log.With().Str("component", "whispers").Logger(),
		now:       time.Now,
	}
}

// Send delivers a whisper. The sender's connections get the outbound copy and
// the recipient's connections, if any, the inbound copy. Both copies are
// queued for persistence whether or not the recipient is online.
func (w *Whispers) Send(from chat.Identity, recipientName, body string) (outbound, inbound chat.Message, err error) {
	body, err = chat.NormalizeBody(body)
	if err != nil {
		return chat.Message{}, chat.Message{}, err
	}
	recipient, ok := w.directory.Resolve(recipientName)
	if !ok {
		return chat.Message{}, chat.Message{}, chat.ErrRecipientNotFound
	}
	if recipient.UserID == from.UserID {
		return chat.Message{}, chat.Message{}, chat.ErrSelfWhisper
	}

	at := w.now().UTC()
	outbound = chat.Message{
		ID:            chat.NewMessageID(),
		Channel:       chat.ChannelWhisper,
		SenderID:      from.UserID,
		SenderName:    from.Name(),
		RecipientID:   recipient.UserID,
		RecipientName: recipient.Name(),
		Direction:     chat.DirectionOutbound,
		Body:          body,
		Timestamp:     at,
	}
	inbound = outbound
	inbound.ID = chat.NewMessageID()
	inbound.Direction = chat.DirectionInbound

	if err := w.deliver(from.UserID, outbound); err != nil {
		return chat.Message{}, chat.Message{}, err
	}
	if err := w.deliver(recipient.UserID, inbound); err != nil {
		return chat.Message{}, chat.Message{}, err
	}
	metrics.WhispersSent.Inc()

	w.queue.Enqueue(outbound)
	w.queue.Enqueue(inbound)
	return outbound, inbound, nil
}

func (w *Whispers) deliver(userID string, msg chat.Message) error {
	payload, err := chat.Encode(chat.EventMessage, chat.MessagePayload{Message: msg})
	if err != nil {
		return err
	}
	targets := w.conns.ConnectionsOf(userID)
	for _, id := range targets {
		w.conns.Send(id, payload)
	}
	if len(targets) == 0 {
		w.log.Debug().Str("user_id", userID).Str("message_id", msg.ID).Msg("whisper recipient offline, persisted only")
	}
	return nil
}
