package transport

import (
	"context"
	"io"
	"time"

	"relaybot/internal/conv"
	"relaybot/internal/media"
)

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

// MessageKind is the payload flavour of an inbound message.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindPhoto    MessageKind = "photo"
	KindDocument MessageKind = "document"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindVoice    MessageKind = "voice"
	KindOther    MessageKind = "other"
)

// MediaKind maps a message kind to the cache kind. ok is false for kinds that
// carry no downloadable payload.
func (k MessageKind) MediaKind() (media.Kind, bool) {
	switch k {
	case KindPhoto:
		return media.KindPhoto, true
	case KindDocument:
		return media.KindDocument, true
	case KindVideo:
		return media.KindVideo, true
	case KindAudio:
		return media.KindAudio, true
	case KindVoice:
		return media.KindVoice, true
	default:
		return "", false
	}
}

// MediaRef points at an attachment still held by the transport.
type MediaRef struct {
	FileID   string
	FileName string
	MIME     string
	Size     int64
}

type Message struct {
	ID     string
	Chat   conv.Ref // where the message was posted
	Sender conv.Ref // who posted it (equals Chat for private chats)

	Kind  MessageKind
	Text  string // text body or media caption
	Media *MediaRef

	MentionsBot bool
	// Mentions lists mentioned members whose identity the transport could resolve.
	// The bot itself is never included.
	Mentions []conv.Ref
	// ReplyTo is the author of the message this one replies to, if any.
	ReplyTo *conv.Ref

	FromSelf bool
	At       time.Time
}

// Key is the message identity used for dispatch de-duplication.
func (m *Message) Key() string {
	if m == nil {
		return ""
	}
	return m.Chat.ID + ":" + m.ID
}

func (m *Message) Ref() MessageRef {
	if m == nil {
		return MessageRef{}
	}
	return MessageRef{ChatID: m.Chat.ID, MessageID: m.ID}
}

// IsGroup reports whether the message was posted in a group chat.
func (m *Message) IsGroup() bool { return m != nil && m.Chat.Kind == conv.Group }

type MessageRef struct {
	ChatID    string
	MessageID string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	// ReplyTo quotes an earlier message in the same chat.
	ReplyTo string
	// Mention prefixes the text with a mention of these members.
	Mention []conv.Ref
}

// Sender is the outbound half of a transport.
type Sender interface {
	SendText(ctx context.Context, to conv.Ref, text string, opt *SendOptions) (MessageRef, error)
	SendMedia(ctx context.Context, to conv.Ref, h media.Handle, caption string) (MessageRef, error)
	Forward(ctx context.Context, to conv.Ref, src MessageRef) (MessageRef, error)
}

// MediaFetcher streams an attachment held by the transport.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, ref MediaRef) (io.ReadCloser, error)
}

// Resolver finds a conversation handle by id or display name.
type Resolver interface {
	Resolve(idOrName string) (conv.Ref, bool)
}

// Lister enumerates the conversations a transport has observed.
type Lister interface {
	Conversations() []conv.Ref
}

type Adapter interface {
	Sender
	MediaFetcher
	Resolver
	Lister

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	// Self is the bot's own identity.
	Self() conv.Ref
}
