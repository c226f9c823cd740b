package chat

import "errors"

var (
	ErrTitleRequired   = errors.New("chat: title is required")
	ErrTitleTooLong    = errors.New("chat: title is too long")
	ErrMessageRequired = errors.New("chat: message is required")
	ErrNotFound        = errors.New("chat: conversation not found")

	// ErrReplyPending means the user message was stored but the generation
	// request could not be handed to the broker. No bot reply will arrive
	// for that message.
	ErrReplyPending = errors.New("chat: reply pending, generation request not published")

	// ErrInvalidEvent marks a bot reply that can never be stored.
	ErrInvalidEvent = errors.New("chat: invalid bot reply event")
)

// MaxTitleLength is the title limit in runes.
const MaxTitleLength = 500

// maxEventIDLength matches the event_id column.
const maxEventIDLength = 64
