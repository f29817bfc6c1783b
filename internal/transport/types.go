// Package transport is the chat surface contract: inbound operator
// messages and outbound notifications.
package transport

import (
	"context"
	"errors"
)

// ErrUnreachable means the chat can no longer be written to (bot blocked,
// kicked or chat deleted). Senders should drop the subscriber.
var ErrUnreachable = errors.New("chat unreachable")

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic, 0 if none
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	// SendPhoto sends a remote image with caption. Adapters trim the
	// caption to the platform limit.
	SendPhoto(ctx context.Context, to ChatTarget, url, caption string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters with a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
