package history

import (
	"fmt"
	"unicode/utf8"
)

// Sender is the role attribute of a stored message.
type Sender string

const (
	SenderUser Sender = "User"
	SenderAI   Sender = "AI"
)

// Column limits of the messages table, in Unicode code points.
const (
	MaxTextLength   = 10000
	MaxSenderLength = 5000
)

// Message is a single persisted turn half. Rows are written once and never
// updated or deleted.
type Message struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Text      string `gorm:"size:10000;not null" json:"text"`
	Sender    Sender `gorm:"size:5000;not null" json:"sender"`
	Timestamp int64  `gorm:"not null;index" json:"timestamp"`
}

// TableName pins the table name used by gorm.
func (Message) TableName() string { return "messages" }

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAI
}

// Validate applies the storage limits. Oversized input is rejected, never
// truncated.
func Validate(text string, sender Sender) error {
	if n := utf8.RuneCountInString(string(sender)); n > MaxSenderLength {
		return fmt.Errorf("%w: %d > %d", ErrSenderTooLong, n, MaxSenderLength)
	}
	if !sender.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSender, sender)
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return fmt.Errorf("%w: %d > %d", ErrTextTooLong, n, MaxTextLength)
	}
	return nil
}

// Truncate cuts text to at most max code points.
func Truncate(text string, max int) string {
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max])
}
