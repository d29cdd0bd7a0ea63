package chat

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"dqx0.com/go/wirekit/internal/netio"
)

var ErrBadFrame = errors.New("chat: malformed frame")

// Message is one chat line. Accepted is unix seconds; the server
// stamps it on receipt, clients send zero.
type Message struct {
	Author   string
	Accepted int64
	Text     string
}

// Show renders the message for a terminal using local time.
func (m Message) Show() string {
	ts := time.Unix(m.Accepted, 0).Local()
	return fmt.Sprintf("<%s> [%s] %s", ts.Format("15:04"), m.Author, m.Text)
}

// Encode writes the wire frame: "len\nauthor\naccepted\ntext\n" where
// len counts the text bytes plus its trailing newline.
func (m Message) Encode(w io.Writer) error {
	frame := strconv.Itoa(len(m.Text)+1) + "\n" +
		m.Author + "\n" +
		strconv.FormatInt(m.Accepted, 10) + "\n" +
		m.Text + "\n"
	_, err := io.WriteString(w, frame)
	return err
}

// ReadMessage decodes one frame. End of stream on the length line is a
// clean disconnect and returns io.EOF.
func ReadMessage(r *netio.Reader) (Message, error) {
	lenLine, err := r.ReadUntil('\n')
	if err == io.EOF && len(lenLine) == 0 {
		return Message{}, io.EOF
	}
	if err != nil {
		return Message{}, err
	}
	length, err := strconv.Atoi(string(lenLine))
	if err != nil || length < 1 {
		return Message{}, ErrBadFrame
	}

	author, err := r.ReadUntil('\n')
	if err != nil {
		return Message{}, err
	}
	tsLine, err := r.ReadUntil('\n')
	if err != nil {
		return Message{}, err
	}
	accepted, err := strconv.ParseInt(string(tsLine), 10, 64)
	if err != nil {
		return Message{}, ErrBadFrame
	}

	text, err := r.ReadN(length)
	if err != nil {
		return Message{}, err
	}
	// Strip the trailing newline counted into the length.
	return Message{
		Author:   string(author),
		Accepted: accepted,
		Text:     string(text[:length-1]),
	}, nil
}
