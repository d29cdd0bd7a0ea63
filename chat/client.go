package chat

import (
	"bufio"
	"io"
	"net"

	"dqx0.com/go/wirekit/internal/netio"
	"dqx0.com/go/wirekit/internal/obs"
)

// DefaultAuthor is used when the client was not given a name.
const DefaultAuthor = "anonymous"

// Client bridges an input stream (normally the terminal) and a chat
// server connection. Run returns when either side disconnects.
type Client struct {
	Author string
	Out    io.Writer
	Logger obs.Logger
}

// Run reads lines from input and sends them as messages with a zero
// timestamp, while rendering every message received from conn to Out.
func (c *Client) Run(conn net.Conn, input io.Reader) error {
	author := c.Author
	if author == "" {
		author = DefaultAuthor
	}
	log := obs.Or(c.Logger)

	done := make(chan error, 2)

	go func() {
		r := netio.NewReader(conn)
		for {
			m, err := ReadMessage(r)
			if err != nil {
				done <- err
				return
			}
			if _, err := io.WriteString(c.Out, m.Show()+"\n"); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		sc := bufio.NewScanner(input)
		for sc.Scan() {
			m := Message{Author: author, Accepted: 0, Text: sc.Text()}
			if err := m.Encode(conn); err != nil {
				done <- err
				return
			}
		}
		done <- sc.Err()
	}()

	err := <-done
	// Closing the connection unblocks whichever goroutine is still
	// running; the input goroutine may outlive Run if input cannot be
	// interrupted, but it will fail on its next send.
	_ = conn.Close()
	if err == io.EOF {
		log.Logf(obs.Debug, "disconnected")
		return nil
	}
	return err
}
