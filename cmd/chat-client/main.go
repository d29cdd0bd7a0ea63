// Command chat-client connects a terminal to a chat server.
//
// Usage: chat-client HOST PORT [--name=<str>]
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"github.com/sirupsen/logrus"

	"dqx0.com/go/wirekit/chat"
	"dqx0.com/go/wirekit/internal/obs"
)

func main() {
	name := flag.String("name", chat.DefaultAuthor, "your name in the chat")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s HOST PORT [--name=<str>]\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	conn, err := net.Dial("tcp", net.JoinHostPort(flag.Arg(0), flag.Arg(1)))
	if err != nil {
		log.Fatalf("could not connect to server: %v", err)
	}

	cl := &chat.Client{
		Author: *name,
		Out:    os.Stdout,
		Logger: obs.LogrusLogger{L: log},
	}
	if err := cl.Run(conn, os.Stdin); err != nil {
		log.Fatal(err)
	}
}
