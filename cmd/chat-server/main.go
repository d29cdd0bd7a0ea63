// Command chat-server runs the broadcast chat server.
//
// Usage: chat-server PORT
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"

	"dqx0.com/go/wirekit/chat"
	"dqx0.com/go/wirekit/internal/obs"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s PORT\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	port, err := strconv.ParseUint(flag.Arg(0), 10, 16)
	if err != nil {
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	srv := &chat.Server{Logger: obs.LogrusLogger{L: log}}
	if err := srv.ListenAndServe(uint16(port)); err != nil {
		log.Fatal(err)
	}
}
