// Command proxy runs the HTTP/1.1 caching forward proxy.
//
// Usage: proxy HOST PORT
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"dqx0.com/go/wirekit/httpproxy"
	"dqx0.com/go/wirekit/internal/obs"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s HOST PORT\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}
	host, port := flag.Arg(0), flag.Arg(1)

	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	srv := &httpproxy.Server{
		Addr:   net.JoinHostPort(host, port),
		Logger: obs.LogrusLogger{L: log},
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig
		srv.Shutdown()
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
