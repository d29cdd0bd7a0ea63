// Command tftp-server serves RFC 1350 transfers out of the working
// directory.
//
// Usage: tftp-server [-p PORT] [-v]
package main

import (
	"flag"
	"time"

	"github.com/sirupsen/logrus"

	"dqx0.com/go/wirekit/internal/obs"
	"dqx0.com/go/wirekit/tftp"
)

func main() {
	port := flag.Uint("p", 69, "server port")
	verbose := flag.Bool("v", false, "print all packets")
	timeout := flag.Uint("t", 2000, "transfer timeout (milliseconds)")
	flag.Parse()

	log := logrus.New()
	srv := &tftp.Server{
		Port:    uint16(*port),
		Timeout: time.Duration(*timeout) * time.Millisecond,
		Logger:  obs.LogrusLogger{L: log},
	}
	if *verbose {
		srv.Trace = obs.LogrusLogger{L: log}
	}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
