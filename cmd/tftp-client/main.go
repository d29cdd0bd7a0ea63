// Command tftp-client is an interactive TFTP client.
//
// Usage: tftp-client HOST [-p PORT] [-t TIMEOUT_MS] [-v]
//
// Commands at the "> " prompt: read FILE, get FILE, write FILE,
// put FILE, help.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dqx0.com/go/wirekit/internal/obs"
	"dqx0.com/go/wirekit/tftp"
)

const usageText = `commands:
  read FILE | get FILE    fetch FILE from the server
  write FILE | put FILE   store FILE on the server
  help                    show this text`

func main() {
	port := flag.Uint("p", 69, "server port")
	timeout := flag.Uint("t", 2000, "timeout (milliseconds)")
	verbose := flag.Bool("v", false, "print all packets")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s HOST [-p PORT] [-t TIMEOUT_MS] [-v]\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	log := logrus.New()
	client := &tftp.Client{
		Host:    flag.Arg(0),
		Port:    uint16(*port),
		Timeout: time.Duration(*timeout) * time.Millisecond,
	}
	if *verbose {
		client.Trace = obs.LogrusLogger{L: log}
	}

	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "read", "get":
			if len(fields) != 2 {
				fmt.Fprintln(os.Stderr, "usage: read FILE")
				continue
			}
			read(client, fields[1])
		case "write", "put":
			if len(fields) != 2 {
				fmt.Fprintln(os.Stderr, "usage: write FILE")
				continue
			}
			write(client, fields[1])
		case "help":
			fmt.Println(usageText)
		default:
			fmt.Fprintln(os.Stderr, "Unknown command")
		}
	}
}

func read(client *tftp.Client, filename string) {
	out, err := os.Create(filename)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	defer out.Close()
	if err := client.Read(filename, out); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func write(client *tftp.Client, filename string) {
	in, err := os.Open(filename)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	defer in.Close()
	if err := client.Write(filename, in); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
