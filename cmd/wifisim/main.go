// wifisim is a PTY-backed Wi-Fi AT modem simulator, the direct analogue
// of the teacher's cmd/vmodem harness: instead of answering POTS AT
// commands it answers the Wi-Fi AT command set atdriver.Driver speaks
// (§4.2, §6.2), so atdriver/radio can be exercised end to end against a
// real serial device path without real Wi-Fi hardware.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/aymanbagabas/go-pty"
	flags "github.com/jessevdk/go-flags"
	t "github.com/nayarsystems/iotrace"
)

type Options struct {
	Verbose      []bool   `short:"v" long:"verbose" description:"Show verbose trace of bytes written/read"`
	InitDone     bool     `short:"i" long:"init-done" description:"Emit +INIT:DONE shortly after start" default:"true"`
	TraceBufSize int      `long:"trace-buf" description:"iotrace buffer size" default:"64"`
	Command      []string `short:"C" long:"command" description:"Canned response. Format: regexp->response"`
}

type commandRule struct {
	re   *regexp.Regexp
	resp string
}

func parseRules(specs []string) ([]commandRule, error) {
	var rules []commandRule
	for _, s := range specs {
		parts := strings.SplitN(s, "->", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid command rule %q, want regexp->response", s)
		}
		re, err := regexp.Compile(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid command rule regexp %q: %w", parts[0], err)
		}
		rules = append(rules, commandRule{re: re, resp: parts[1]})
	}
	return rules, nil
}

func respond(w io.Writer, line string, rules []commandRule, verbose bool) {
	for _, r := range rules {
		if r.re.MatchString(line) {
			if verbose {
				fmt.Fprintf(os.Stderr, "wifisim: %q -> %q\n", line, r.resp)
			}
			fmt.Fprintf(w, "%s\r\n", r.resp)
			return
		}
	}
	// default: any AT+ command that wasn't given a canned response is
	// acknowledged with a bare OK, matching how the real modem answers
	// most configuration commands (§4.2.1).
	if strings.HasPrefix(line, "AT+") {
		if verbose {
			fmt.Fprintf(os.Stderr, "wifisim: %q -> OK (default)\n", line)
		}
		fmt.Fprint(w, "OK\r\n")
	}
}

func main() {
	var options Options
	if _, err := flags.NewParser(&options, flags.Default).ParseArgs(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error parsing flags: %v\n", err)
		os.Exit(1)
	}

	rules, err := parseRules(options.Command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	tty, err := pty.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating pty: %v\n", err)
		os.Exit(1)
	}
	defer tty.Close()

	var rwc io.ReadWriteCloser = tty
	verbose := len(options.Verbose) > 0
	if len(options.Verbose) > 1 {
		rwc = t.NewRWCTracer(tty, options.TraceBufSize, 50*time.Millisecond,
			func(b []byte) { fmt.Fprintf(os.Stderr, "wifisim-w: %q\n", b) },
			func(b []byte) { fmt.Fprintf(os.Stderr, "wifisim-r: %q\n", b) },
		)
	}

	fmt.Printf("wifisim listening on %s, press Ctrl+C to exit\n", tty.Name())

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reader := bufio.NewReader(rwc)
		for {
			raw, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line := strings.TrimRight(raw, "\r\n")
			if line == "" {
				continue
			}
			respond(rwc, line, rules, verbose)
		}
	}()

	if options.InitDone {
		go func() {
			time.Sleep(200 * time.Millisecond)
			fmt.Fprint(rwc, "+INIT:DONE\r\n")
		}()
	}

	select {
	case <-c:
	case <-done:
	}
}
