// payproc-tool sends one command to a running payprocd and prints the
// raw reply.  Data lines are read from stdin up to EOF or an empty
// line:
//
//	echo "Amount: 17" | payproc-tool CHECKAMOUNT Currency=EUR
//
// Key=value arguments after the command are turned into data lines.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/payproc/payprocd/internal/config"
)

func main() {
	socket := flag.String("socket", config.TestSocket, "socket of the daemon")
	live := flag.Bool("live", false, "talk to the live daemon socket")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: payproc-tool [options] COMMAND [ARGS|Key=value ...]")
		os.Exit(1)
	}
	path := *socket
	if *live && path == config.TestSocket {
		path = config.LiveSocket
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "payproc-tool:", err)
		os.Exit(1)
	}
	defer conn.Close()

	var b strings.Builder
	var data []string
	for i, arg := range flag.Args() {
		if i > 0 {
			if name, value, ok := strings.Cut(arg, "="); ok {
				data = append(data, name+": "+value)
				continue
			}
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(arg)
	}
	b.WriteByte('\n')
	for _, line := range data {
		b.WriteString(line + "\n")
	}

	// Stdin supplies further data lines unless it is the terminal.
	if fi, err := os.Stdin.Stat(); err == nil && fi.Mode()&os.ModeCharDevice == 0 {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				break
			}
			b.WriteString(line + "\n")
		}
	}
	b.WriteByte('\n')

	if _, err := io.WriteString(conn, b.String()); err != nil {
		fmt.Fprintln(os.Stderr, "payproc-tool:", err)
		os.Exit(1)
	}

	status := ""
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			fmt.Fprintln(os.Stderr, "payproc-tool:", err)
			os.Exit(1)
		}
		line = strings.TrimSuffix(line, "\n")
		if status == "" {
			status = line
		}
		if line == "" {
			break
		}
		fmt.Println(line)
	}
	if strings.HasPrefix(status, "ERR") {
		os.Exit(2)
	}
}
