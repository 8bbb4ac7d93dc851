package control

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
)

// Commands are the control lines the console forwards
var Commands = []string{"restart", "shutdown", "loglevel", "clientmessageresendinterval", "clientcount"}

// Sink receives forwarded console lines
type Sink interface {
	Publish(ctx context.Context, line string) (int64, error)
}

// Normalize lowercases and trims line and reports whether it starts with a
// known command
func Normalize(line string) (string, bool) {
	line = strings.ToLower(strings.TrimSpace(line))
	for _, cmd := range Commands {
		if strings.HasPrefix(line, cmd) {
			return line, true
		}
	}
	return line, false
}

// Console forwards operator input to the control channel
type Console struct {
	Sink Sink
	In   io.Reader
	Out  io.Writer
}

// Run reads lines until quit, EOF or ctx ends
func (c *Console) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(c.In)
	fmt.Fprintf(c.Out, "Commands: %s, quit\n", strings.Join(Commands, ", "))

	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line, ok := Normalize(scanner.Text())
		switch {
		case line == "quit" || line == "exit":
			return nil
		case line == "":
		case !ok:
			fmt.Fprintf(c.Out, "Unknown command %q\n", line)
		default:
			name := strings.Fields(line)[0]
			n, err := c.Sink.Publish(ctx, line)
			if err != nil {
				fmt.Fprintf(c.Out, "Failed to send %s message: %v\n", name, err)
				continue
			}
			fmt.Fprintf(c.Out, "Sent %s message (%d receivers)\n", name, n)
		}
	}
	return scanner.Err()
}
