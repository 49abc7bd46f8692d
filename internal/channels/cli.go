package channels

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/lunamoth/lunamoth/internal/bus"
)

var cliExitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
	":q":    true,
}

// CLIAdapter wires the terminal into the bus: stdin lines become inbound
// events, agent replies are printed to stdout.
type CLIAdapter struct {
	Base
	replies chan bus.OutboundMessage
}

// NewCLIAdapter creates a CLIAdapter.
func NewCLIAdapter(b *bus.Bus) *CLIAdapter {
	return &CLIAdapter{
		Base:    NewBase(bus.ChannelCLI, b, nil),
		replies: make(chan bus.OutboundMessage, 16),
	}
}

func (c *CLIAdapter) Name() string { return bus.ChannelCLI }

// Start runs the stdin REPL until ctx is cancelled or stdin closes.
func (c *CLIAdapter) Start(ctx context.Context) error {
	fmt.Printf("CLI channel ready. Type 'exit' or press Ctrl+C to quit.\n\n")

	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("You: ")

		scanDone := make(chan bool, 1)
		go func() {
			scanDone <- scanner.Scan()
		}()

		select {
		case ok := <-scanDone:
			if !ok {
				fmt.Println("\nGoodbye!")
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if cliExitCommands[strings.ToLower(line)] {
			fmt.Println("Goodbye!")
			return nil
		}

		c.HandleMessage("cli", "direct", line, "", nil, nil)
		c.waitForReply(ctx)
	}
}

// waitForReply blocks until the turn completes. Progress updates print
// inline; an empty reply is the completion signal for turns answered through
// the message tool.
func (c *CLIAdapter) waitForReply(ctx context.Context) {
	for {
		select {
		case msg := <-c.replies:
			if prog, _ := msg.Metadata["_progress"].(bool); prog {
				fmt.Printf("  … %s\n", msg.Content)
				continue
			}
			if msg.Content != "" {
				fmt.Printf("\nAgent: %s\n\n", msg.Content)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

// Send queues an agent reply for the REPL loop to print.
func (c *CLIAdapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	select {
	case c.replies <- msg:
	default:
		// REPL not draining (non-interactive run); print directly.
		if msg.Content != "" {
			fmt.Println(msg.Content)
		}
	}
	return nil
}
