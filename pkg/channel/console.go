package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/aretw0/weft/pkg/domain"
)

// ConsoleFactory builds console destinations over in and out (stdin and
// stdout when nil). console:stderr writes to stderr. All destinations of one
// factory share a line reader, so prompts are answered in order.
func ConsoleFactory(in io.Reader, out io.Writer) Factory {
	var once sync.Once
	var shared *lineReader
	return func(key Key) (Destination, error) {
		w := out
		switch key.Rest {
		case "", "stdout", "stdin":
			if w == nil {
				w = os.Stdout
			}
		case "stderr":
			if w == nil {
				w = os.Stderr
			}
		default:
			return nil, fmt.Errorf("unknown console stream %q", key.Rest)
		}
		once.Do(func() {
			r := in
			if r == nil {
				r = os.Stdin
			}
			shared = &lineReader{r: bufio.NewReader(r)}
		})
		return &Console{key: key, out: w, in: shared}, nil
	}
}

type lineReader struct {
	mu sync.Mutex
	r  *bufio.Reader
}

func (l *lineReader) readLine() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, err := l.r.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// Console writes to a terminal stream and reads replies line by line.
type Console struct {
	key Key
	mu  sync.Mutex
	out io.Writer
	in  *lineReader
}

func (c *Console) Key() Key { return c.key }

func (c *Console) Capabilities() Capabilities {
	return Capabilities{CapOutput, CapInput, CapChoice}
}

func (c *Console) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, msg.Text)
	return err
}

// Ask prints the prompt and, when the prompt carries a ReplyFunc, answers it
// with the next input line in the background.
func (c *Console) Ask(ctx context.Context, p Prompt) error {
	if err := c.print(p); err != nil {
		return err
	}
	c.listen(p, func(line string) any {
		if p.Kind == domain.ResumeApproval {
			return Approved(line)
		}
		return line
	})
	return nil
}

// Choose prints numbered choices; the reply may be the number or the text.
func (c *Console) Choose(ctx context.Context, p Prompt) error {
	if err := c.print(p); err != nil {
		return err
	}
	c.listen(p, func(line string) any {
		if i, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && i >= 1 && i <= len(p.Choices) {
			return p.Choices[i-1]
		}
		return strings.TrimSpace(line)
	})
	return nil
}

func (c *Console) print(p Prompt) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", p.CorrelatorID, p.Text)
	for i, choice := range p.Choices {
		fmt.Fprintf(&b, "  %d) %s\n", i+1, choice)
	}
	b.WriteString("> ")
	_, err := io.WriteString(c.out, b.String())
	return err
}

func (c *Console) listen(p Prompt, parse func(string) any) {
	if p.Reply == nil {
		return
	}
	go func() {
		line, err := c.in.readLine()
		if err != nil {
			return
		}
		// The asking context may be gone by the time the operator answers.
		_, _ = p.Reply(context.Background(), parse(line))
	}()
}

// Approved reads an approval reply: a bool, or a yes-like word in any case.
// Anything else is a refusal.
func Approved(v any) bool {
	switch v := v.(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "y", "yes", "true", "ok", "approve", "approved":
			return true
		}
	}
	return false
}
