package human

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lucalabs/cosmic-family/internal/provider"
)

const ModelLabel = "human-oracle-v1.0"

// Oracle routes a query to a human operator over a reader/writer pair,
// typically stdin/stdout. Invoke blocks until the operator answers a
// full line; there is no timeout, so a fan-out that includes the oracle
// serializes on the operator.
type Oracle struct {
	in  *bufio.Reader
	out io.Writer
}

func New(in io.Reader, out io.Writer) *Oracle {
	return &Oracle{
		in:  bufio.NewReader(in),
		out: out,
	}
}

func (o *Oracle) Invoke(ctx context.Context, query string, maxTokens int, temperature float64) (*provider.Result, error) {
	banner := strings.Repeat("=", 60)
	fmt.Fprintf(o.out, "\n%s\nHUMAN ORACLE REQUEST\n%s\n", banner, banner)
	fmt.Fprintf(o.out, "Query: %s\n%s\n", query, banner)
	fmt.Fprint(o.out, "Your response: ")

	line, err := o.in.ReadString('\n')
	if err != nil && line == "" {
		return nil, fmt.Errorf("human oracle: %w", err)
	}

	// Token usage is meaningless for a human answer.
	return &provider.Result{Text: strings.TrimRight(line, "\r\n")}, nil
}
