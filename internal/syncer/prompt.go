package syncer

import "context"

// Decision is the user's answer to a failed verification.
type Decision int

const (
	Decline Decision = iota
	Retry
)

func (d Decision) String() string {
	if d == Retry {
		return "retry"
	}
	return "decline"
}

// Mismatch is what the user is shown when the kernel did not take a value.
type Mismatch struct {
	Key       string
	Title     string
	Message   string
	Requested string
	Actual    string
	Attempt   int
}

// Prompter asks the user whether to retry after a mismatch. Confirm may
// block until the user answers or ctx is done.
type Prompter interface {
	Confirm(ctx context.Context, m Mismatch) (Decision, error)
}

// PrompterFunc adapts a function to Prompter.
type PrompterFunc func(ctx context.Context, m Mismatch) (Decision, error)

func (f PrompterFunc) Confirm(ctx context.Context, m Mismatch) (Decision, error) {
	return f(ctx, m)
}

// Always answers every prompt with d.
func Always(d Decision) Prompter {
	return PrompterFunc(func(context.Context, Mismatch) (Decision, error) { return d, nil })
}

// ChannelPrompter publishes each mismatch on Requests and waits for the
// answer on Decisions. It lets an event loop (a UI, a websocket) drive the
// retry without the syncer knowing about it.
type ChannelPrompter struct {
	Requests  chan<- Mismatch
	Decisions <-chan Decision
}

func (c ChannelPrompter) Confirm(ctx context.Context, m Mismatch) (Decision, error) {
	select {
	case c.Requests <- m:
	case <-ctx.Done():
		return Decline, ctx.Err()
	}
	select {
	case d := <-c.Decisions:
		return d, nil
	case <-ctx.Done():
		return Decline, ctx.Err()
	}
}

type sourceKey struct{}

// WithSource tags ctx with the caller ("cli", "http", "mcp", "monitor")
// for apply history.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFromContext returns the tag set by WithSource, or "".
func SourceFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sourceKey{}).(string)
	return s
}
