package mock

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"testing"

	imap "github.com/emersion/go-imap"
	gomock "go.uber.org/mock/gomock"
)

// setupLogger sets up a logger that only outputs if the test fails
func SetupLogger(t *testing.T) *slog.Logger {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	t.Cleanup(func() {
		if t.Failed() {
			os.Stdout.Write(buf.Bytes()) //nolint:errcheck
		}
	})

	return logger
}

// Custom matcher to check that a search excludes messages carrying a flag
type withoutFlagMatcher struct {
	flag string
}

func (m withoutFlagMatcher) Matches(x interface{}) bool {
	c, ok := x.(*imap.SearchCriteria)
	if !ok {
		return false
	}
	for _, flag := range c.WithoutFlags {
		if flag == m.flag {
			return true
		}
	}
	return false
}

func (m withoutFlagMatcher) String() string {
	return fmt.Sprintf("search criteria without %s", m.flag)
}

// UnseenCriteria matches search criteria restricted to messages lacking \Seen.
func UnseenCriteria() gomock.Matcher {
	return withoutFlagMatcher{flag: imap.SeenFlag}
}

// SendMessages returns a Fetch implementation that delivers msgs and closes
// the channel the way client.Client.Fetch does.
func SendMessages(err error, msgs ...*imap.Message) func(*imap.SeqSet, []imap.FetchItem, chan *imap.Message) error {
	return func(_ *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
		defer close(ch)
		for _, msg := range msgs {
			ch <- msg
		}
		return err
	}
}
