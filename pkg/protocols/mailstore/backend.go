// Package mailstore reads the oldest unread message from an IMAP folder.
package mailstore

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"strconv"
	"time"

	"aaronromeo.com/mailpeek/internal/config"
	"aaronromeo.com/mailpeek/pkg/base"
	"aaronromeo.com/mailpeek/pkg/models/summary"
	"aaronromeo.com/mailpeek/pkg/utils"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/charset"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const Name = "mailstore"

var tracer = otel.Tracer("aaronromeo.com/mailpeek/pkg/protocols/mailstore")

func init() {
	// Envelope subjects and display names arrive as RFC 2047 encoded words.
	imap.CharsetReader = charset.Reader
}

// DialFunc opens an unauthenticated connection to addr.
type DialFunc func(addr string, implicitTLS bool, tlsConfig *tls.Config) (base.Client, error)

type Backend struct {
	settings  config.MailboxSettings
	dial      DialFunc
	tlsConfig *tls.Config
	logger    *slog.Logger
}

type Option func(*Backend) error

// New returns a Backend. The settings are validated and the trust anchor is
// loaded here, so a misconfigured store fails before any connection is made.
func New(opts ...Option) (*Backend, error) {
	var b Backend
	for _, opt := range opts {
		if err := opt(&b); err != nil {
			return nil, err
		}
	}

	if b.logger == nil {
		return nil, errors.New("requires slogger")
	}

	if err := b.settings.Validate(); err != nil {
		return nil, err
	}

	if b.tlsConfig == nil {
		tlsConfig, err := NewTLSConfig(&b.settings)
		if err != nil {
			return nil, err
		}
		b.tlsConfig = tlsConfig
	}

	if b.dial == nil {
		b.dial = DefaultDialer(b.settings.ConnectTimeout, b.settings.CommandTimeout)
	}

	return &b, nil
}

func WithSettings(settings *config.MailboxSettings) Option {
	return func(b *Backend) error {
		if settings == nil {
			return errors.New("requires mailbox settings")
		}
		b.settings = *settings
		return nil
	}
}

func WithDialer(dial DialFunc) Option {
	return func(b *Backend) error {
		b.dial = dial
		return nil
	}
}

func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(b *Backend) error {
		b.tlsConfig = tlsConfig
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		b.logger = logger
		return nil
	}
}

// DefaultDialer dials with go-imap's client. The connect timeout also bounds
// the server greeting.
func DefaultDialer(connectTimeout, commandTimeout time.Duration) DialFunc {
	return func(addr string, implicitTLS bool, tlsConfig *tls.Config) (base.Client, error) {
		dialer := &net.Dialer{Timeout: connectTimeout}

		var (
			c   *client.Client
			err error
		)
		if implicitTLS {
			c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
		} else {
			c, err = client.DialWithDialer(dialer, addr)
		}
		if err != nil {
			return nil, err
		}

		c.Timeout = commandTimeout
		return c, nil
	}
}

func (b *Backend) Name() string {
	return Name
}

// FetchOldestUnread returns NotFound when the folder holds no unread message.
// Any other failure is a *base.MailFetchError.
func (b *Backend) FetchOldestUnread(ctx context.Context) (summary.Outcome, error) {
	ctx, span := tracer.Start(ctx, "mailstore.FetchOldestUnread")
	defer span.End()

	span.SetAttributes(
		attribute.String("mailstore.host", b.settings.Host),
		attribute.Int("mailstore.port", b.settings.StorePort()),
		attribute.String("mailstore.folder", b.settings.Folder),
		attribute.String("mailstore.selection", b.settings.Selection),
	)

	outcome, err := b.fetchOldestUnread(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.ErrorContext(ctx, "Failed to fetch oldest unread email",
			slog.String("backend", Name),
			slog.Any("error", utils.WrapError(err)),
		)
		return summary.NotFound(), base.NewMailFetchError(Name, err)
	}

	span.SetAttributes(attribute.Bool("mailstore.found", outcome.IsFound()))
	return outcome, nil
}

func (b *Backend) fetchOldestUnread(ctx context.Context) (summary.Outcome, error) {
	c, err := b.connect(ctx)
	if err != nil {
		return summary.NotFound(), err
	}
	defer b.logout(ctx, c)

	if _, err := c.Select(b.settings.Folder, true); err != nil {
		return summary.NotFound(), errors.Wrapf(err, "select %s", b.settings.Folder)
	}
	defer b.closeFolder(ctx, c)

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	seqNums, err := c.Search(criteria)
	if err != nil {
		return summary.NotFound(), errors.Wrap(err, "search unseen")
	}

	b.logger.DebugContext(ctx, "Unread messages found",
		slog.String("folder", b.settings.Folder),
		slog.Int("count", len(seqNums)),
	)
	if len(seqNums) == 0 {
		return summary.NotFound(), nil
	}

	msg, err := b.selectMessage(c, seqNums)
	if err != nil {
		return summary.NotFound(), err
	}

	s, err := renderMessage(msg)
	if err != nil {
		return summary.NotFound(), err
	}
	return summary.Found(s), nil
}

func (b *Backend) connect(ctx context.Context) (base.Client, error) {
	addr := net.JoinHostPort(b.settings.Host, strconv.Itoa(b.settings.StorePort()))

	c, err := b.dial(addr, b.settings.ImplicitTLS(), b.tlsConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	b.logger.DebugContext(ctx, "Connected", slog.String("addr", addr), slog.Bool("tls", b.settings.ImplicitTLS()))

	if !b.settings.ImplicitTLS() {
		if err := b.startTLS(ctx, c); err != nil {
			b.logout(ctx, c)
			return nil, err
		}
	}

	if err := c.Login(b.settings.Username, b.settings.Password); err != nil {
		b.logout(ctx, c)
		return nil, errors.Wrapf(err, "login as %s", b.settings.Username)
	}
	b.logger.InfoContext(ctx, "Login success", slog.String("username", b.settings.Username))

	return c, nil
}

func (b *Backend) startTLS(ctx context.Context, c base.Client) error {
	supported, err := c.SupportStartTLS()
	if err != nil {
		return errors.Wrap(err, "query STARTTLS capability")
	}
	if !supported {
		b.logger.WarnContext(ctx, "Server does not advertise STARTTLS, continuing in plaintext")
		return nil
	}
	if err := c.StartTLS(b.tlsConfig); err != nil {
		return errors.Wrap(err, "starttls")
	}
	return nil
}

// selectMessage picks the message to summarise from the unseen search hits.
func (b *Backend) selectMessage(c base.Client, seqNums []uint32) (*imap.Message, error) {
	if b.settings.Selection == config.SelectionOldestSent {
		messages, err := fetchEnvelopes(c, seqNums...)
		if err != nil {
			return nil, err
		}
		return oldestSent(messages)
	}

	// The last hit is taken as the oldest. Servers do not promise any order.
	messages, err := fetchEnvelopes(c, seqNums[len(seqNums)-1])
	if err != nil {
		return nil, err
	}
	return messages[0], nil
}

func fetchEnvelopes(c base.Client, seqNums ...uint32) ([]*imap.Message, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	ch := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope}, ch)
	}()

	messages := make([]*imap.Message, 0, len(seqNums))
	for msg := range ch {
		messages = append(messages, msg)
	}

	if err := <-done; err != nil {
		return nil, errors.Wrapf(err, "fetch envelope %s", seqset.String())
	}
	if len(messages) == 0 {
		return nil, errors.Errorf("message %s not returned by server", seqset.String())
	}
	return messages, nil
}

// oldestSent returns the message with the earliest envelope date, breaking
// ties on the lower sequence number. Messages without a date are skipped.
func oldestSent(messages []*imap.Message) (*imap.Message, error) {
	var oldest *imap.Message
	for _, msg := range messages {
		if msg.Envelope == nil || msg.Envelope.Date.IsZero() {
			continue
		}
		if oldest == nil {
			oldest = msg
			continue
		}
		date, oldestDate := msg.Envelope.Date, oldest.Envelope.Date
		if date.Before(oldestDate) || (date.Equal(oldestDate) && msg.SeqNum < oldest.SeqNum) {
			oldest = msg
		}
	}
	if oldest == nil {
		return nil, errors.New("no unread message carries a sent date")
	}
	return oldest, nil
}

func renderMessage(msg *imap.Message) (summary.EmailSummary, error) {
	env := msg.Envelope
	if env == nil {
		return summary.EmailSummary{}, errors.Errorf("message %d has no envelope", msg.SeqNum)
	}
	if env.Date.IsZero() {
		return summary.EmailSummary{}, errors.Errorf("message %d has no sent date", msg.SeqNum)
	}
	return summary.New(formatAddresses(env.From), formatAddresses(env.To), env.Subject, env.Date), nil
}

func formatAddresses(addrs []*imap.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if addr == nil {
			continue
		}
		out = append(out, summary.FormatAddress(addr.PersonalName, addr.MailboxName+"@"+addr.HostName))
	}
	return out
}

func (b *Backend) closeFolder(ctx context.Context, c base.Client) {
	if err := c.Close(); err != nil {
		b.logger.WarnContext(ctx, "Failed to close folder", slog.Any("error", utils.WrapError(err)))
	}
}

func (b *Backend) logout(ctx context.Context, c base.Client) {
	if err := c.Logout(); err != nil {
		b.logger.WarnContext(ctx, "Failed to logout", slog.Any("error", utils.WrapError(err)))
	}
}
