// Package graphapi reads the oldest unread message through Microsoft Graph.
package graphapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"aaronromeo.com/mailpeek/internal/config"
	"aaronromeo.com/mailpeek/pkg/base"
	"aaronromeo.com/mailpeek/pkg/models/summary"
	"aaronromeo.com/mailpeek/pkg/utils"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"
)

const (
	Name = "graph"

	messagesPath  = "/me/messages"
	selectFields  = "sender,from,toRecipients,subject,sentDateTime"
	maxErrorBytes = 64 << 10

	// Graph rejects an $orderby property that is not also the leading
	// $filter clause, so the sort key is restricted with an always-true bound.
	unreadFilter   = "receivedDateTime ge 1900-01-01T00:00:00Z and isRead eq false"
	receivedAscend = "receivedDateTime asc"
)

var tracer = otel.Tracer("aaronromeo.com/mailpeek/pkg/protocols/graphapi")

// APIError is a non-2xx Graph response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("graph returned status %d", e.Status)
	}
	return fmt.Sprintf("graph returned status %d: %s: %s", e.Status, e.Code, e.Message)
}

type Backend struct {
	settings  config.GraphSettings
	transport http.RoundTripper
	client    *http.Client
	logger    *slog.Logger
}

type Option func(*Backend) error

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

	if b.transport == nil {
		b.transport = http.DefaultTransport
	}

	token := &oauth2.Token{AccessToken: b.settings.AccessToken, TokenType: "Bearer"}
	b.client = &http.Client{
		Timeout: b.settings.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(token),
			Base:   b.transport,
		},
	}

	return &b, nil
}

func WithSettings(settings *config.GraphSettings) Option {
	return func(b *Backend) error {
		if settings == nil {
			return errors.New("requires graph settings")
		}
		b.settings = *settings
		return nil
	}
}

// WithTransport sets the round tripper underneath the bearer token transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(b *Backend) error {
		b.transport = transport
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *Backend) error {
		b.logger = logger
		return nil
	}
}

func (b *Backend) Name() string {
	return Name
}

// FetchOldestUnread asks Graph for the single earliest received unread
// message. An empty page is NotFound.
func (b *Backend) FetchOldestUnread(ctx context.Context) (summary.Outcome, error) {
	ctx, span := tracer.Start(ctx, "graphapi.FetchOldestUnread")
	defer span.End()

	span.SetAttributes(attribute.String("graphapi.endpoint", b.settings.Endpoint))

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

	span.SetAttributes(attribute.Bool("graphapi.found", outcome.IsFound()))
	return outcome, nil
}

func (b *Backend) fetchOldestUnread(ctx context.Context) (summary.Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.messagesURL(), nil)
	if err != nil {
		return summary.NotFound(), errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return summary.NotFound(), errors.Wrap(err, "list messages")
	}
	defer resp.Body.Close()

	b.logger.DebugContext(ctx, "Graph responded", slog.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return summary.NotFound(), decodeAPIError(resp)
	}

	var page messagePage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return summary.NotFound(), errors.Wrap(err, "decode messages")
	}
	if len(page.Value) == 0 {
		return summary.NotFound(), nil
	}

	s, err := page.Value[0].render()
	if err != nil {
		return summary.NotFound(), err
	}
	return summary.Found(s), nil
}

// messagesURL keeps the OData "$" parameter names unescaped.
func (b *Backend) messagesURL() string {
	query := strings.Join([]string{
		"$filter=" + url.PathEscape(unreadFilter),
		"$orderby=" + url.PathEscape(receivedAscend),
		"$top=1",
		"$select=" + selectFields,
	}, "&")
	return strings.TrimRight(b.settings.Endpoint, "/") + messagesPath + "?" + query
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	if err == nil && json.Unmarshal(data, &body) == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}

type messagePage struct {
	Value []message `json:"value"`
}

type message struct {
	Subject      string      `json:"subject"`
	SentDateTime *time.Time  `json:"sentDateTime"`
	Sender       *recipient  `json:"sender"`
	From         *recipient  `json:"from"`
	ToRecipients []recipient `json:"toRecipients"`
}

type recipient struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

func (r *recipient) address() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(r.EmailAddress.Address)
}

// render reports the sender (or the from address when Graph omits it) and
// only the first To recipient.
func (m message) render() (summary.EmailSummary, error) {
	from := m.Sender.address()
	if from == "" {
		from = m.From.address()
	}
	if from == "" {
		return summary.EmailSummary{}, errors.New("message has no sender")
	}
	if len(m.ToRecipients) == 0 || m.ToRecipients[0].address() == "" {
		return summary.EmailSummary{}, errors.New("message has no recipient")
	}
	if m.SentDateTime == nil || m.SentDateTime.IsZero() {
		return summary.EmailSummary{}, errors.New("message has no sent date")
	}

	return summary.New(
		[]string{from},
		[]string{m.ToRecipients[0].address()},
		m.Subject,
		m.SentDateTime.UTC(),
	), nil
}
