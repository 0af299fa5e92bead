package mailstore

import (
	"context"
	"crypto/tls"
	"testing"
	"time"

	"aaronromeo.com/mailpeek/internal/config"
	"aaronromeo.com/mailpeek/pkg/base"
	"aaronromeo.com/mailpeek/pkg/mock"
	"github.com/emersion/go-imap"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var sentDate = time.Date(2024, time.March, 5, 9, 30, 0, 0, time.UTC)

func testSettings() *config.MailboxSettings {
	return &config.MailboxSettings{
		Host:      "imap.example.com",
		Username:  "user@example.com",
		Password:  "secret",
		Protocol:  config.ProtocolIMAP,
		SSLEnable: true,
		Folder:    "INBOX",
		Selection: config.SelectionLast,
	}
}

type dialRecord struct {
	addr        string
	implicitTLS bool
	calls       int
}

func newTestBackend(t *testing.T, c base.Client, settings *config.MailboxSettings) (*Backend, *dialRecord) {
	t.Helper()

	record := &dialRecord{}
	backend, err := New(
		WithSettings(settings),
		WithLogger(mock.SetupLogger(t)),
		WithDialer(func(addr string, implicitTLS bool, _ *tls.Config) (base.Client, error) {
			record.addr = addr
			record.implicitTLS = implicitTLS
			record.calls++
			return c, nil
		}),
	)
	require.NoError(t, err)
	return backend, record
}

func envelopeMessage(seqNum uint32, subject string, date time.Time) *imap.Message {
	return &imap.Message{
		SeqNum: seqNum,
		Envelope: &imap.Envelope{
			Date:    date,
			Subject: subject,
			From:    []*imap.Address{{PersonalName: "Alice Sender", MailboxName: "alice", HostName: "example.com"}},
			To:      []*imap.Address{{MailboxName: "bob", HostName: "example.org"}},
		},
	}
}

func TestNew(t *testing.T) {
	logger := mock.SetupLogger(t)

	t.Run("Successful Creation", func(t *testing.T) {
		backend, err := New(WithSettings(testSettings()), WithLogger(logger))
		require.NoError(t, err)
		assert.Equal(t, Name, backend.Name())
		assert.NotNil(t, backend.dial)
		assert.Equal(t, "imap.example.com", backend.tlsConfig.ServerName)
	})

	t.Run("Missing Logger", func(t *testing.T) {
		_, err := New(WithSettings(testSettings()))
		assert.Error(t, err)
	})

	t.Run("Missing Settings", func(t *testing.T) {
		_, err := New(WithSettings(nil), WithLogger(logger))
		assert.Error(t, err)
	})

	t.Run("Missing Credentials", func(t *testing.T) {
		settings := testSettings()
		settings.Password = ""

		_, err := New(WithSettings(settings), WithLogger(logger))

		var cfgErr *config.Error
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, []string{"email.server.password"}, cfgErr.Keys)
	})

	t.Run("Unsupported Protocol", func(t *testing.T) {
		settings := testSettings()
		settings.Protocol = "pop3"

		_, err := New(WithSettings(settings), WithLogger(logger))

		var cfgErr *config.Error
		require.True(t, errors.As(err, &cfgErr))
	})
}

func TestFetchOldestUnreadLastSearchHit(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, dialed := newTestBackend(t, mockClient, testSettings())

	var fetched string
	gomock.InOrder(
		mockClient.EXPECT().Login("user@example.com", "secret").Return(nil),
		mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{Name: "INBOX"}, nil),
		mockClient.EXPECT().Search(mock.UnseenCriteria()).Return([]uint32{1, 2, 3}, nil),
		mockClient.EXPECT().Fetch(gomock.Any(), []imap.FetchItem{imap.FetchEnvelope}, gomock.Any()).
			DoAndReturn(func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
				fetched = seqset.String()
				return mock.SendMessages(nil, envelopeMessage(3, "Quarterly report", sentDate))(seqset, items, ch)
			}),
		mockClient.EXPECT().Close().Return(nil),
		mockClient.EXPECT().Logout().Return(nil),
	)

	outcome, err := backend.FetchOldestUnread(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "imap.example.com:993", dialed.addr)
	assert.True(t, dialed.implicitTLS)
	assert.Equal(t, "3", fetched)
	require.True(t, outcome.IsFound())
	assert.Equal(t,
		"From: Alice Sender <alice@example.com>\n"+
			"To: bob@example.org\n"+
			"Subject: Quarterly report\n"+
			"Sent Date: Tue Mar 05 09:30:00 UTC 2024",
		outcome.String(),
	)
}

func TestFetchOldestUnreadNoUnread(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, testSettings())

	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil)
	mockClient.EXPECT().Search(mock.UnseenCriteria()).Return([]uint32{}, nil)
	mockClient.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)
	mockClient.EXPECT().Close().Return(nil).Times(1)
	mockClient.EXPECT().Logout().Return(nil).Times(1)

	outcome, err := backend.FetchOldestUnread(context.Background())
	require.NoError(t, err)
	assert.False(t, outcome.IsFound())
	assert.Equal(t, "", outcome.String())
}

func TestFetchOldestUnreadSearchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, testSettings())

	searchErr := errors.New("search rejected")
	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil)
	mockClient.EXPECT().Search(gomock.Any()).Return(nil, searchErr)
	mockClient.EXPECT().Close().Return(nil).Times(1)
	mockClient.EXPECT().Logout().Return(nil).Times(1)

	outcome, err := backend.FetchOldestUnread(context.Background())

	var fetchErr *base.MailFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, Name, fetchErr.Backend)
	assert.True(t, errors.Is(err, searchErr))
	assert.False(t, outcome.IsFound())
}

func TestFetchOldestUnreadLoginFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, testSettings())

	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(errors.New("authentication failed"))
	mockClient.EXPECT().Select(gomock.Any(), gomock.Any()).Times(0)
	mockClient.EXPECT().Close().Times(0)
	mockClient.EXPECT().Logout().Return(nil).Times(1)

	_, err := backend.FetchOldestUnread(context.Background())

	var fetchErr *base.MailFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, err.Error(), "login as user@example.com")
}

func TestFetchOldestUnreadSelectFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, testSettings())

	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().Select("INBOX", true).Return(nil, errors.New("no such mailbox"))
	mockClient.EXPECT().Close().Times(0)
	mockClient.EXPECT().Logout().Return(nil).Times(1)

	_, err := backend.FetchOldestUnread(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "select INBOX")
}

func TestFetchOldestUnreadDialFailure(t *testing.T) {
	backend, err := New(
		WithSettings(testSettings()),
		WithLogger(mock.SetupLogger(t)),
		WithDialer(func(string, bool, *tls.Config) (base.Client, error) {
			return nil, errors.New("connection refused")
		}),
	)
	require.NoError(t, err)

	_, err = backend.FetchOldestUnread(context.Background())

	var fetchErr *base.MailFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, err.Error(), "dial imap.example.com:993")
}

func TestFetchOldestUnreadStartTLS(t *testing.T) {
	settings := testSettings()
	settings.SSLEnable = false
	settings.Port = 1143

	t.Run("Advertised", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockClient := mock.NewMockClient(ctrl)
		backend, dialed := newTestBackend(t, mockClient, settings)

		gomock.InOrder(
			mockClient.EXPECT().SupportStartTLS().Return(true, nil),
			mockClient.EXPECT().StartTLS(gomock.Any()).Return(nil),
			mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil),
			mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil),
			mockClient.EXPECT().Search(gomock.Any()).Return(nil, nil),
			mockClient.EXPECT().Close().Return(nil),
			mockClient.EXPECT().Logout().Return(nil),
		)

		_, err := backend.FetchOldestUnread(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "imap.example.com:1143", dialed.addr)
		assert.False(t, dialed.implicitTLS)
	})

	t.Run("Not Advertised", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockClient := mock.NewMockClient(ctrl)
		backend, _ := newTestBackend(t, mockClient, settings)

		mockClient.EXPECT().SupportStartTLS().Return(false, nil)
		mockClient.EXPECT().StartTLS(gomock.Any()).Times(0)
		mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
		mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil)
		mockClient.EXPECT().Search(gomock.Any()).Return(nil, nil)
		mockClient.EXPECT().Close().Return(nil)
		mockClient.EXPECT().Logout().Return(nil)

		_, err := backend.FetchOldestUnread(context.Background())
		require.NoError(t, err)
	})

	t.Run("Handshake Failure", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		mockClient := mock.NewMockClient(ctrl)
		backend, _ := newTestBackend(t, mockClient, settings)

		mockClient.EXPECT().SupportStartTLS().Return(true, nil)
		mockClient.EXPECT().StartTLS(gomock.Any()).Return(errors.New("bad certificate"))
		mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Times(0)
		mockClient.EXPECT().Logout().Return(nil).Times(1)

		_, err := backend.FetchOldestUnread(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "starttls")
	})
}

func TestFetchOldestUnreadOldestSent(t *testing.T) {
	settings := testSettings()
	settings.Selection = config.SelectionOldestSent

	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, settings)

	var fetched string
	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil)
	mockClient.EXPECT().Search(mock.UnseenCriteria()).Return([]uint32{4, 7, 9}, nil)
	mockClient.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error {
			fetched = seqset.String()
			return mock.SendMessages(nil,
				envelopeMessage(4, "newest", sentDate.Add(48*time.Hour)),
				envelopeMessage(7, "oldest", sentDate),
				envelopeMessage(9, "middle", sentDate.Add(time.Hour)),
			)(seqset, items, ch)
		})
	mockClient.EXPECT().Close().Return(nil)
	mockClient.EXPECT().Logout().Return(nil)

	outcome, err := backend.FetchOldestUnread(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "4,7,9", fetched)
	s, ok := outcome.Summary()
	require.True(t, ok)
	assert.Equal(t, "oldest", s.Subject())
}

func TestFetchOldestUnreadFetchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, testSettings())

	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil)
	mockClient.EXPECT().Search(gomock.Any()).Return([]uint32{5}, nil)
	mockClient.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(mock.SendMessages(errors.New("connection reset")))
	mockClient.EXPECT().Close().Return(nil).Times(1)
	mockClient.EXPECT().Logout().Return(nil).Times(1)

	_, err := backend.FetchOldestUnread(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch envelope 5")
}

func TestFetchOldestUnreadMissingDate(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, testSettings())

	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil)
	mockClient.EXPECT().Search(gomock.Any()).Return([]uint32{2}, nil)
	mockClient.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(mock.SendMessages(nil, envelopeMessage(2, "undated", time.Time{})))
	mockClient.EXPECT().Close().Return(nil).Times(1)
	mockClient.EXPECT().Logout().Return(nil).Times(1)

	_, err := backend.FetchOldestUnread(context.Background())

	var fetchErr *base.MailFetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, err.Error(), "no sent date")
}

func TestFetchOldestUnreadCleanupErrorsIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockClient := mock.NewMockClient(ctrl)
	backend, _ := newTestBackend(t, mockClient, testSettings())

	mockClient.EXPECT().Login(gomock.Any(), gomock.Any()).Return(nil)
	mockClient.EXPECT().Select("INBOX", true).Return(&imap.MailboxStatus{}, nil)
	mockClient.EXPECT().Search(gomock.Any()).Return([]uint32{1}, nil)
	mockClient.EXPECT().Fetch(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(mock.SendMessages(nil, envelopeMessage(1, "hello", sentDate)))
	mockClient.EXPECT().Close().Return(errors.New("already closed"))
	mockClient.EXPECT().Logout().Return(errors.New("connection closed"))

	outcome, err := backend.FetchOldestUnread(context.Background())
	require.NoError(t, err)
	assert.True(t, outcome.IsFound())
}
