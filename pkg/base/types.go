package base

import (
	"crypto/tls"

	"github.com/emersion/go-imap"
)

const (
	ServiceName    = "mailpeek"
	ServiceVersion = "1.0.0"
)

// Client is an interface to abstract the client.Client methods used
type Client interface {
	SupportStartTLS() (bool, error)
	StartTLS(tlsConfig *tls.Config) error
	Login(username string, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) (seqNums []uint32, err error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Close() error
	Logout() error
}
