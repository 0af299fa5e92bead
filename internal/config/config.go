package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

const (
	ProtocolIMAP  = "imap"
	ProtocolIMAPS = "imaps"

	SelectionLast       = "last"
	SelectionOldestSent = "oldest-sent"

	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"

	// TrustAll mirrors the mail.<protocol>.ssl.trust="*" convention.
	TrustAll = "*"
)

// Error reports a missing or malformed setting. Fetching is never attempted
// once one of these is returned.
type Error struct {
	Keys []string
	Err  error
}

func (e *Error) Error() string {
	return "config: " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Settings holds everything read from the properties file.
type Settings struct {
	Mailbox   *MailboxSettings
	Graph     *GraphSettings
	Storage   *StorageSettings
	Telemetry *TelemetrySettings
}

// MailboxSettings configures the IMAP backend.
type MailboxSettings struct {
	Host             string        `env:"email.server.host"`
	Port             int           `env:"email.server.port"`
	Username         string        `env:"email.server.username"`
	Password         string        `env:"email.server.password"`
	Protocol         string        `env:"email.protocol" envDefault:"imap"`
	ProtocolPort     int           `env:"email.protocol.port"`
	SSLEnable        bool          `env:"email.ssl.enable" envDefault:"false"`
	SSLTrust         string        `env:"email.ssl.trust"`
	SSLTrustPassword string        `env:"email.ssl.trust.password"`
	Folder           string        `env:"email.folder" envDefault:"INBOX"`
	Selection        string        `env:"email.selection" envDefault:"last"`
	ConnectTimeout   time.Duration `env:"email.timeout.connect" envDefault:"30s"`
	CommandTimeout   time.Duration `env:"email.timeout.command" envDefault:"60s"`
}

// GraphSettings configures the Microsoft Graph backend. Only AccessToken,
// Endpoint and Timeout take part in a fetch; the app registration fields are
// carried for completeness.
type GraphSettings struct {
	ClientID     string        `env:"graph.clientId"`
	ClientSecret string        `env:"graph.clientSecret"`
	TenantID     string        `env:"graph.tenantId"`
	Authority    string        `env:"graph.authority"`
	RedirectURI  string        `env:"graph.redirectUri"`
	Scope        string        `env:"graph.scope"`
	AccessToken  string        `env:"graph.accessToken"`
	Endpoint     string        `env:"graph.endpoint" envDefault:"https://graph.microsoft.com/v1.0"`
	Timeout      time.Duration `env:"graph.timeout" envDefault:"30s"`
}

type StorageSettings struct {
	FilePath string `env:"storage.file.path"`
	S3       *S3Settings
}

type S3Settings struct {
	Endpoint string `env:"storage.s3.endpoint"`
	Region   string `env:"storage.s3.region"`
	Bucket   string `env:"storage.s3.bucket"`
	Key      string `env:"storage.s3.key"`
	Secret   string `env:"storage.s3.secret"`
	Prefix   string `env:"storage.s3.prefix" envDefault:"mailpeek/"`
}

type TelemetrySettings struct {
	Enabled  bool   `env:"telemetry.enabled" envDefault:"false"`
	Exporter string `env:"telemetry.exporter" envDefault:"otlp"`
	Endpoint string `env:"telemetry.endpoint"`
	DSN      string `env:"telemetry.dsn"`
	Insecure bool   `env:"telemetry.insecure" envDefault:"false"`
}

// Load reads a properties file (key=value or key: value, # comments) and
// decodes it into Settings. Environment variables named after a key
// (email.server.password -> EMAIL_SERVER_PASSWORD) take precedence.
func Load(path string) (*Settings, error) {
	props, err := godotenv.Read(path)
	if err != nil {
		return nil, &Error{Err: errors.Wrapf(err, "read %s", path)}
	}
	return FromMap(props)
}

// FromMap decodes already parsed properties.
func FromMap(props map[string]string) (*Settings, error) {
	values := make(map[string]string, len(props))
	for key, value := range props {
		values[key] = strings.TrimSpace(value)
	}
	for _, key := range Keys() {
		if value, ok := os.LookupEnv(EnvName(key)); ok {
			values[key] = value
		}
	}

	settings := &Settings{
		Mailbox:   &MailboxSettings{},
		Graph:     &GraphSettings{},
		Storage:   &StorageSettings{S3: &S3Settings{}},
		Telemetry: &TelemetrySettings{},
	}
	if err := env.Parse(settings, env.Options{Environment: values}); err != nil {
		return nil, &Error{Err: err}
	}

	settings.Mailbox.Protocol = strings.ToLower(settings.Mailbox.Protocol)
	settings.Mailbox.Selection = strings.ToLower(settings.Mailbox.Selection)
	settings.Telemetry.Exporter = strings.ToLower(settings.Telemetry.Exporter)

	return settings, nil
}

// Keys lists every recognised property key.
func Keys() []string {
	return collectKeys(reflect.TypeOf(Settings{}))
}

// EnvName returns the environment variable that overrides key.
func EnvName(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func collectKeys(t reflect.Type) []string {
	keys := []string{}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldType := field.Type
		if fieldType.Kind() == reflect.Ptr {
			fieldType = fieldType.Elem()
		}
		if tag := field.Tag.Get("env"); tag != "" {
			keys = append(keys, strings.Split(tag, ",")[0])
			continue
		}
		if fieldType.Kind() == reflect.Struct {
			keys = append(keys, collectKeys(fieldType)...)
		}
	}
	return keys
}

// Validate checks the settings needed to open the mail store.
func (m *MailboxSettings) Validate() error {
	if err := require(
		requirement{"email.server.host", m.Host},
		requirement{"email.server.username", m.Username},
		requirement{"email.server.password", m.Password},
	); err != nil {
		return err
	}

	switch m.Protocol {
	case ProtocolIMAP, ProtocolIMAPS:
	default:
		return &Error{
			Keys: []string{"email.protocol"},
			Err:  fmt.Errorf("unsupported email.protocol %q (want %s or %s)", m.Protocol, ProtocolIMAP, ProtocolIMAPS),
		}
	}

	switch m.Selection {
	case SelectionLast, SelectionOldestSent:
	default:
		return &Error{
			Keys: []string{"email.selection"},
			Err:  fmt.Errorf("unsupported email.selection %q (want %s or %s)", m.Selection, SelectionLast, SelectionOldestSent),
		}
	}

	if m.StorePort() <= 0 || m.StorePort() > 65535 {
		return &Error{
			Keys: []string{"email.protocol.port"},
			Err:  fmt.Errorf("invalid port %d", m.StorePort()),
		}
	}

	return nil
}

// ImplicitTLS reports whether the connection is TLS from the first byte.
func (m *MailboxSettings) ImplicitTLS() bool {
	return m.SSLEnable || m.Protocol == ProtocolIMAPS
}

// StorePort is the protocol port, then the server port, then the IANA default.
func (m *MailboxSettings) StorePort() int {
	if m.ProtocolPort != 0 {
		return m.ProtocolPort
	}
	if m.Port != 0 {
		return m.Port
	}
	if m.ImplicitTLS() {
		return 993
	}
	return 143
}

func (g *GraphSettings) Validate() error {
	return require(
		requirement{"graph.accessToken", g.AccessToken},
		requirement{"graph.endpoint", g.Endpoint},
	)
}

// Enabled is true once a bucket is configured.
func (s *S3Settings) Enabled() bool {
	return strings.TrimSpace(s.Bucket) != ""
}

func (s *S3Settings) Validate() error {
	if !s.Enabled() {
		return nil
	}
	if err := require(requirement{"storage.s3.region", s.Region}); err != nil {
		return err
	}
	if (s.Key == "") != (s.Secret == "") {
		return &Error{
			Keys: []string{"storage.s3.key", "storage.s3.secret"},
			Err:  errors.New("storage.s3.key and storage.s3.secret must be set together"),
		}
	}
	return nil
}

func (t *TelemetrySettings) Validate() error {
	if !t.Enabled {
		return nil
	}
	switch t.Exporter {
	case ExporterOTLP:
		return require(requirement{"telemetry.endpoint", t.Endpoint})
	case ExporterStdout:
		return nil
	default:
		return &Error{
			Keys: []string{"telemetry.exporter"},
			Err:  fmt.Errorf("unsupported telemetry.exporter %q", t.Exporter),
		}
	}
}

// Validate checks every section.
func (s *Settings) Validate() error {
	validators := []func() error{
		s.Mailbox.Validate,
		s.Graph.Validate,
		s.Storage.S3.Validate,
		s.Telemetry.Validate,
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return err
		}
	}
	return nil
}

// Summary returns a redacted overview for check-config runs.
func Summary(s *Settings) string {
	s3Status := "disabled"
	if s.Storage.S3.Enabled() {
		s3Status = fmt.Sprintf("s3://%s/%s", s.Storage.S3.Bucket, s.Storage.S3.Prefix)
	}
	telemetryStatus := "disabled"
	if s.Telemetry.Enabled {
		telemetryStatus = s.Telemetry.Exporter
	}
	return fmt.Sprintf(
		"Config summary\n"+
			"- mail store: %s://%s:%d (tls: %t, folder: %s, selection: %s)\n"+
			"- mail user: %s\n"+
			"- graph endpoint: %s (token: %s)\n"+
			"- file storage: %s\n"+
			"- s3 storage: %s\n"+
			"- telemetry: %s",
		s.Mailbox.Protocol, s.Mailbox.Host, s.Mailbox.StorePort(), s.Mailbox.ImplicitTLS(), s.Mailbox.Folder, s.Mailbox.Selection,
		defaultIfEmpty(s.Mailbox.Username, "(not set)"),
		s.Graph.Endpoint, redact(s.Graph.AccessToken),
		defaultIfEmpty(s.Storage.FilePath, "(not set)"),
		s3Status,
		telemetryStatus,
	)
}

type requirement struct {
	key   string
	value string
}

func require(reqs ...requirement) error {
	missing := []string{}
	for _, req := range reqs {
		if strings.TrimSpace(req.value) == "" {
			missing = append(missing, req.key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &Error{
		Keys: missing,
		Err:  fmt.Errorf("missing required settings: %s", strings.Join(missing, ", ")),
	}
}

func redact(value string) string {
	if value == "" {
		return "(not set)"
	}
	return "(set)"
}

func defaultIfEmpty(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
