// Package summary holds the normalized, header-level view of a message that
// every backend produces.
package summary

import (
	"strings"
	"time"
)

// SentDateLayout renders timestamps as "Tue Mar 05 09:15:00 UTC 2024".
const SentDateLayout = "Mon Jan 02 15:04:05 MST 2006"

// EmailSummary is an immutable snapshot of a message's From, To, Subject and
// sent date.
type EmailSummary struct {
	from     []string
	to       []string
	subject  string
	sentDate time.Time
}

// New copies the address slices so later changes by the caller do not leak in.
func New(from, to []string, subject string, sentDate time.Time) EmailSummary {
	return EmailSummary{
		from:     append([]string(nil), from...),
		to:       append([]string(nil), to...),
		subject:  subject,
		sentDate: sentDate,
	}
}

func (s EmailSummary) From() []string {
	return append([]string(nil), s.from...)
}

func (s EmailSummary) To() []string {
	return append([]string(nil), s.to...)
}

func (s EmailSummary) Subject() string {
	return s.subject
}

func (s EmailSummary) SentDate() time.Time {
	return s.sentDate
}

// String renders the four labeled lines.
func (s EmailSummary) String() string {
	var b strings.Builder
	b.WriteString("From: ")
	b.WriteString(strings.Join(s.from, ", "))
	b.WriteString("\nTo: ")
	b.WriteString(strings.Join(s.to, ", "))
	b.WriteString("\nSubject: ")
	b.WriteString(s.subject)
	b.WriteString("\nSent Date: ")
	b.WriteString(s.sentDate.Format(SentDateLayout))
	return b.String()
}

// FormatAddress renders "Name <addr>" or just "addr" when there is no name.
func FormatAddress(name, address string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return address
	}
	return name + " <" + address + ">"
}

// Outcome is the result of a successful fetch: either a summary was found or
// the mailbox had no unread message. Failures travel as errors next to it.
type Outcome struct {
	summary *EmailSummary
}

func Found(s EmailSummary) Outcome {
	return Outcome{summary: &s}
}

func NotFound() Outcome {
	return Outcome{}
}

func (o Outcome) IsFound() bool {
	return o.summary != nil
}

func (o Outcome) Summary() (EmailSummary, bool) {
	if o.summary == nil {
		return EmailSummary{}, false
	}
	return *o.summary, true
}

// String is the rendered summary, or "" when nothing was found.
func (o Outcome) String() string {
	if o.summary == nil {
		return ""
	}
	return o.summary.String()
}
