// Package mailer delivers signup credentials over SMTP.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

type Options struct {
	// Addr is host:port of the SMTP relay.
	Addr     string
	Username string
	Password string
	From     string
}

type SMTP struct {
	addr     string
	from     string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(opts Options) *SMTP {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:25"
	}
	var auth smtp.Auth
	if opts.Username != "" {
		host := addr
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		auth = smtp.PlainAuth("", opts.Username, opts.Password, host)
	}
	return &SMTP{
		addr:     addr,
		from:     strings.TrimSpace(opts.From),
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

func (m *SMTP) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n",
		m.from, to, subject, htmlBody)
	if err := m.sendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}
