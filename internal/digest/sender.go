// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package digest

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// ErrNotConfigured means no SMTP relay address is set.
var ErrNotConfigured = errors.New("smtp relay not configured")

// SMTPSender delivers messages through an SMTP relay over STARTTLS,
// authenticating with SASL PLAIN when credentials are set.
type SMTPSender struct {
	addr      string
	auth      sasl.Client
	tlsConfig *tls.Config
}

func NewSMTPSender(addr, username, password string) *SMTPSender {
	s := &SMTPSender{addr: addr}
	if username != "" || password != "" {
		s.auth = sasl.NewPlainClient("", username, password)
	}
	return s
}

// WithTLSConfig sets the TLS configuration used for the STARTTLS upgrade.
// A nil config verifies the relay against the system roots.
func (s *SMTPSender) WithTLSConfig(cfg *tls.Config) *SMTPSender {
	s.tlsConfig = cfg
	return s
}

// Send delivers msg to every address in to. The relay must offer STARTTLS;
// the connection is upgraded before authenticating.
func (s *SMTPSender) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if s.addr == "" {
		return ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c, err := smtp.DialStartTLS(s.addr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", s.addr, err)
	}
	defer c.Close()

	if s.auth != nil {
		if err := c.Auth(s.auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return fmt.Errorf("smtp send via %s: %w", s.addr, err)
	}
	return c.Quit()
}
