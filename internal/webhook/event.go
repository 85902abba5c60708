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

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/classfeed/postgen/internal/resend"
)

const TypeEmailReceived = "email.received"

var (
	// ErrMalformedEvent means the payload is not a valid event envelope.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrUnknownEvent means the envelope names an event type we do not know.
	ErrUnknownEvent = errors.New("unknown webhook event type")
)

// outboundTypes are delivery events for mail we send. They are acknowledged
// and ignored.
var outboundTypes = map[string]bool{
	"email.sent":             true,
	"email.delivered":        true,
	"email.delivery_delayed": true,
	"email.bounced":          true,
	"email.complained":       true,
	"email.opened":           true,
	"email.clicked":          true,
	"email.failed":           true,
	"email.scheduled":        true,
}

// Event is one of ReceivedEvent or OutboundEvent.
type Event interface {
	Type() string
}

// ReceivedEvent announces an inbound email.
type ReceivedEvent struct {
	EmailID string
	To      resend.Recipients
	From    string
	Subject string
}

func (ReceivedEvent) Type() string { return TypeEmailReceived }

// OutboundEvent is a delivery status event for outbound mail.
type OutboundEvent struct {
	EventType string
	EmailID   string
}

func (e OutboundEvent) Type() string { return e.EventType }

type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt json.RawMessage `json:"created_at"`
}

type receivedData struct {
	EmailID string            `json:"email_id"`
	To      resend.Recipients `json:"to"`
	From    string            `json:"from"`
	Subject string            `json:"subject"`
}

// Decode validates body into a known event. Unknown types return
// ErrUnknownEvent; anything else that does not fit returns ErrMalformedEvent.
func Decode(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch {
	case env.Type == TypeEmailReceived:
		var d receivedData
		if len(env.Data) == 0 {
			return nil, fmt.Errorf("%w: missing data", ErrMalformedEvent)
		}
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if d.EmailID == "" {
			return nil, fmt.Errorf("%w: missing email_id", ErrMalformedEvent)
		}
		return ReceivedEvent{EmailID: d.EmailID, To: d.To, From: d.From, Subject: d.Subject}, nil

	case outboundTypes[env.Type]:
		var d struct {
			EmailID string `json:"email_id"`
		}
		// Outbound payloads vary by type; only the id is kept
		_ = json.Unmarshal(env.Data, &d)
		return OutboundEvent{EventType: env.Type, EmailID: d.EmailID}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, env.Type)
	}
}
