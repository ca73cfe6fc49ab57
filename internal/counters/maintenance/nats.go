// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultSubject is the NATS subject counterd listens on for sweep requests.
const DefaultSubject = "shardcounter.maintenance.sweep"

// SubscribeNATS runs a sweep for every message on subject. Requests with a
// reply subject get the JSON-encoded Report back.
func SubscribeNATS(nc *nats.Conn, subject string, w *Worker) (*nats.Subscription, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	sub, err := nc.Subscribe(subject, func(m *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		defer cancel()
		rep := w.RunOnce(ctx)
		if m.Reply == "" {
			return
		}
		body, err := json.Marshal(rep)
		if err != nil {
			w.log.Error("encoding sweep report", "err", err)
			return
		}
		if err := m.Respond(body); err != nil {
			w.log.Warn("replying to sweep request", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
