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
	"encoding/json"
	"testing"
	"time"

	natssrv "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func runTestNATSServer(t *testing.T) *natssrv.Server {
	t.Helper()

	opts := &natssrv.Options{
		Port: -1,
	}
	s, err := natssrv.NewServer(opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	go s.Start()
	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		t.Fatalf("nats server not ready")
	}
	t.Cleanup(func() {
		s.Shutdown()
	})
	return s
}

func TestSubscribeNATS_RequestTriggersSweep(t *testing.T) {
	s := runTestNATSServer(t)
	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	e := newEngines(t)
	e.seed(t)
	w := e.worker(Config{ShrinkPasses: 10})
	sub, err := SubscribeNATS(nc, "", w)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	msg, err := nc.Request(DefaultSubject, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var rep Report
	if err := json.Unmarshal(msg.Data, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep != (Report{Shrunk: 1, Consolidated: 1, Flushed: 1}) {
		t.Fatalf("unexpected report %+v", rep)
	}
	e.check(t, 1)
}

func TestSubscribeNATS_PublishWithoutReply(t *testing.T) {
	s := runTestNATSServer(t)
	nc, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)

	rec := &sweepRecorder{}
	w := NewWorker(Config{}, WithRecorder(rec))
	if _, err := SubscribeNATS(nc, "sweeps", w); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Publish("sweeps", nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := nc.FlushTimeout(2 * time.Second); err != nil {
		t.Fatalf("flush: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for rec.sweeps.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("published message did not trigger a sweep")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
