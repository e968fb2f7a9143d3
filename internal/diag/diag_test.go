package diag

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/zot/modns/internal/config"
)

type countingSink struct {
	traces, warns, fatals int
}

func (c *countingSink) Trace(string, ...any) { c.traces++ }
func (c *countingSink) Warn(string, ...any)  { c.warns++ }
func (c *countingSink) Fatal(error)          { c.fatals++ }

func TestNewEventFields(t *testing.T) {
	ev := NewEvent(LevelTrace, "requiring", "module", "time", "dangling")
	if ev.Fields["module"] != "time" {
		t.Errorf("module field = %v", ev.Fields["module"])
	}
	if v, ok := ev.Fields["dangling"]; !ok || v != nil {
		t.Errorf("dangling key should map to nil, got %v, %v", v, ok)
	}
	if NewEvent(LevelWarn, "plain").Fields != nil {
		t.Error("no keyvals should leave Fields nil")
	}
}

func TestLoggerWritesStructuredOutput(t *testing.T) {
	var buf bytes.Buffer
	l := log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	d := NewLogger(l)

	d.Trace("requiring", "module", "comp")
	d.Fatal(errors.New("comp/comp.lua: syntax error"))

	out := buf.String()
	if !strings.Contains(out, "requiring") || !strings.Contains(out, "module=comp") {
		t.Errorf("trace output = %q", out)
	}
	if !strings.Contains(out, "syntax error") {
		t.Errorf("fatal output = %q", out)
	}
}

func TestMultiFansOut(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	m := Multi{a, b}
	m.Trace("t")
	m.Warn("w")
	m.Fatal(errors.New("f"))
	for _, s := range []*countingSink{a, b} {
		if s.traces != 1 || s.warns != 1 || s.fatals != 1 {
			t.Errorf("sink = %+v", *s)
		}
	}
}

func TestHubReplaysHistoryAndStreams(t *testing.T) {
	cfg := config.DefaultConfig()
	hub := NewHub(cfg)
	defer hub.Close()

	hub.Fatal(errors.New("error in requiring layer"))

	srv := httptest.NewServer(hub)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if ev.Level != LevelFatal || !strings.Contains(ev.Message, "layer") {
		t.Errorf("history event = %+v", ev)
	}

	// The client is registered once its history arrived.
	hub.Warn("dependency failed", "module", "comp")
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read live event failed: %v", err)
	}
	if ev.Level != LevelWarn || ev.Fields["module"] != "comp" {
		t.Errorf("live event = %+v", ev)
	}
}

func TestHubHistoryIsBounded(t *testing.T) {
	hub := NewHub(config.DefaultConfig())
	for i := 0; i < historySize+10; i++ {
		hub.Trace("tick", "i", i)
	}
	history := hub.History()
	if len(history) != historySize {
		t.Fatalf("history length = %d, want %d", len(history), historySize)
	}
	data, _ := json.Marshal(history[0].Fields)
	if string(data) != `{"i":10}` {
		t.Errorf("oldest retained event = %s", data)
	}
}
