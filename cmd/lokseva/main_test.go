package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/lokseva/internal/app"
	"github.com/ent0n29/lokseva/internal/config"
	"github.com/ent0n29/lokseva/internal/lifecycle"
	"github.com/ent0n29/lokseva/internal/room"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func consoleEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV_FILE", t.TempDir()+"/missing.env")
	t.Setenv("PROVIDER_MODE", "mock")
	t.Setenv("LIVEKIT_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "error")
}

func TestTranscriptLine(t *testing.T) {
	cases := []struct {
		topic  string
		text   string
		want   string
		wantOK bool
	}{
		{room.TopicTranscription, `{"role":"assistant","text":"Hi there","final":true}`, "agent> Hi there", true},
		{room.TopicTranscription, `{"role":"user","text":"hello","final":true}`, "you>   hello", true},
		{room.TopicTranscription, `{"role":"assistant","text":"  "}`, "", false},
		{room.TopicChat, `{"role":"assistant","text":"Hi"}`, "", false},
		{room.TopicTranscription, `not json`, "", false},
	}
	for _, tc := range cases {
		got, ok := transcriptLine(tc.topic, tc.text)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("transcriptLine(%q, %q) = %q/%v, want %q/%v", tc.topic, tc.text, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestFeedLinesSendsChatAndHangsUp(t *testing.T) {
	local := room.NewLocalConnector(room.LocalOptions{})
	defer local.Close()
	r, err := local.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	disconnected := make(chan string, 1)
	local.OnParticipantDisconnected(func(id string) { disconnected <- id })

	feedLines(context.Background(), local, strings.NewReader("hello\n\n  how are you  \n"))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case msg := <-r.ChatMessages():
			got = append(got, msg.Text)
		case <-time.After(time.Second):
			t.Fatalf("missing chat message %d", i)
		}
	}
	if got[0] != "hello" || got[1] != "how are you" {
		t.Fatalf("chat = %v", got)
	}
	select {
	case id := <-disconnected:
		if id != "console-user" {
			t.Fatalf("disconnected = %q", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("EOF did not simulate a disconnect")
	}
}

func TestRootCommandLists(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	joined := strings.Join(names, ",")
	for _, want := range []string{"start", "dev", "console", "check"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("commands = %s, missing %s", joined, want)
		}
	}
}

func TestCheckCommandWithMockProviders(t *testing.T) {
	t.Setenv("APP_ENV_FILE", t.TempDir()+"/missing.env")
	t.Setenv("PROVIDER_MODE", "mock")
	t.Setenv("LIVEKIT_URL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("LOG_LEVEL", "error")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"check"})
	if err := root.Execute(); err != nil {
		t.Fatalf("check error = %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "providers: mock") {
		t.Fatalf("check output = %q", out.String())
	}
	if !strings.Contains(out.String(), "journal: in-memory") {
		t.Fatalf("check output = %q", out.String())
	}
}

func TestWaitStartedAfterControllerStarted(t *testing.T) {
	consoleEnv(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.MetricsNamespace = "test_wait_started"
	b, err := app.Build(context.Background(), cfg, zaptest.NewLogger(t), app.BuildOptions{
		Mode:         app.ModeConsole,
		Registry:     prometheus.NewRegistry(),
		DisableAdmin: true,
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Worker().Run(ctx) }()
	defer func() {
		cancel()
		<-errCh
		_ = b.Cleanup(context.Background())
	}()

	deadline := time.Now().Add(5 * time.Second)
	for b.Controller.State() != lifecycle.StateStarted {
		if time.Now().After(deadline) {
			t.Fatalf("controller state = %s, want started", b.Controller.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-waitStarted(b):
	case <-time.After(time.Second):
		t.Fatalf("waitStarted did not fire for an already started controller")
	}
}

func TestRunConsoleEndsAtEOF(t *testing.T) {
	consoleEnv(t)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.MetricsNamespace = "test_console"

	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runConsole(context.Background(), cfg, consoleOptions{}, strings.NewReader("hello\n"), out)
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runConsole() error = %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("console did not end after EOF; output = %q", out.String())
	}
	if !strings.Contains(out.String(), "lokseva console") {
		t.Fatalf("output = %q", out.String())
	}
}
