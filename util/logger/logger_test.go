package logger

import (
	"bytes"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
)

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{FATAL, "FATAL"},
		{LogLevel(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("LogLevel.String() = %s; want %s", got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", DEBUG, false},
		{"INFO", INFO, false},
		{"", INFO, false},
		{" warning ", WARN, false},
		{"Error", ERROR, false},
		{"fatal", FATAL, false},
		{"verbose", INFO, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("")
	l.logger = log.New(&buf, "", 0)
	l.SetLevel(DEBUG)

	l.Debugf("debug msg")
	l.Infof("info msg")
	l.Warnf("warn msg")
	l.Errorf("error msg")

	logs := buf.String()
	for _, msg := range []string{"debug msg", "info msg", "warn msg", "error msg"} {
		if !strings.Contains(logs, msg) {
			t.Errorf("Expected log to contain %q", msg)
		}
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("")
	l.SetOutput(&buf)
	l.SetLevel(WARN)

	l.Debugf("debug msg")
	l.Infof("info msg")
	l.Warnf("warn msg")

	logs := buf.String()
	if strings.Contains(logs, "debug msg") || strings.Contains(logs, "info msg") {
		t.Errorf("Unexpected log entries at level WARN")
	}
	if !strings.Contains(logs, "warn msg") {
		t.Errorf("Expected WARN log to be present")
	}
}

func TestNamedLogger(t *testing.T) {
	var buf bytes.Buffer
	parent := NewLogger("Admin")
	parent.SetOutput(&buf)
	parent.SetLevel(DEBUG)

	child := parent.Named("Dispatcher")
	if got := child.Prefix(); got != "Admin/Dispatcher" {
		t.Fatalf("Prefix() = %q; want %q", got, "Admin/Dispatcher")
	}
	if child.GetLevel() != DEBUG {
		t.Errorf("Expected child to inherit DEBUG level, got %v", child.GetLevel())
	}

	child.Debugf("hello %d", 1)
	if !strings.Contains(buf.String(), "[DEBUG] [Admin/Dispatcher] hello 1") {
		t.Errorf("Unexpected output: %s", buf.String())
	}
}

func TestDefaultLevelAndOutput(t *testing.T) {
	var buf bytes.Buffer
	SetDefaultLevel(ERROR)
	SetDefaultOutput(&buf)
	defer func() {
		SetDefaultLevel(INFO)
		SetDefaultOutput(nil)
	}()

	l := NewLogger("defaults")
	if l.GetLevel() != ERROR {
		t.Fatalf("Expected default level ERROR, got %v", l.GetLevel())
	}
	l.Warnf("dropped")
	l.Errorf("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") || !strings.Contains(out, "kept") {
		t.Errorf("Unexpected output: %s", out)
	}
}

func TestConcurrentLevelChanges(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("race")
	l.SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.SetLevel(LogLevel((id + j) % 4))
				l.Debugf("message %d", j)
			}
		}(i)
	}
	wg.Wait()
}

func TestFatalf(t *testing.T) {
	if os.Getenv("TEST_FATAL") == "1" {
		l := NewLogger("test")
		l.Fatalf("fatal error occurred")
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFatalf")
	cmd.Env = append(os.Environ(), "TEST_FATAL=1")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Stdout = &stderr

	err := cmd.Run()

	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() != 1 {
		t.Errorf("Expected exit code 1, got %v", err)
	}

	output := stderr.String()
	if !strings.Contains(output, "fatal error occurred") || !strings.Contains(output, "goroutine") {
		t.Errorf("Fatalf did not log expected output or stack trace:\n%s", output)
	}
}
