package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stellarlinkco/mindmesh/internal/config"
	"github.com/stellarlinkco/mindmesh/internal/gateway"
	"github.com/stellarlinkco/mindmesh/internal/llm"
	"github.com/stellarlinkco/mindmesh/internal/llm/llmtest"
	"github.com/stellarlinkco/mindmesh/internal/metrics"
)

const (
	routerReply = `{"has_signal":true,"confidence":"high","experts":["mood_stress"],"signal_type":"stress","rationale":"work pressure"}`
	moodReply   = `{"depression":0.3,"anxiety":0.6,"stress":0.8,"mood":"tense","confidence":0.8,"evidence":["deadline"],"plain_insight":"Under deadline pressure."}`
	synthReply  = `{"summary":"Work stress around a deadline.","risks":["burnout"],"strengths":["planning"],"focus_for_reply":"acknowledge the pressure","confidence":0.7}`
)

// setupEnv isolates HOME and the MINDMESH_* environment and resets the
// command flags.
func setupEnv(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, key := range []string{
		"MINDMESH_API_KEY", "ANTHROPIC_API_KEY", "ANTHROPIC_AUTH_TOKEN", "OPENAI_API_KEY",
		"MINDMESH_PROVIDER", "MINDMESH_BASE_URL", "ANTHROPIC_BASE_URL", "MINDMESH_MODEL",
		"MINDMESH_MAX_TOKENS", "MINDMESH_EXPERT_TIMEOUT", "MINDMESH_MAX_CONCURRENCY",
		"MINDMESH_SYNTHESIS", "MINDMESH_SESSION_IDLE_TTL", "MINDMESH_RATE_LIMIT",
		"MINDMESH_METRICS_ENABLED", "MINDMESH_METRICS_ADDR", "MINDMESH_LOG_LEVEL", "MINDMESH_TAXONOMY",
	} {
		t.Setenv(key, "")
	}
	t.Setenv("MINDMESH_LOG_LEVEL", "error")

	configFlag, messageFlag, sessionFlag, jsonFlag, metricsAddrFlag = "", "", "cli", false, ""
	t.Cleanup(func() {
		configFlag, messageFlag, sessionFlag, jsonFlag, metricsAddrFlag = "", "", "cli", false, ""
	})
	return home
}

func scriptedFactory(gen *llmtest.Scripted) GeneratorFactory {
	return func(*config.Config) (llm.Generator, error) { return gen, nil }
}

func stressScript() *llmtest.Scripted {
	return llmtest.New().
		Reply("router", routerReply).
		Reply("expert:mood_stress", moodReply).
		Reply("synth", synthReply)
}

func TestDefaultGeneratorFactory_NoAPIKey(t *testing.T) {
	cfg := config.DefaultConfig()
	if _, err := DefaultGeneratorFactory(cfg); err == nil {
		t.Fatal("expected error without API key")
	}

	cfg.Provider.Type = "http"
	cfg.Provider.BaseURL = "http://localhost:8080/v1"
	if _, err := DefaultGeneratorFactory(cfg); err != nil {
		t.Fatalf("http provider without key: %v", err)
	}
}

func TestRunAnalyze_RequiresMessage(t *testing.T) {
	setupEnv(t)
	err := runAnalyzeWithOptions(context.Background(), AppOptions{GeneratorFactory: scriptedFactory(stressScript())})
	if err == nil || !strings.Contains(err.Error(), "message is required") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunAnalyze_Text(t *testing.T) {
	setupEnv(t)
	messageFlag = "The deadline is tomorrow and I haven't slept"

	var stdout bytes.Buffer
	err := runAnalyzeWithOptions(context.Background(), AppOptions{
		GeneratorFactory: scriptedFactory(stressScript()),
		Stdout:           &stdout,
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"Session cli", "mood_stress", "Under deadline pressure.", "burnout"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunAnalyze_JSON(t *testing.T) {
	setupEnv(t)
	messageFlag = "The deadline is tomorrow and I haven't slept"
	sessionFlag = "s-42"
	jsonFlag = true

	var stdout bytes.Buffer
	err := runAnalyzeWithOptions(context.Background(), AppOptions{
		GeneratorFactory: scriptedFactory(stressScript()),
		Stdout:           &stdout,
	})
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, stdout.String())
	}
	if decoded["session_id"] != "s-42" {
		t.Errorf("session_id = %v", decoded["session_id"])
	}
}

func TestRunAnalyze_NoSignal(t *testing.T) {
	setupEnv(t)
	messageFlag = "hey"
	gen := llmtest.New()

	var stdout bytes.Buffer
	if err := runAnalyzeWithOptions(context.Background(), AppOptions{GeneratorFactory: scriptedFactory(gen), Stdout: &stdout}); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(stdout.String()) != gateway.NoSignal {
		t.Errorf("output = %q", stdout.String())
	}
	if len(gen.Calls()) != 0 {
		t.Errorf("unexpected generator calls: %d", len(gen.Calls()))
	}
}

func TestRunRepl(t *testing.T) {
	setupEnv(t)
	gen := stressScript()

	var stdout bytes.Buffer
	err := runReplWithOptions(context.Background(), AppOptions{
		GeneratorFactory: scriptedFactory(gen),
		Stdin:            strings.NewReader("hey\n\nThe deadline is tomorrow\n/reset\nexit\nnever read\n"),
		Stdout:           &stdout,
		Stderr:           &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("repl: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{gateway.NoSignal, "Under deadline pressure.", "conversation reset"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if gen.CallsFor("router") != 1 {
		t.Errorf("router calls = %d, want 1", gen.CallsFor("router"))
	}
}

func TestRunRepl_GeneratorError(t *testing.T) {
	setupEnv(t)
	err := runReplWithOptions(context.Background(), AppOptions{Stdin: strings.NewReader("exit\n")})
	if err == nil || !strings.Contains(err.Error(), "API key not set") {
		t.Fatalf("err = %v", err)
	}
}

func TestMetricsMux(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.MustNewMetrics(reg)
	m.IncSynthFailure()

	rec := httptest.NewRecorder()
	metricsMux(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "mindmesh_synth_failures_total 1") {
		t.Errorf("metrics body missing synth failure counter:\n%s", rec.Body.String())
	}
}

func TestRunOnboard(t *testing.T) {
	setupEnv(t)

	var out bytes.Buffer
	if err := runOnboard(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Created config") {
		t.Errorf("first run output: %s", out.String())
	}
	if _, err := os.Stat(config.ConfigPath()); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	out.Reset()
	if err := runOnboard(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Config already exists") {
		t.Errorf("second run output: %s", out.String())
	}
}

func TestRunStatus(t *testing.T) {
	setupEnv(t)
	t.Setenv("MINDMESH_API_KEY", "sk-abcdefghijkl")

	var out bytes.Buffer
	if err := runStatus(&out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"API Key: sk-a...ijkl", "Provider: anthropic (default)", "Panel: 11 experts (embedded)"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status missing %q:\n%s", want, out.String())
		}
	}
}

func TestRunStatus_BadTaxonomy(t *testing.T) {
	setupEnv(t)
	t.Setenv("MINDMESH_TAXONOMY", "/does/not/exist.yaml")

	var out bytes.Buffer
	if err := runStatus(&out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Taxonomy: error") {
		t.Errorf("status output:\n%s", out.String())
	}
}

func TestRunPanel(t *testing.T) {
	setupEnv(t)

	var out bytes.Buffer
	if err := runPanel(&out); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(out.String(), "\n")
	var motivation string
	for _, l := range lines {
		if strings.HasPrefix(l, "motivation_type") {
			motivation = l
		}
	}
	if !strings.Contains(motivation, "min 0.20 +evidence") {
		t.Errorf("motivation_type line = %q", motivation)
	}
	if !strings.HasPrefix(lines[0], "big_five") {
		t.Errorf("panel should start with big_five, got %q", lines[0])
	}
}

func TestMaskKey(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", "not set"},
		{"short", "set"},
		{"sk-1234567890", "sk-1...7890"},
	}
	for _, tt := range tests {
		if got := maskKey(tt.key); got != tt.want {
			t.Errorf("maskKey(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProviderDisplay(t *testing.T) {
	if providerDisplay("") != "anthropic (default)" {
		t.Error("empty provider should display the default")
	}
	if providerDisplay("openai") != "openai" {
		t.Error("explicit provider should display as-is")
	}
}
