package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/buildforge")
	if got := MustHomeFrom(ctx); got != "/buildforge" {
		t.Fatalf("MustHomeFrom: got %q", got)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("BUILDFORGE_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("BUILDFORGE_HOME", "")
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".buildforge")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

const goodPipeline = `
name: site-build
phases:
  - name: discovery
    parallel: true
    agents:
      - id: oracle
      - id: venture
        minTier: enterprise
      - id: scribe
        optional: true
        dependsOn: [oracle]
  - name: conversion
    agents:
      - id: forge
        input:
          target: landing
      - id: polish
        optional: true
        dependsOn:
          - agent: forge
            requireSuccess: true
`

func TestParsePipeline(t *testing.T) {
	t.Parallel()
	p, err := ParsePipeline([]byte(goodPipeline))
	if err != nil {
		t.Fatalf("ParsePipeline: %v", err)
	}
	if p.Name != "site-build" {
		t.Fatalf("name: got %q", p.Name)
	}
	if len(p.Phases) != 2 {
		t.Fatalf("phases: got %d, want 2", len(p.Phases))
	}
	scribe, ok := p.Phases[0].AgentByID("scribe")
	if !ok {
		t.Fatal("scribe not found")
	}
	if len(scribe.DependsOn) != 1 || scribe.DependsOn[0].Agent != "oracle" || scribe.DependsOn[0].RequireSuccess {
		t.Fatalf("scribe deps: got %+v", scribe.DependsOn)
	}
	polish, _ := p.Phases[1].AgentByID("polish")
	if len(polish.DependsOn) != 1 || !polish.DependsOn[0].RequireSuccess {
		t.Fatalf("polish deps: got %+v", polish.DependsOn)
	}
	forge, _ := p.Phases[1].AgentByID("forge")
	if forge.Input["target"] != "landing" {
		t.Fatalf("forge input: got %+v", forge.Input)
	}
}

func TestParsePipeline_schemaRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"no phases":     "name: x\nphases: []\n",
		"no agent id":   "name: x\nphases:\n  - name: a\n    agents:\n      - optional: true\n",
		"unknown field": "name: x\nbogus: true\nphases:\n  - name: a\n    agents:\n      - id: one\n",
	}
	for name, in := range cases {
		if _, err := ParsePipeline([]byte(in)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParsePipeline_semanticRejects(t *testing.T) {
	t.Parallel()
	cases := map[string]struct {
		in   string
		want string
	}{
		"unknown tier": {
			in:   "name: x\nphases:\n  - name: a\n    agents:\n      - id: one\n        minTier: platinum\n",
			want: "unknown tier",
		},
		"unknown dependency": {
			in:   "name: x\nphases:\n  - name: a\n    agents:\n      - id: one\n        dependsOn: [ghost]\n",
			want: "unknown agent",
		},
		"duplicate agent": {
			in:   "name: x\nphases:\n  - name: a\n    agents:\n      - id: one\n      - id: one\n",
			want: "duplicate agent",
		},
		"duplicate phase": {
			in:   "name: x\nphases:\n  - name: a\n    agents:\n      - id: one\n  - name: a\n    agents:\n      - id: two\n",
			want: "duplicate phase",
		},
		"self dependency": {
			in:   "name: x\nphases:\n  - name: a\n    agents:\n      - id: one\n        dependsOn: [one]\n",
			want: "depends on itself",
		},
	}
	for name, tc := range cases {
		_, err := ParsePipeline([]byte(tc.in))
		if err == nil {
			t.Errorf("%s: expected error", name)
			continue
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: got %q, want substring %q", name, err, tc.want)
		}
	}
}

func TestParsePipeline_cycleRejected(t *testing.T) {
	t.Parallel()
	in := `
name: x
phases:
  - name: a
    agents:
      - id: one
        dependsOn: [two]
      - id: two
        dependsOn: [three]
      - id: three
        dependsOn: [one]
`
	_, err := ParsePipeline([]byte(in))
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("got %q, want cycle error", err)
	}
}

func TestTopoOrder_deterministic(t *testing.T) {
	t.Parallel()
	ph := Phase{
		Name: "a",
		Agents: []Agent{
			{ID: "zeta"},
			{ID: "alpha"},
			{ID: "mid", DependsOn: []Dependency{{Agent: "zeta"}, {Agent: "alpha"}}},
			{ID: "last", DependsOn: []Dependency{{Agent: "mid"}}},
		},
	}
	want := []string{"alpha", "zeta", "mid", "last"}
	for i := 0; i < 5; i++ {
		got, err := ph.TopoOrder()
		if err != nil {
			t.Fatalf("TopoOrder: %v", err)
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("TopoOrder: got %v, want %v", got, want)
			}
		}
	}
}

func TestLoadPipeline_file(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline.yaml")
	if err := os.WriteFile(path, []byte(goodPipeline), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	p, err := LoadPipeline(path)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	if p.Name != "site-build" {
		t.Fatalf("name: got %q", p.Name)
	}
	if _, err := LoadPipeline(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDemoPipeline_valid(t *testing.T) {
	t.Parallel()
	if err := DemoPipeline().Validate(); err != nil {
		t.Fatalf("DemoPipeline: %v", err)
	}
}
