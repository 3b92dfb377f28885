package persona

import (
	"strings"
	"sync"
	"testing"
	"testing/fstest"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := NewCatalog(
		[]IdentityModule{
			{Name: "core", Content: "You are Synthia, a helpful AI assistant.", Active: true},
			{Name: "style", Content: "Answer briefly.", Active: true},
			{Name: "retired", Content: "Speak like a pirate.", Active: false},
		},
		[]Trait{
			{Name: "humor", High: "Use jokes and wordplay.", Low: "Keep a serious tone."},
			{Name: "formality"},
		},
		[]Mode{
			{Key: "assistant", Name: "Assistant", Modules: []string{"core", "style"}, Default: true},
			{Key: "jester", Name: "Jester", Modules: []string{"style", "core", "retired"},
				Traits: map[string]int{"humor": 9, "formality": 5}, Model: "gpt-4o-mini"},
			{Key: "butler", Name: "Butler", Modules: []string{"core"},
				Traits: map[string]int{"humor": 0, "formality": 8}},
		},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

func TestCompose_ModulesInConfiguredOrder(t *testing.T) {
	c := testCatalog(t)

	got := c.Prompt(c.Default())
	want := "You are Synthia, a helpful AI assistant.\n\nAnswer briefly."
	if got != want {
		t.Errorf("Prompt(default) = %q, want %q", got, want)
	}

	jester, _ := c.Mode("jester")
	got = c.Prompt(jester)
	if !strings.HasPrefix(got, "Answer briefly.\n\nYou are Synthia") {
		t.Errorf("jester prompt should follow mode module order, got %q", got)
	}
	if strings.Contains(got, "pirate") {
		t.Error("inactive module must be skipped")
	}
}

func TestCompose_TraitIntensity(t *testing.T) {
	c := testCatalog(t)

	jester, _ := c.Mode("jester")
	got := c.Prompt(jester)
	if !strings.Contains(got, "- humor (9/10): strongly above neutral. Use jokes and wordplay.") {
		t.Errorf("missing humor line in %q", got)
	}
	if strings.Contains(got, "formality") {
		t.Error("neutral trait must not produce a line")
	}

	butler, _ := c.Mode("butler")
	got = c.Prompt(butler)
	wantLines := []string{
		"- formality (8/10): noticeably above neutral.",
		"- humor (0/10): extremely below neutral. Keep a serious tone.",
	}
	idx := strings.Index(got, "Personality adjustments:\n")
	if idx < 0 {
		t.Fatalf("no adjustments block in %q", got)
	}
	lines := strings.Split(got[idx+len("Personality adjustments:\n"):], "\n")
	if len(lines) != len(wantLines) {
		t.Fatalf("lines = %q, want %q", lines, wantLines)
	}
	for i := range wantLines {
		if lines[i] != wantLines[i] {
			t.Errorf("line %d = %q, want %q", i, lines[i], wantLines[i])
		}
	}
}

func TestCompose_Pure(t *testing.T) {
	c := testCatalog(t)
	butler, _ := c.Mode("butler")

	first := c.Prompt(butler)
	for i := 0; i < 50; i++ {
		if got := c.Prompt(butler); got != first {
			t.Fatalf("Prompt not deterministic on call %d:\n%q\nvs\n%q", i, got, first)
		}
	}
}

func TestCompose_EmptyMode(t *testing.T) {
	if got := Compose(Mode{Key: "blank"}, nil, nil); got != "" {
		t.Errorf("Compose(blank) = %q, want empty", got)
	}
}

func TestNewCatalog_Validation(t *testing.T) {
	mods := []IdentityModule{{Name: "core", Active: true}}
	traits := []Trait{{Name: "humor"}}

	tests := []struct {
		name    string
		modes   []Mode
		wantErr string
	}{
		{"no default", []Mode{{Key: "a"}}, "no default mode"},
		{"two defaults", []Mode{{Key: "a", Default: true}, {Key: "b", Default: true}}, "multiple default modes: a, b"},
		{"unknown module", []Mode{{Key: "a", Default: true, Modules: []string{"ghost"}}}, "unknown identity module"},
		{"unknown trait", []Mode{{Key: "a", Default: true, Traits: map[string]int{"wit": 3}}}, "unknown trait"},
		{"trait range", []Mode{{Key: "a", Default: true, Traits: map[string]int{"humor": 11}}}, "outside [0,10]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCatalog(mods, traits, tt.modes)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestCatalog_Resolve(t *testing.T) {
	c := testCatalog(t)
	if got := c.Resolve("").Key; got != "assistant" {
		t.Errorf("Resolve(\"\") = %q, want assistant", got)
	}
	if got := c.Resolve("butler").Key; got != "butler" {
		t.Errorf("Resolve(butler) = %q", got)
	}
	if got := c.Resolve("deleted").Key; got != "assistant" {
		t.Errorf("Resolve(deleted) = %q, want default", got)
	}
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r := NewRegistry(testCatalog(t))

	snap := r.Snapshot()
	if err := r.SetDefault("jester"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}

	if got := snap.Default().Key; got != "assistant" {
		t.Errorf("old snapshot default = %q, want assistant", got)
	}
	if got := r.Snapshot().Default().Key; got != "jester" {
		t.Errorf("new snapshot default = %q, want jester", got)
	}
	if d, _ := r.Snapshot().Mode("assistant"); d.Default {
		t.Error("previous default still flagged")
	}

	if err := r.SetDefault("nope"); err == nil {
		t.Error("SetDefault(unknown) should fail")
	}
}

func TestRegistry_ConcurrentSwitch(t *testing.T) {
	r := NewRegistry(testCatalog(t))
	keys := []string{"assistant", "jester", "butler"}

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			r.SetDefault(keys[i%len(keys)])
		}(i)
		go func() {
			defer wg.Done()
			snap := r.Snapshot()
			defaults := 0
			for _, m := range snap.Modes() {
				if m.Default {
					defaults++
				}
			}
			if defaults != 1 {
				t.Errorf("snapshot has %d defaults", defaults)
			}
		}()
	}
	wg.Wait()
}

func TestLoadFS(t *testing.T) {
	fsys := fstest.MapFS{
		"personas.yaml": {Data: []byte(`
modules:
  - name: sign_off
    content: End with a short summary.
  - name: shouting
    content: WRITE IN CAPITALS.
    active: false
traits:
  - name: humor
    high: Crack jokes.
modes:
  - key: assistant
    name: Assistant
    default: true
    modules: [core, tone, sign_off, shouting]
    traits:
      humor: 7
`)},
		"identity/core.md": {Data: []byte("You are Synthia.\n")},
		"identity/tone.md": {Data: []byte("---\ncategory: style\n---\nBe warm.\n")},
		"identity/old.md":  {Data: []byte("---\nactive: false\n---\nBe cold.\n")},
	}

	c, err := LoadFS(fsys, "personas.yaml", "identity")
	if err != nil {
		t.Fatalf("LoadFS: %v", err)
	}
	got := c.Prompt(c.Default())
	want := "You are Synthia.\n\nBe warm.\n\nEnd with a short summary.\n\nPersonality adjustments:\n- humor (7/10): moderately above neutral. Crack jokes."
	if got != want {
		t.Errorf("prompt = %q\nwant %q", got, want)
	}
	if c.modules["tone"].Category != "style" {
		t.Errorf("category = %q, want style", c.modules["tone"].Category)
	}
	if c.modules["old"].Active {
		t.Error("old module should be inactive")
	}
	if !c.modules["sign_off"].Active {
		t.Error("inline module without an active key should be active")
	}
	if c.modules["shouting"].Active {
		t.Error("shouting module should be inactive")
	}
}

func TestSplitFrontmatter(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantFront string
		wantBody  string
		wantOK    bool
	}{
		{"none", "plain text", "", "plain text", false},
		{"basic", "---\ncategory: core\n---\nbody", "category: core", "body", true},
		{"crlf", "---\r\nactive: true\r\n---\r\nbody", "active: true", "body", true},
		{"unterminated", "---\ncategory: x\nbody", "", "---\ncategory: x\nbody", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			front, body, ok := splitFrontmatter(tt.raw)
			if front != tt.wantFront || body != tt.wantBody || ok != tt.wantOK {
				t.Errorf("got (%q, %q, %v), want (%q, %q, %v)", front, body, ok, tt.wantFront, tt.wantBody, tt.wantOK)
			}
		})
	}
}
