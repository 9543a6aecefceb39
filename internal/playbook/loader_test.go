package playbook

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	runtimeskills "github.com/cexll/agentsdk-go/pkg/runtime/skills"
	"github.com/stellarlinkco/leasebroker/internal/session"
)

func writePlaybook(t *testing.T, root, dir, content string) string {
	t.Helper()
	path := filepath.Join(root, dir, FileName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestLoad_Single(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	path := writePlaybook(t, root, "counter", "---\nname: counter-offer\ndescription: how to counter\nkeywords: [Offer, discount, offer]\nroles: [seeker]\n---\n# Counter\nOffer ten percent under asking.\n")

	books, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(books) != 1 {
		t.Fatalf("books = %d, want 1", len(books))
	}
	pb := books[0]
	if pb.Name != "counter-offer" || pb.Description != "how to counter" {
		t.Errorf("playbook = %+v", pb)
	}
	if strings.Join(pb.Keywords, ",") != "discount,offer" {
		t.Errorf("keywords = %v, want [discount offer]", pb.Keywords)
	}
	if pb.Body != "# Counter\nOffer ten percent under asking." {
		t.Errorf("body = %q", pb.Body)
	}
	if pb.Path != path {
		t.Errorf("path = %q, want %q", pb.Path, path)
	}
	if !pb.For(session.RoleSeeker) || pb.For(session.RoleOwner) {
		t.Error("seeker-only playbook applies to the wrong roles")
	}
}

func TestRegistration(t *testing.T) {
	t.Parallel()
	pb := Playbook{Name: "viewings", Keywords: []string{"viewing"}, Body: "Offer two slots.", Path: "/p"}
	reg := pb.Registration()

	if reg.Definition.Name != "viewings" {
		t.Errorf("name = %q", reg.Definition.Name)
	}
	if len(reg.Definition.Matchers) != 1 {
		t.Fatalf("matchers = %d, want 1", len(reg.Definition.Matchers))
	}
	if !reg.Definition.Matchers[0].Match(runtimeskills.ActivationContext{Prompt: "can we book a viewing"}).Matched {
		t.Error("keyword matcher did not match")
	}

	res, err := reg.Handler.Execute(context.Background(), runtimeskills.ActivationContext{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "Offer two slots." {
		t.Errorf("output = %v", res.Output)
	}
	if res.Metadata["source_path"] != "/p" {
		t.Errorf("metadata = %v", res.Metadata)
	}

	if got := (Playbook{Name: "any"}).Registration(); len(got.Definition.Matchers) != 0 {
		t.Error("playbook without keywords should have no matchers")
	}
}

func TestForRole(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	writePlaybook(t, root, "a", "---\nname: both\n---\nfor everyone\n")
	writePlaybook(t, root, "b", "---\nname: owner-only\nroles: [owner]\n---\nscreen tenants\n")
	writePlaybook(t, root, "c", "---\nname: seeker-only\nroles: [seeker]\n---\nask about bills\n")

	tests := []struct {
		role session.Role
		want []string
	}{
		{session.RoleSeeker, []string{"both", "seeker-only"}},
		{session.RoleOwner, []string{"both", "owner-only"}},
	}
	for _, tt := range tests {
		regs, err := ForRole(root, tt.role)
		if err != nil {
			t.Fatalf("ForRole(%s): %v", tt.role, err)
		}
		var names []string
		for _, r := range regs {
			names = append(names, r.Definition.Name)
		}
		if strings.Join(names, ",") != strings.Join(tt.want, ",") {
			t.Errorf("ForRole(%s) = %v, want %v", tt.role, names, tt.want)
		}
	}
}

func TestLoad_MissingOrEmpty(t *testing.T) {
	t.Parallel()
	for _, dir := range []string{"", "  ", filepath.Join(t.TempDir(), "absent")} {
		books, err := Load(dir)
		if err != nil || books != nil {
			t.Errorf("Load(%q) = %v, %v", dir, books, err)
		}
	}

	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "no-file"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "loose.md"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	books, err := Load(root)
	if err != nil || len(books) != 0 {
		t.Errorf("Load(dir without playbooks) = %v, %v", books, err)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		files map[string]string
		want  string
	}{
		{
			name:  "missing name",
			files: map[string]string{"a": "---\ndescription: x\n---\nbody\n"},
			want:  "missing name",
		},
		{
			name:  "no frontmatter",
			files: map[string]string{"a": "# just markdown\n"},
			want:  "missing YAML frontmatter",
		},
		{
			name:  "unclosed frontmatter",
			files: map[string]string{"a": "---\nname: x\n"},
			want:  "missing closing frontmatter separator",
		},
		{
			name:  "unknown role",
			files: map[string]string{"a": "---\nname: x\nroles: [broker]\n---\nbody\n"},
			want:  "unknown role",
		},
		{
			name: "duplicate",
			files: map[string]string{
				"a": "---\nname: same\n---\none\n",
				"b": "---\nname: same\n---\ntwo\n",
			},
			want: "duplicate playbook",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			for dir, content := range tt.files {
				writePlaybook(t, root, dir, content)
			}
			_, err := Load(root)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLoad_NotADirectory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "not a directory") {
		t.Errorf("Load(file) = %v", err)
	}
}

func TestLoad_SkipsInvalidYAML(t *testing.T) {
	root := t.TempDir()
	writePlaybook(t, root, "bad", "---\nname: [unclosed\n---\nbody\n")
	writePlaybook(t, root, "good", "\uFEFF---\nname: good\n---\nbody\n")

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	books, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(books) != 1 || books[0].Name != "good" {
		t.Errorf("books = %+v, want only good", books)
	}
	if !strings.Contains(buf.String(), "[playbook] warning: skip") {
		t.Errorf("log = %q", buf.String())
	}
}
