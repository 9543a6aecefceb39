// Package playbook loads negotiation playbooks: markdown guidance with YAML
// frontmatter that the agent runtime activates when a turn's prompt mentions
// one of the playbook's keywords.
package playbook

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/cexll/agentsdk-go/pkg/api"
	runtimeskills "github.com/cexll/agentsdk-go/pkg/runtime/skills"
	"github.com/stellarlinkco/leasebroker/internal/session"
	"gopkg.in/yaml.v3"
)

const FileName = "PLAYBOOK.md"

var errInvalidYAML = errors.New("invalid playbook YAML frontmatter")

type frontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	// Roles limits the playbook to seeker or owner agents. Empty means both.
	Roles []session.Role `yaml:"roles"`
}

// Playbook is one parsed PLAYBOOK.md.
type Playbook struct {
	Name        string
	Description string
	Keywords    []string
	Roles       []session.Role
	Body        string
	Path        string
}

// For reports whether the playbook applies to role.
func (p Playbook) For(role session.Role) bool {
	return len(p.Roles) == 0 || slices.Contains(p.Roles, role)
}

// Registration converts the playbook into an agentsdk skill whose output is
// the playbook body.
func (p Playbook) Registration() api.SkillRegistration {
	def := runtimeskills.Definition{
		Name:        p.Name,
		Description: p.Description,
	}
	if len(p.Keywords) > 0 {
		def.Matchers = []runtimeskills.Matcher{
			runtimeskills.KeywordMatcher{Any: p.Keywords},
		}
	}
	body, path := p.Body, p.Path
	handler := runtimeskills.HandlerFunc(func(context.Context, runtimeskills.ActivationContext) (runtimeskills.Result, error) {
		return runtimeskills.Result{
			Skill:  def.Name,
			Output: body,
			Metadata: map[string]any{
				"system_prompt": body,
				"source_path":   path,
			},
		}, nil
	})
	return api.SkillRegistration{Definition: def, Handler: handler}
}

// Load reads every <dir>/<name>/PLAYBOOK.md in name order. A missing or
// empty dir yields no playbooks.
func Load(dir string) ([]Playbook, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat playbooks dir %q: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("playbooks path is not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read playbooks dir %q: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	var books []Playbook
	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name(), FileName)
		pb, skip, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}
		if prev, ok := seen[pb.Name]; ok {
			return nil, fmt.Errorf("duplicate playbook %q in %s (already in %s)", pb.Name, path, prev)
		}
		seen[pb.Name] = path
		books = append(books, pb)
	}
	return books, nil
}

// ForRole loads the playbooks in dir that apply to role, ready for the
// agent runtime.
func ForRole(dir string, role session.Role) ([]api.SkillRegistration, error) {
	books, err := Load(dir)
	if err != nil {
		return nil, err
	}
	var regs []api.SkillRegistration
	for _, pb := range books {
		if pb.For(role) {
			regs = append(regs, pb.Registration())
		}
	}
	return regs, nil
}

func parseFile(path string) (Playbook, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Playbook{}, true, nil
		}
		return Playbook{}, false, fmt.Errorf("read playbook %q: %w", path, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		if errors.Is(err, errInvalidYAML) {
			log.Printf("[playbook] warning: skip %s: %v", path, err)
			return Playbook{}, true, nil
		}
		return Playbook{}, false, fmt.Errorf("parse playbook %q: %w", path, err)
	}
	if strings.TrimSpace(meta.Name) == "" {
		return Playbook{}, false, fmt.Errorf("parse playbook %q: missing name", path)
	}
	for _, r := range meta.Roles {
		if r != session.RoleSeeker && r != session.RoleOwner {
			return Playbook{}, false, fmt.Errorf("parse playbook %q: unknown role %q", path, r)
		}
	}

	return Playbook{
		Name:        strings.TrimSpace(meta.Name),
		Description: strings.TrimSpace(meta.Description),
		Keywords:    normalizeKeywords(meta.Keywords),
		Roles:       meta.Roles,
		Body:        strings.TrimSpace(body),
		Path:        path,
	}, false, nil
}

func parseFrontmatter(content []byte) (frontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if strings.TrimSpace(lines[0]) != "---" {
		return frontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return frontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta frontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return frontmatter{}, "", fmt.Errorf("%w: %v", errInvalidYAML, err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}

func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	var out []string
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
