package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/logabell/conversator/internal/common/errors"
	"github.com/logabell/conversator/internal/common/logger"
)

const (
	workingFile     = "working.md"
	handoffMDFile   = "handoff.md"
	handoffJSONFile = "handoff.json"
)

// FreezeResult reports the artifacts a freeze produced.
type FreezeResult struct {
	HandoffMDPath   string
	HandoffJSONPath string
	Digest          string
	AlreadyFrozen   bool
}

// Workspace is the on-disk prompt area: one directory per topic under
// <root>/prompts, each holding working.md and, once frozen, handoff.md plus
// handoff.json. Frozen topics are write-once.
type Workspace struct {
	root string
	log  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewWorkspace opens (creating if needed) the workspace rooted at root.
func NewWorkspace(root string, log *logger.Logger) (*Workspace, error) {
	promptsDir := filepath.Join(root, "prompts")
	if err := os.MkdirAll(promptsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create prompt workspace: %w", err)
	}
	return &Workspace{
		root:  root,
		log:   log,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func (w *Workspace) topicLock(topic string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locks[topic]
	if !ok {
		l = &sync.Mutex{}
		w.locks[topic] = l
	}
	return l
}

var slugPattern = regexp.MustCompile(`[^a-z0-9-]+`)

// Slugify normalizes a topic name into a directory-safe slug.
func Slugify(topic string) string {
	slug := strings.ToLower(strings.TrimSpace(topic))
	slug = slugPattern.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "untitled"
	}
	return slug
}

// Dir returns the topic's directory, creating it on first use.
func (w *Workspace) Dir(topic string) (string, error) {
	dir := filepath.Join(w.root, "prompts", Slugify(topic))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create topic directory: %w", err)
	}
	return dir, nil
}

// WorkingPath returns the path of a topic's working.md.
func (w *Workspace) WorkingPath(topic string) string {
	return filepath.Join(w.root, "prompts", Slugify(topic), workingFile)
}

// HandoffMDPath returns the path of a topic's handoff.md.
func (w *Workspace) HandoffMDPath(topic string) string {
	return filepath.Join(w.root, "prompts", Slugify(topic), handoffMDFile)
}

// HandoffJSONPath returns the path of a topic's handoff.json.
func (w *Workspace) HandoffJSONPath(topic string) string {
	return filepath.Join(w.root, "prompts", Slugify(topic), handoffJSONFile)
}

// Frozen reports whether the topic has been frozen.
func (w *Workspace) Frozen(topic string) bool {
	_, err := os.Stat(w.HandoffMDPath(topic))
	return err == nil
}

// LoadWorking reads the topic's working prompt. A missing file yields a
// fresh empty prompt, not an error.
func (w *Workspace) LoadWorking(topic string) (*WorkingPrompt, error) {
	raw, err := os.ReadFile(w.WorkingPath(topic))
	if os.IsNotExist(err) {
		return NewWorkingPrompt(""), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read working prompt: %w", err)
	}
	return ParseWorking(string(raw)), nil
}

// UpdateWorking merges an update into the topic's working prompt and writes
// it back atomically. Frozen topics reject updates.
func (w *Workspace) UpdateWorking(topic string, u Update) (*WorkingPrompt, error) {
	lock := w.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	if w.Frozen(topic) {
		return nil, apperrors.Conflict(fmt.Sprintf("topic %s is frozen", Slugify(topic)))
	}

	p, err := w.LoadWorking(topic)
	if err != nil {
		return nil, err
	}
	p.Merge(u)

	if _, err := w.Dir(topic); err != nil {
		return nil, err
	}
	if err := writeAtomic(w.WorkingPath(topic), []byte(p.Markdown())); err != nil {
		return nil, fmt.Errorf("failed to write working prompt: %w", err)
	}
	return p, nil
}

// Freeze turns the topic's working prompt into the write-once handoff pair.
// Both files land via temp-then-rename; a partial failure rolls back so the
// pair is always all-or-nothing. Freezing an already frozen topic returns the
// existing artifacts.
func (w *Workspace) Freeze(topic string) (*FreezeResult, error) {
	lock := w.topicLock(topic)
	lock.Lock()
	defer lock.Unlock()

	jsonPath := w.HandoffJSONPath(topic)
	mdPath := w.HandoffMDPath(topic)

	if w.Frozen(topic) {
		raw, err := os.ReadFile(jsonPath)
		if err != nil {
			return nil, fmt.Errorf("topic is frozen but handoff.json is unreadable: %w", err)
		}
		return &FreezeResult{
			HandoffMDPath:   mdPath,
			HandoffJSONPath: jsonPath,
			Digest:          digest(raw),
			AlreadyFrozen:   true,
		}, nil
	}

	p, err := w.LoadWorking(topic)
	if err != nil {
		return nil, err
	}
	if p.Intent == "" && len(p.Requirements) == 0 {
		return nil, apperrors.ValidationError(
			"working_prompt", "no intent or requirements to freeze")
	}

	specJSON, err := SpecFromWorking(p).Encode()
	if err != nil {
		return nil, err
	}
	mdContent := renderHandoffMD(p, Slugify(topic))

	if _, err := w.Dir(topic); err != nil {
		return nil, err
	}

	jsonTmp := jsonPath + ".tmp"
	mdTmp := mdPath + ".tmp"
	if err := os.WriteFile(jsonTmp, specJSON, 0o644); err != nil {
		return nil, fmt.Errorf("failed to stage handoff.json: %w", err)
	}
	if err := os.WriteFile(mdTmp, []byte(mdContent), 0o644); err != nil {
		os.Remove(jsonTmp)
		return nil, fmt.Errorf("failed to stage handoff.md: %w", err)
	}
	if err := os.Rename(jsonTmp, jsonPath); err != nil {
		os.Remove(jsonTmp)
		os.Remove(mdTmp)
		return nil, fmt.Errorf("failed to commit handoff.json: %w", err)
	}
	if err := os.Rename(mdTmp, mdPath); err != nil {
		os.Remove(mdTmp)
		os.Remove(jsonPath)
		return nil, fmt.Errorf("failed to commit handoff.md: %w", err)
	}

	w.log.Info("topic frozen",
		zap.String("topic", Slugify(topic)),
		zap.String("handoff_md", mdPath))

	return &FreezeResult{
		HandoffMDPath:   mdPath,
		HandoffJSONPath: jsonPath,
		Digest:          digest(specJSON),
	}, nil
}

// LoadHandoff reads and validates a frozen topic's spec and prose.
func (w *Workspace) LoadHandoff(topic string) (*HandoffSpec, string, error) {
	raw, err := os.ReadFile(w.HandoffJSONPath(topic))
	if err != nil {
		return nil, "", apperrors.NotFound("frozen topic", Slugify(topic))
	}
	spec, err := ParseSpec(raw)
	if err != nil {
		return nil, "", err
	}
	md, err := os.ReadFile(w.HandoffMDPath(topic))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read handoff.md: %w", err)
	}
	return spec, string(md), nil
}

// artifactExts maps artifact kinds to file extensions. Unknown kinds fall
// back to .txt.
var artifactExts = map[string]string{
	"diff":    ".patch",
	"log":     ".log",
	"summary": ".md",
	"test":    ".txt",
}

// ArtifactPath returns a deterministic path under the topic's artifacts
// directory, creating the directory if needed. Names follow
// <timestamp>-<slug>.<ext> so repeated runs sort chronologically.
func (w *Workspace) ArtifactPath(topic, kind, slug string) (string, error) {
	dir, err := w.Dir(topic)
	if err != nil {
		return "", err
	}
	artifactsDir := filepath.Join(dir, "artifacts")
	if err := os.MkdirAll(artifactsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifacts dir: %w", err)
	}
	ext, ok := artifactExts[kind]
	if !ok {
		ext = ".txt"
	}
	name := time.Now().UTC().Format("20060102T150405") + "-" + Slugify(slug) + ext
	return filepath.Join(artifactsDir, name), nil
}

// HandoffDigest returns the digest of a frozen topic's handoff.json.
func (w *Workspace) HandoffDigest(topic string) (string, error) {
	raw, err := os.ReadFile(w.HandoffJSONPath(topic))
	if err != nil {
		return "", apperrors.NotFound("frozen topic", Slugify(topic))
	}
	return digest(raw), nil
}

func digest(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func renderHandoffMD(p *WorkingPrompt, slug string) string {
	var b strings.Builder
	b.WriteString("<task>\n")
	fmt.Fprintf(&b, "  <title>%s</title>\n\n", p.Title)

	b.WriteString("  <goal>\n")
	fmt.Fprintf(&b, "    %s\n", p.Intent)
	b.WriteString("  </goal>\n\n")

	b.WriteString("  <definition_of_done>\n")
	for _, req := range p.Requirements {
		fmt.Fprintf(&b, "    <item>%s</item>\n", req)
	}
	b.WriteString("  </definition_of_done>\n\n")

	b.WriteString("  <constraints>\n")
	for _, con := range append(append([]string(nil), standardConstraints...), p.Constraints...) {
		fmt.Fprintf(&b, "    <item>%s</item>\n", con)
	}
	b.WriteString("  </constraints>\n\n")

	b.WriteString("  <expected_artifacts>\n")
	for _, a := range defaultArtifacts {
		fmt.Fprintf(&b, "    <item>%s</item>\n", a)
	}
	b.WriteString("  </expected_artifacts>\n\n")

	b.WriteString("  <gates>\n")
	b.WriteString("    <write_gate>true</write_gate>\n")
	b.WriteString("    <run_gate>true</run_gate>\n")
	b.WriteString("    <destructive_gate>true</destructive_gate>\n")
	b.WriteString("  </gates>\n\n")

	b.WriteString("  <context_pointers>\n")
	fmt.Fprintf(&b, "    <artifact path=\"prompts/%s/%s\"/>\n", slug, handoffJSONFile)
	b.WriteString("  </context_pointers>\n")
	b.WriteString("</task>\n")
	return b.String()
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
