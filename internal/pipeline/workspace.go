package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/recrop/internal/receipt"
)

// DateLayout names the per-day workspace directory.
const DateLayout = "20060102"

// Workspace is the directory tree one run writes into.
type Workspace struct {
	Root     string
	RawDir   string
	PreDir   string
	MergeDir string
	CropDir  string
	OCRDir   string
	ErrorDir string
	PostDir  string
}

// NewWorkspace lays out the tree under root, inside a YYYYMMDD directory
// when dated is set.
func NewWorkspace(root string, dated bool, now time.Time) Workspace {
	base := root
	if dated {
		base = filepath.Join(root, now.Format(DateLayout))
	}
	pre := filepath.Join(base, "PreProcess")
	doc := filepath.Join(base, "DocProcess")
	return Workspace{
		Root:     base,
		RawDir:   filepath.Join(base, "RawFile"),
		PreDir:   pre,
		MergeDir: filepath.Join(pre, "MergeDoc"),
		CropDir:  filepath.Join(pre, "Cropped"),
		OCRDir:   filepath.Join(doc, "Azure"),
		ErrorDir: filepath.Join(doc, "Error"),
		PostDir:  filepath.Join(base, "PostProcess"),
	}
}

// Ensure creates every directory.
func (w Workspace) Ensure() error {
	for _, dir := range []string{w.RawDir, w.PreDir, w.MergeDir, w.CropDir, w.OCRDir, w.ErrorDir, w.PostDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create workspace dir %s: %w", dir, err)
		}
	}
	return nil
}

// PostDocument is the JSON written for every persisted summary.
type PostDocument struct {
	Summary receipt.SummaryRecord `json:"summary"`
	Items   []receipt.LineItem    `json:"items"`
}

// PostFileName is the artifact name of a successful summary.
func PostFileName(id receipt.Identity) string {
	return fmt.Sprintf("%s_%d_%d_post.json", id.ContainerID, id.LineIndex, id.ReceiptIndex)
}

// FailFileName is the artifact name of a failure summary.
func FailFileName(id receipt.Identity) string {
	return "fail_" + PostFileName(id)
}

// OCRFileName is the name of the archived analyze result for a crop base.
func OCRFileName(base string) string {
	return base + ".ocr.json"
}

// WritePostDocument writes the summary and its items as indented JSON.
func WritePostDocument(dir, name string, s receipt.SummaryRecord) (string, error) {
	items := s.Items
	if items == nil {
		items = []receipt.LineItem{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(PostDocument{Summary: s, Items: items}); err != nil {
		return "", fmt.Errorf("failed to encode post document: %w", err)
	}
	return writeArtifact(dir, name, buf.Bytes())
}

func writeArtifact(dir, name string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("failed to create artifact dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	return path, nil
}
