package batch

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedManifest is returned for manifest files with an unknown extension.
var ErrUnsupportedManifest = errors.New("unsupported manifest format")

// manifestRecord accepts the upstream column names next to explicit sources.
type manifestRecord struct {
	receipt.InputRecord `yaml:",inline"`
	AttachFile          string `json:"attach_file,omitempty" yaml:"attach_file,omitempty"`
	FilePath            string `json:"file_path,omitempty" yaml:"file_path,omitempty"`
}

type manifestFile struct {
	Records []manifestRecord `json:"records" yaml:"records"`
}

func (m manifestRecord) record() receipt.InputRecord {
	rec := m.InputRecord
	sources := make([]receipt.Source, 0, len(rec.Sources)+2)
	for _, s := range rec.Sources {
		sources = append(sources, receipt.Source{Kind: receipt.ParseSourceKind(string(s.Kind)), Location: s.Location})
	}
	if m.AttachFile != "" {
		sources = append(sources, receipt.Source{Kind: receipt.SourceSingle, Location: m.AttachFile})
	}
	if m.FilePath != "" {
		sources = append(sources, receipt.Source{Kind: receipt.SourceShared, Location: m.FilePath})
	}
	rec.Sources = sources
	return rec
}

// LoadRecords loads every manifest in order and concatenates the records.
// A container and line may appear only once across all manifests.
func LoadRecords(paths []string) ([]receipt.InputRecord, error) {
	var out []receipt.InputRecord
	for _, p := range paths {
		recs, err := LoadManifest(p)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	if err := receipt.CheckUnique(out); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadManifest reads one JSON, YAML or CSV manifest. JSON and YAML accept a
// bare list of records or an object with a "records" list.
func LoadManifest(path string) ([]receipt.InputRecord, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: manifest path is user input
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	recs, err := DecodeManifest(data, strings.TrimPrefix(ext, "."))
	if err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	return recs, nil
}

// DecodeManifest parses manifest data in the named format: "json", "yaml"
// ("yml") or "csv". A container and line may appear only once.
func DecodeManifest(data []byte, format string) ([]receipt.InputRecord, error) {
	var (
		recs []receipt.InputRecord
		err  error
	)
	switch strings.ToLower(format) {
	case "json":
		recs, err = parseJSON(data)
	case "yaml", "yml":
		recs, err = parseYAML(data)
	case "csv":
		recs, err = parseCSV(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedManifest, format)
	}
	if err != nil {
		return nil, err
	}
	if err := receipt.CheckUnique(recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func toRecords(in []manifestRecord) []receipt.InputRecord {
	out := make([]receipt.InputRecord, len(in))
	for i, m := range in {
		out[i] = m.record()
	}
	return out
}

func parseJSON(data []byte) ([]receipt.InputRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var list []manifestRecord
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return toRecords(list), nil
	}
	var mf manifestFile
	if err := json.Unmarshal(trimmed, &mf); err != nil {
		return nil, err
	}
	return toRecords(mf.Records), nil
}

func parseYAML(data []byte) ([]receipt.InputRecord, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var list []manifestRecord
		if err := root.Decode(&list); err != nil {
			return nil, err
		}
		return toRecords(list), nil
	case yaml.MappingNode:
		var mf manifestFile
		if err := root.Decode(&mf); err != nil {
			return nil, err
		}
		return toRecords(mf.Records), nil
	default:
		return nil, fmt.Errorf("expected a list or a mapping at line %d", root.Line)
	}
}

// csvColumns maps accepted header names onto record fields.
var csvColumns = map[string]string{
	"container_id":  "container_id",
	"fiid":          "container_id",
	"line_index":    "line_index",
	"seq":           "line_index",
	"receipt_index": "receipt_index",
	"common":        "common",
	"common_yn":     "common",
	"category":      "category",
	"gubun":         "category",
	"attach_file":   "attach_file",
	"file_path":     "file_path",
}

func parseCSV(r io.Reader) ([]receipt.InputRecord, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		if field, ok := csvColumns[strings.ToLower(strings.TrimSpace(h))]; ok {
			index[field] = i
		}
	}
	if _, ok := index["container_id"]; !ok {
		return nil, errors.New("csv header must name container_id or FIID")
	}

	var out []receipt.InputRecord
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		get := func(field string) string {
			if i, ok := index[field]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
			return ""
		}

		m := manifestRecord{AttachFile: get("attach_file"), FilePath: get("file_path")}
		m.ContainerID = get("container_id")
		m.Category = get("category")
		if v := get("line_index"); v != "" {
			if m.LineIndex, err = strconv.Atoi(v); err != nil {
				return nil, fmt.Errorf("line %d: invalid line_index %q", line, v)
			}
		}
		if v := get("receipt_index"); v != "" {
			idx, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid receipt_index %q", line, v)
			}
			m.ReceiptIndex = &idx
		}
		if v := get("common"); v != "" {
			if m.Common, err = parseFlag(v); err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		out = append(out, m.record())
	}
	return out, nil
}

func parseFlag(v string) (bool, error) {
	switch strings.ToUpper(v) {
	case "Y", "YES", "TRUE", "1":
		return true, nil
	case "N", "NO", "FALSE", "0":
		return false, nil
	default:
		return false, fmt.Errorf("invalid common flag %q", v)
	}
}
