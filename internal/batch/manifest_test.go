package batch

import (
	"testing"

	"github.com/MeKo-Tech/recrop/internal/receipt"
	"github.com/MeKo-Tech/recrop/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadManifest_JSONList(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "records.json", []byte(`[
		{"container_id": "F1", "line_index": 1, "receipt_index": 3, "category": "MEAL",
		 "sources": [{"kind": "attach_file", "location": "https://files.test/a.jpg"}]},
		{"container_id": "F1", "line_index": 2, "file_path": "/data/common.pdf"}
	]`))

	recs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "F1", recs[0].ContainerID)
	require.NotNil(t, recs[0].ReceiptIndex)
	assert.Equal(t, 3, *recs[0].ReceiptIndex)
	assert.Equal(t, "MEAL", recs[0].Category)
	assert.Equal(t, []receipt.Source{{Kind: receipt.SourceSingle, Location: "https://files.test/a.jpg"}}, recs[0].Sources)
	assert.Equal(t, []receipt.Source{{Kind: receipt.SourceShared, Location: "/data/common.pdf"}}, recs[1].Sources)
}

func TestLoadManifest_JSONObject(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "records.json", []byte(`{"records": [
		{"container_id": "F2", "line_index": 1, "common": true, "sources": [{"kind": "SHARED", "location": "p.png"}]}
	]}`))

	recs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].Common)
	assert.Equal(t, receipt.SourceShared, recs[0].Sources[0].Kind)
}

func TestLoadManifest_YAML(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "records.yaml", []byte(`
records:
  - container_id: F3
    line_index: 4
    attach_file: /data/a.png
    file_path: /data/b.pdf
  - container_id: F3
    line_index: 5
    sources:
      - kind: FAX
        location: /data/c.png
`))

	recs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 4, recs[0].LineIndex)
	assert.Equal(t, []receipt.Source{
		{Kind: receipt.SourceSingle, Location: "/data/a.png"},
		{Kind: receipt.SourceShared, Location: "/data/b.pdf"},
	}, recs[0].Sources)
	assert.Equal(t, receipt.SourceKind("FAX"), recs[1].Sources[0].Kind)
}

func TestLoadManifest_YAMLList(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "records.yml", []byte(`
- container_id: F4
  line_index: 1
  attach_file: a.png
`))

	recs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "F4", recs[0].ContainerID)
}

func TestLoadManifest_YAMLScalarRejected(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "records.yaml", []byte("just text\n"))

	_, err := LoadManifest(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected a list or a mapping")
}

func TestLoadManifest_CSV(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "records.csv", []byte(
		"FIID,SEQ,GUBUN,ATTACH_FILE,FILE_PATH,COMMON_YN,receipt_index\n"+
			"F5,1,TAXI,/a.png,,N,\n"+
			"F5,2,MEAL,,/b.pdf,Y,2\n"))

	recs, err := LoadManifest(path)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "TAXI", recs[0].Category)
	assert.False(t, recs[0].Common)
	assert.Nil(t, recs[0].ReceiptIndex)
	assert.Equal(t, receipt.SourceSingle, recs[0].Sources[0].Kind)

	assert.True(t, recs[1].Common)
	require.NotNil(t, recs[1].ReceiptIndex)
	assert.Equal(t, 2, *recs[1].ReceiptIndex)
	assert.Equal(t, []receipt.Source{{Kind: receipt.SourceShared, Location: "/b.pdf"}}, recs[1].Sources)
}

func TestLoadManifest_CSVErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no container": "SEQ,ATTACH_FILE\n1,a.png\n",
		"bad index":    "FIID,SEQ\nF1,one\n",
		"bad flag":     "FIID,COMMON_YN\nF1,maybe\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadManifest(testutil.WriteFile(t, dir, "bad.csv", []byte(body)))
			require.Error(t, err)
		})
	}
}

func TestManifestRejectsRepeatedLines(t *testing.T) {
	_, err := DecodeManifest([]byte("fiid,seq,attach_file\nC1,1,a.png\nC1,2,b.png\nC1,1,c.png\n"), "csv")
	require.ErrorIs(t, err, receipt.ErrDuplicateRecord)
	assert.Contains(t, err.Error(), "C1/1")

	dir := t.TempDir()
	first := testutil.WriteFile(t, dir, "a.yaml", []byte("- container_id: C2\n  line_index: 1\n  attach_file: a.png\n"))
	second := testutil.WriteFile(t, dir, "b.yaml", []byte("- container_id: C2\n  line_index: 1\n  file_path: b.pdf\n"))
	_, err = LoadRecords([]string{first, second})
	require.ErrorIs(t, err, receipt.ErrDuplicateRecord)
}

func TestLoadManifest_Unsupported(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "records.xml", []byte("<records/>"))

	_, err := LoadManifest(path)
	require.ErrorIs(t, err, ErrUnsupportedManifest)
}

func TestDecodeManifest_Formats(t *testing.T) {
	recs, err := DecodeManifest([]byte("- container_id: Y1\n  attach_file: y.png\n"), "YML")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, receipt.SourceSingle, recs[0].Sources[0].Kind)

	recs, err = DecodeManifest([]byte("fiid,file_path\nC1,c.pdf\n"), "csv")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, receipt.SourceShared, recs[0].Sources[0].Kind)

	_, err = DecodeManifest([]byte("{}"), "toml")
	require.ErrorIs(t, err, ErrUnsupportedManifest)
}

func TestLoadRecords_Concatenates(t *testing.T) {
	dir := t.TempDir()
	a := testutil.WriteFile(t, dir, "a.json", []byte(`[{"container_id": "A", "attach_file": "a.png"}]`))
	b := testutil.WriteFile(t, dir, "b.csv", []byte("container_id,file_path\nB,b.pdf\n"))

	recs, err := LoadRecords([]string{a, b})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "A", recs[0].ContainerID)
	assert.Equal(t, "B", recs[1].ContainerID)

	_, err = LoadRecords([]string{a, dir + "/missing.json"})
	require.Error(t, err)
}
