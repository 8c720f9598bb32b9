package workflow

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"image"
	"image/png"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestdata(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	if err != nil {
		t.Fatalf("Failed to read test file: %v", err)
	}
	return data
}

func TestParseAPIWorkflow(t *testing.T) {
	wf, err := ParseBytes(loadTestdata(t, "img2img_api.json"))
	require.NoError(t, err)

	assert.Len(t, wf, 8)
	assert.Equal(t, []string{"3", "4", "6", "7", "8", "9", "12", "13"}, wf.NodeIDs())
	assert.Equal(t, []string{"12"}, wf.NodesOfClass("LoadImage"))

	sampler, err := wf.Node("3")
	require.NoError(t, err)
	assert.Equal(t, "KSampler", sampler.ClassType)
	assert.Equal(t, "KSampler", sampler.Title())
	assert.True(t, IsLink(sampler.Inputs["model"]))

	// large seeds must not be squeezed through float64
	assert.Equal(t, json.Number("156680208700286"), sampler.Inputs["seed"])
}

func TestParseRejectsUIFormat(t *testing.T) {
	_, err := ParseBytes(loadTestdata(t, "img2img_ui.json"))
	assert.ErrorIs(t, err, ErrUIFormat)
}

func TestParseMalformedJSON(t *testing.T) {
	_, err := ParseBytes([]byte(`{"3": {"inputs": `))
	assert.Error(t, err)

	_, err = ParseBytes([]byte(`{"3": "not a node"}`))
	assert.Error(t, err)
}

func TestPatcherApply(t *testing.T) {
	wf, err := ParseBytes(loadTestdata(t, "img2img_api.json"))
	require.NoError(t, err)

	err = NewPatcher().Apply(wf, Params{ImageFilename: "image.jpg", Seed: 4242})
	require.NoError(t, err)

	img, err := wf.Input("12", "image")
	require.NoError(t, err)
	assert.Equal(t, "image.jpg", img)

	seed, err := wf.Input("3", "seed")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), seed)

	// the patched document serializes the values where ComfyUI expects them
	data, err := json.Marshal(wf)
	require.NoError(t, err)
	var generic map[string]map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &generic))
	assert.Equal(t, "image.jpg", generic["12"]["inputs"]["image"])
	assert.Equal(t, float64(4242), generic["3"]["inputs"]["seed"])
	// untouched inputs survive
	assert.Equal(t, "image", generic["12"]["inputs"]["upload"])
}

func TestPatcherMissingNode(t *testing.T) {
	wf, err := ParseBytes([]byte(`{"12": {"inputs": {"image": "a.png"}, "class_type": "LoadImage"}}`))
	require.NoError(t, err)

	err = NewPatcher().Apply(wf, Params{ImageFilename: "image.png", Seed: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `node "3" not found`)
}

func TestPatcherMissingInput(t *testing.T) {
	wf, err := ParseBytes([]byte(`{"12": {"inputs": {"upload": "image"}, "class_type": "LoadImage"}}`))
	require.NoError(t, err)

	p := &Patcher{Bindings: []Binding{{Param: ParamImage, NodeID: "12", Input: "image"}}}
	err = p.Apply(wf, Params{ImageFilename: "image.png"})
	require.Error(t, err)
	// the graph shape is unchanged
	_, exists := wf["12"].Inputs["image"]
	assert.False(t, exists)
}

func TestSetInputRefusesLinks(t *testing.T) {
	wf, err := ParseBytes(loadTestdata(t, "img2img_api.json"))
	require.NoError(t, err)

	err = wf.SetInput("3", "model", "other.safetensors")
	assert.Error(t, err)
	assert.True(t, IsLink(wf["3"].Inputs["model"]))

	err = wf.SetInput("6", "text", map[string]interface{}{"nested": true})
	assert.Error(t, err)
}

func TestPatcherUnknownParam(t *testing.T) {
	wf, err := ParseBytes(loadTestdata(t, "img2img_api.json"))
	require.NoError(t, err)

	p := &Patcher{Bindings: []Binding{{Param: "prompt", NodeID: "6", Input: "text"}}}
	assert.Error(t, p.Apply(wf, Params{}))
}

func TestCloneDoesNotAlias(t *testing.T) {
	wf, err := ParseBytes(loadTestdata(t, "img2img_api.json"))
	require.NoError(t, err)

	clone, err := wf.Clone()
	require.NoError(t, err)
	require.NoError(t, clone.SetInput("12", "image", "changed.png"))

	assert.Equal(t, "example.png", wf["12"].Inputs["image"])
	assert.Equal(t, "changed.png", clone["12"].Inputs["image"])
}

func TestStoreLoadsFreshCopy(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/app/workflow_api.json", loadTestdata(t, "img2img_api.json"), 0o644))
	store := NewStore(fs, "/app/workflow_api.json")

	first, err := store.Load()
	require.NoError(t, err)
	require.NoError(t, NewPatcher().Apply(first, Params{ImageFilename: "image.webp", Seed: 7}))

	second, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "example.png", second["12"].Inputs["image"])

	// the document on disk is never rewritten
	onDisk, err := afero.ReadFile(fs, "/app/workflow_api.json")
	require.NoError(t, err)
	assert.Equal(t, loadTestdata(t, "img2img_api.json"), onDisk)
}

func TestStoreMissingFile(t *testing.T) {
	_, err := NewStore(afero.NewMemMapFs(), "/nope.json").Load()
	assert.Error(t, err)
}

// pngWithText encodes a 1x1 png and inserts a tEXt chunk after IHDR
func pngWithText(t *testing.T, keyword, text string) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 1, 1))))
	encoded := buf.Bytes()

	data := append([]byte(keyword+"\x00"), []byte(text)...)
	var chunk bytes.Buffer
	require.NoError(t, binary.Write(&chunk, binary.BigEndian, uint32(len(data))))
	chunk.WriteString("tEXt")
	chunk.Write(data)
	crc := crc32.NewIEEE()
	crc.Write([]byte("tEXt"))
	crc.Write(data)
	require.NoError(t, binary.Write(&chunk, binary.BigEndian, crc.Sum32()))

	// signature (8) + IHDR chunk (25)
	out := append([]byte{}, encoded[:33]...)
	out = append(out, chunk.Bytes()...)
	return append(out, encoded[33:]...)
}

func TestStoreLoadsPromptFromPNG(t *testing.T) {
	fs := afero.NewMemMapFs()
	pngData := pngWithText(t, "prompt", string(loadTestdata(t, "img2img_api.json")))
	require.NoError(t, afero.WriteFile(fs, "/app/ComfyUI_00001_.png", pngData, 0o644))

	wf, err := NewStore(fs, "/app/ComfyUI_00001_.png").Load()
	require.NoError(t, err)
	assert.Equal(t, "LoadImage", wf["12"].ClassType)
}

func TestStorePNGWithOnlyEditorGraph(t *testing.T) {
	fs := afero.NewMemMapFs()
	pngData := pngWithText(t, "workflow", string(loadTestdata(t, "img2img_ui.json")))
	require.NoError(t, afero.WriteFile(fs, "/app/graph.png", pngData, 0o644))

	_, err := NewStore(fs, "/app/graph.png").Load()
	assert.ErrorIs(t, err, ErrUIFormat)
}

func TestGetPngMetadataRejectsNonPNG(t *testing.T) {
	_, err := GetPngMetadata(bytes.NewReader([]byte("GIF89a..........")))
	assert.Error(t, err)
}
