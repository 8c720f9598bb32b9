package staging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/richinsley/comfypredict/workflow"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilenameWithExtension(t *testing.T) {
	assert.Equal(t, "image.png", FilenameWithExtension("/uploads/cat.png", "image"))
	assert.Equal(t, "image.JPG", FilenameWithExtension("holiday.photo.JPG", "image"))
	assert.Equal(t, "image", FilenameWithExtension("/uploads/noext", "image"))
}

func TestStageCopiesIntoInputDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/uploads/cat.webp", []byte("RIFF....WEBP"), 0o644))

	s := NewStager(fs, "/tmp/inputs")
	filename := FilenameWithExtension("/uploads/cat.webp", "image")
	dst, err := s.Stage("/uploads/cat.webp", filename)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/tmp/inputs", "image.webp"), dst)
	data, err := afero.ReadFile(fs, dst)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF....WEBP"), data)

	// the source is left in place
	exists, err := afero.Exists(fs, "/uploads/cat.webp")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestStageMissingSource(t *testing.T) {
	s := NewStager(afero.NewMemMapFs(), "/tmp/inputs")
	_, err := s.Stage("/uploads/missing.png", "image.png")
	assert.Error(t, err)
}

func TestStageReadOnlyTarget(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(base, "/uploads/cat.png", []byte("png"), 0o644))
	s := NewStager(afero.NewReadOnlyFs(base), "/tmp/inputs")
	_, err := s.Stage("/uploads/cat.png", "image.png")
	assert.Error(t, err)
}

func TestResetDirsEmptiesDirectories(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/tmp/outputs/ComfyUI_00001_.png", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/tmp/inputs/image.png", []byte("x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/comfy/temp/sub/preview.png", []byte("x"), 0o644))

	dirs := []string{"/tmp/outputs", "/tmp/inputs", "/comfy/temp", "/not/yet/created"}
	require.NoError(t, ResetDirs(fs, dirs...))

	for _, dir := range dirs {
		empty, err := IsEmpty(fs, dir)
		require.NoError(t, err)
		assert.True(t, empty, dir)
	}
}

func TestCollectFilesSortedAndRecursive(t *testing.T) {
	fs := afero.NewMemMapFs()
	for _, name := range []string{
		"/out/ComfyUI_00002_.png",
		"/out/ComfyUI_00001_.png",
		"/out/sub/a.png",
		"/out/__MACOSX/._ComfyUI_00001_.png",
	} {
		require.NoError(t, afero.WriteFile(fs, name, []byte("x"), 0o644))
	}

	files, err := CollectFiles(fs, "/out")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/out/ComfyUI_00001_.png",
		"/out/ComfyUI_00002_.png",
		"/out/sub/a.png",
	}, files)
}

func TestCollectFilesEmptyDir(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out", 0o755))
	files, err := CollectFiles(fs, "/out")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFetchRemoteInputs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/dog.jpg" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("jpeg bytes"))
	}))
	defer srv.Close()

	wf, err := workflow.ParseBytes([]byte(`{
		"12": {"inputs": {"image": "` + srv.URL + `/images/dog.jpg", "upload": "image"}, "class_type": "LoadImage"},
		"14": {"inputs": {"image": "local.png"}, "class_type": "LoadImage"}
	}`))
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	s := NewStager(fs, "/tmp/inputs")
	require.NoError(t, s.FetchRemoteInputs(context.Background(), wf))

	assert.Equal(t, "dog.jpg", wf["12"].Inputs["image"])
	assert.Equal(t, "local.png", wf["14"].Inputs["image"])
	data, err := afero.ReadFile(fs, "/tmp/inputs/dog.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))
}

func TestFetchRemoteInputsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	wf, err := workflow.ParseBytes([]byte(`{"12": {"inputs": {"image": "` + srv.URL + `/x.png"}, "class_type": "LoadImage"}}`))
	require.NoError(t, err)

	err = NewStager(afero.NewMemMapFs(), "/in").FetchRemoteInputs(context.Background(), wf)
	assert.Error(t, err)
}

func TestRemoteFilename(t *testing.T) {
	assert.True(t, IsRemote("https://example.com/cat.png"))
	assert.False(t, IsRemote("/uploads/cat.png"))
	assert.Equal(t, "cat.png", RemoteFilename("https://example.com/a/cat.png?sig=1"))
	assert.Equal(t, "input", RemoteFilename("https://example.com/"))
	assert.Equal(t, "input", RemoteFilename("https://example.com"))
	assert.Equal(t, "input", RemoteFilename("http://h/.."))
	assert.Equal(t, "input", RemoteFilename("http://h/a/%2e%2e"))
}

func TestStageURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png bytes"))
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	dst, err := NewStager(fs, "/tmp/inputs").StageURL(context.Background(), srv.URL+"/cat.png", "image.png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/inputs", "image.png"), dst)
	data, err := afero.ReadFile(fs, dst)
	require.NoError(t, err)
	assert.Equal(t, "png bytes", string(data))
}
