package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/richinsley/comfypredict/internal/comfytest"
	"github.com/richinsley/comfypredict/predictor"
	"github.com/richinsley/comfypredict/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COMFYPREDICT_STORAGE_SECRET_KEY", "hunter2")

	out, err := execute(t, "config", "--engine-url", "http://gpu-box:8188", "--workflow", "/src/wf.json")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow: /src/wf.json")
	assert.Contains(t, out, "url: http://gpu-box:8188")
	assert.Contains(t, out, "managed: false")
	assert.Regexp(t, `secret_key: \S*\*{8}`, out)
	assert.NotContains(t, out, "hunter2")
}

func TestConfigCommandRejectsBadConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("COMFYPREDICT_OUTPUT_FORMAT", "gif")

	_, err := execute(t, "config")
	assert.Error(t, err)
}

func TestInspectCommand(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow_api.json"), comfytest.Img2ImgWorkflow(), 0o644))

	out, err := execute(t, "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "KSampler")
	assert.Contains(t, out, "LoadImage")
	assert.Regexp(t, `image\s+12\s+image\s+\S+`, out)
	assert.Regexp(t, `seed\s+3\s+seed\s+\d+`, out)
}

func TestInspectWorkflowReportsBrokenBinding(t *testing.T) {
	wf, err := workflow.ParseBytes(comfytest.Img2ImgWorkflow())
	require.NoError(t, err)

	var out bytes.Buffer
	err = inspectWorkflow(&out, wf, []workflow.Binding{
		{Param: workflow.ParamSeed, NodeID: "3", Input: "seed"},
		{Param: workflow.ParamImage, NodeID: "3", Input: "model"},
		{Param: workflow.ParamImage, NodeID: "99", Input: "image"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "link")
	assert.Contains(t, out.String(), `node "99" not found`)
}

func TestStatsCommand(t *testing.T) {
	t.Chdir(t.TempDir())
	srv := comfytest.NewServer()
	defer srv.Close()

	out, err := execute(t, "stats", "--engine-url", srv.URL, "--nodes", "--history")
	require.NoError(t, err)
	assert.Contains(t, out, "Python Version: 3.11.9")
	assert.Contains(t, out, "cuda:0 NVIDIA A40")
	assert.Contains(t, out, "VRAM: 40 GiB free of 48 GiB")
	assert.Contains(t, out, "/extensions/core/widgetInputs.js")
	assert.Contains(t, out, "easynegative")
	assert.Contains(t, out, "Queue remaining: 0")
	assert.Contains(t, out, "Available nodes: 7")
	assert.Contains(t, out, "SaveImage \"SaveImage\" test [output]")
}

func TestPredictCommandAgainstRunningServer(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	srv := comfytest.NewServer()
	defer srv.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow_api.json"), comfytest.Img2ImgWorkflow(), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat.png"), comfytest.PNG(4, 4), 0o644))
	t.Setenv("COMFYPREDICT_DIRS_OUTPUT", filepath.Join(dir, "outputs"))
	t.Setenv("COMFYPREDICT_DIRS_INPUT", filepath.Join(dir, "inputs"))
	t.Setenv("COMFYPREDICT_DIRS_TEMP", filepath.Join(dir, "temp"))

	out, err := execute(t, "predict", "--engine-url", srv.URL, "-i", filepath.Join(dir, "cat.png"), "--seed", "99", "--format", "png")
	require.NoError(t, err, out)

	var result predictor.Output
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, int64(99), result.Seed)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, []string{filepath.Join(dir, "outputs", "ComfyUI_00001_.png")}, result.Files)
	assert.FileExists(t, result.Files[0])

	require.Len(t, srv.Prompts(), 1)
	assert.Contains(t, srv.Uploads(), "image.png")
}

func TestPredictCommandRequiresImage(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := execute(t, "predict")
	assert.ErrorContains(t, err, "--image")
}
