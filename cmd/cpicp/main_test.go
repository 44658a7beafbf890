package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/db"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/monitoring"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// execute runs the CLI with args and returns its stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// writeClouds writes a 5x5x3 grid as src.xyz and the same grid shifted by
// 0.05 along x as tgt.xyz.
func writeClouds(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	var src, tgt strings.Builder
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			for k := 0; k < 3; k++ {
				x, y, z := float64(i)*0.2, float64(j)*0.3, float64(k)*0.25
				fmt.Fprintf(&src, "%g %g %g\n", x, y, z)
				fmt.Fprintf(&tgt, "%g %g %g\n", x+0.05, y, z)
			}
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src.xyz"), []byte(src.String()), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tgt.xyz"), []byte(tgt.String()), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a cloud"), 0644))
	return dir
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "cpicp dev"), "got %q", out)
}

func TestCloudsCommand(t *testing.T) {
	dir := writeClouds(t)
	out, err := execute(t, "clouds", "--clouds-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "src.xyz\ntgt.xyz\n", out)

	out, err = execute(t, "clouds", "--clouds-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "no clouds in")
}

func TestCloudsDirFromConfigFile(t *testing.T) {
	dir := writeClouds(t)
	cfgPath := filepath.Join(t.TempDir(), "cpicp.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("clouds_dir: "+dir+"\n"), 0644))

	out, err := execute(t, "--config", cfgPath, "clouds")
	require.NoError(t, err)
	assert.Equal(t, "src.xyz\ntgt.xyz\n", out)
}

func TestRunCommand(t *testing.T) {
	dir := writeClouds(t)
	plot := filepath.Join(t.TempDir(), "rounds.png")

	out, err := execute(t, "run", "--clouds-dir", dir,
		"--src", "src.xyz", "--tgt", "tgt.xyz", "--np", "3", "--rmse", "0",
		"--axis", "y", "--max-dist", "0.5", "--closest", "bf", "--plot", plot)
	require.NoError(t, err)
	assert.Contains(t, out, "source src.xyz: 75 points, target tgt.xyz: 75 points")
	assert.Contains(t, out, "NP")
	assert.Contains(t, out, "best:")
	assert.Contains(t, out, "plot written to")

	info, err := os.Stat(plot)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRunCommandJSON(t *testing.T) {
	dir := writeClouds(t)
	out, err := execute(t, "run", "--clouds-dir", dir,
		"--src", "src.xyz", "--tgt", "tgt.xyz", "--np", "3", "--rmse", "0", "--json")
	require.NoError(t, err)

	var res runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.NotEmpty(t, res.Rounds)
	steps := 0
	for i, r := range res.Rounds {
		assert.Equal(t, i+2, r.NP)
		steps += len(r.Steps)
	}
	assert.Len(t, res.Ranking.Steps, steps)
	assert.Len(t, res.Ranking.Rounds, len(res.Rounds))
}

func TestRunCommandErrors(t *testing.T) {
	dir := writeClouds(t)

	_, err := execute(t, "run", "--clouds-dir", dir, "--src", "src.xyz")
	assert.Error(t, err, "missing --tgt")

	_, err = execute(t, "run", "--clouds-dir", dir, "--src", "src.xyz", "--tgt", "tgt.xyz", "--axis", "w")
	assert.ErrorContains(t, err, "invalid axis")

	_, err = execute(t, "run", "--clouds-dir", dir, "--src", "src.xyz", "--tgt", "tgt.xyz", "--np", "1")
	assert.ErrorContains(t, err, "np must be between")

	_, err = execute(t, "run", "--clouds-dir", dir, "--src", "src.xyz", "--tgt", "tgt.xyz", "--plot", "/proc/rounds.png")
	assert.ErrorContains(t, err, "--plot")

	_, err = execute(t, "run", "--clouds-dir", dir, "--src", "missing.xyz", "--tgt", "tgt.xyz")
	assert.ErrorContains(t, err, "search failed")
}

func TestMigrateCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "migrate", "version", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "schema version 0 (clean)\n", out)

	out, err = execute(t, "migrate", "up", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "schema version 1 (clean)\n", out)

	out, err = execute(t, "migrate", "down", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "schema version 0 (clean)\n", out)

	_, err = execute(t, "migrate", "force", "x", "--db", path)
	assert.ErrorContains(t, err, "invalid version")
}

func TestHistoryCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")

	out, err := execute(t, "history", "--db", path)
	require.NoError(t, err)
	assert.Equal(t, "no searches recorded\n", out)

	database, err := db.NewDB(path)
	require.NoError(t, err)
	store := db.NewSearchStore(database)
	req := registration.Request{SrcName: "a.pcd", TgtName: "b.pcd", NPMax: 4}
	require.NoError(t, store.SaveSearchStart("search-1", req, time.Now()))
	rmse := 0.25
	best := &registration.BestRegistration{RMSE: &rmse, NP: 3, Step: 1}
	require.NoError(t, store.SaveSearchComplete("search-1", registration.SearchStatusComplete, best, time.Now(), ""))
	require.NoError(t, database.Close())

	out, err = execute(t, "history", "--db", path)
	require.NoError(t, err)
	assert.Contains(t, out, "search-1")
	assert.Contains(t, out, "a.pcd")
	assert.Contains(t, out, "0.25 (np=3 step=1)")
}

func TestHistoryCommandRemote(t *testing.T) {
	var gotLimit string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"searches":[{"search_id":"remote-1","src_name":"s.pcd","tgt_name":"t.pcd","status":"error","error":"search timed out after 1m0s","started_at":"2026-01-02T03:04:05Z"}]}`)
	}))
	defer ts.Close()

	out, err := execute(t, "history", "--server", ts.URL, "--limit", "7")
	require.NoError(t, err)
	assert.Equal(t, "7", gotLimit)
	assert.Contains(t, out, "remote-1")
	assert.Contains(t, out, "error: search timed out")
}
