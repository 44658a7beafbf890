package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/db"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/pointcloud"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/registration"
	"github.com/DanielAraujoSouza/cpicp-intermediate-steps-viewer/internal/version"
)

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func startAndWait(t *testing.T, env *testEnv, req registration.Request) string {
	t.Helper()
	var started struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if code := doJSON(t, http.MethodPost, env.ts.URL+"/api/searches", req, &started); code != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", code)
	}
	if started.ID == "" || started.Status != string(registration.SearchStatusRunning) {
		t.Fatalf("unexpected start response %+v", started)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.runner.Wait(ctx, started.ID); err != nil {
		t.Fatalf("wait: %v", err)
	}
	return started.ID
}

func TestCloudEndpoints(t *testing.T) {
	env := newTestEnv(t, scriptedSearcher(), registration.RunnerConfig{})

	var list struct {
		Clouds []string `json:"clouds"`
	}
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/clouds", nil, &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if strings.Join(list.Clouds, ",") != "src.xyz,tgt.xyz" {
		t.Errorf("clouds = %v", list.Clouds)
	}

	var c pointcloud.PointCloud
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/clouds/src.xyz", nil, &c); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if c.NumPts != 3 || len(c.Points) != 3 {
		t.Errorf("cloud = %+v, want 3 points", c)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/clouds/missing.xyz", http.StatusNotFound},
		{"/api/clouds/a%5Cb", http.StatusBadRequest},
		{"/api/clouds/notes.md", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		var body map[string]string
		if code := doJSON(t, http.MethodGet, env.ts.URL+tt.path, nil, &body); code != tt.want {
			t.Errorf("GET %s = %d, want %d", tt.path, code, tt.want)
		}
		if body["error"] == "" {
			t.Errorf("GET %s: missing error message", tt.path)
		}
	}
}

func TestSearchLifecycle(t *testing.T) {
	searcher := scriptedSearcher(scriptedRound(2, 3, 1), scriptedRound(3, 2, 0.5, 4))
	env := newTestEnv(t, searcher, registration.RunnerConfig{})
	id := startAndWait(t, env, testRequest())

	var state registration.SearchState
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/searches/"+id, nil, &state); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if state.Status != registration.SearchStatusComplete || len(state.Rounds) != 2 {
		t.Fatalf("state = %+v", state)
	}
	if state.Best == nil || *state.Best.RMSE != 0.5 || state.Best.NP != 3 || state.Best.Step != 1 {
		t.Errorf("best = %v", state.Best)
	}

	var list []registration.SearchState
	doJSON(t, http.MethodGet, env.ts.URL+"/api/searches", nil, &list)
	if len(list) != 1 || list[0].ID != id {
		t.Errorf("list = %+v", list)
	}

	var ranking registration.Ranking
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/searches/"+id+"/ranking", nil, &ranking); code != http.StatusOK {
		t.Fatalf("ranking status = %d", code)
	}
	if len(ranking.Steps) != 5 || ranking.Steps[0].NP != 3 || ranking.Steps[0].Step != 1 {
		t.Errorf("ranking steps = %+v", ranking.Steps)
	}
	if len(ranking.Rounds) != 2 || ranking.Rounds[0].Rank != 2 || ranking.Rounds[1].Rank != 1 {
		t.Errorf("ranking rounds = %+v", ranking.Rounds)
	}

	var hist struct {
		Searches []db.SearchRecord `json:"searches"`
	}
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/history?limit=5", nil, &hist); code != http.StatusOK {
		t.Fatalf("history status = %d", code)
	}
	if len(hist.Searches) != 1 || hist.Searches[0].Status != registration.SearchStatusComplete {
		t.Errorf("history = %+v", hist.Searches)
	}
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/history?limit=x", nil, nil); code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", code)
	}
}

func TestSearchFallsBackToHistory(t *testing.T) {
	searcher := scriptedSearcher(scriptedRound(2, 3, 1))
	env := newTestEnv(t, searcher, registration.RunnerConfig{Retain: 1})
	first := startAndWait(t, env, testRequest())
	startAndWait(t, env, testRequest())

	if _, ok := env.runner.Get(first); ok {
		t.Fatal("first search should have been evicted")
	}
	var rec db.SearchRecord
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/searches/"+first, nil, &rec); code != http.StatusOK {
		t.Fatalf("history lookup status = %d", code)
	}
	if rec.SearchID != first || len(rec.Rounds) != 1 {
		t.Errorf("record = %+v", rec)
	}
	var ranking registration.Ranking
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/searches/"+first+"/ranking", nil, &ranking); code != http.StatusOK {
		t.Fatalf("ranking status = %d", code)
	}
	if len(ranking.Steps) != 2 || ranking.Steps[0].Step != 1 {
		t.Errorf("ranking = %+v", ranking)
	}
}

func TestStartSearchErrors(t *testing.T) {
	started := make(chan string, 1)
	env := newTestEnv(t, blockingSearcher(started), registration.RunnerConfig{MaxConcurrent: 1})

	bad := testRequest()
	bad.NPMax = 1
	if code := doJSON(t, http.MethodPost, env.ts.URL+"/api/searches", bad, nil); code != http.StatusBadRequest {
		t.Errorf("invalid request status = %d, want 400", code)
	}
	resp, err := http.Post(env.ts.URL+"/api/searches", "application/json", strings.NewReader(`{"srcName":"a","bogus":1}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown field status = %d, want 400", resp.StatusCode)
	}

	var running struct {
		ID string `json:"id"`
	}
	if code := doJSON(t, http.MethodPost, env.ts.URL+"/api/searches", testRequest(), &running); code != http.StatusAccepted {
		t.Fatalf("start status = %d", code)
	}
	<-started
	if code := doJSON(t, http.MethodPost, env.ts.URL+"/api/searches", testRequest(), nil); code != http.StatusTooManyRequests {
		t.Errorf("second start status = %d, want 429", code)
	}

	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/searches/"+running.ID+"/ranking", nil, nil); code != http.StatusConflict {
		t.Errorf("ranking of running search = %d, want 409", code)
	}
	if code := doJSON(t, http.MethodPost, env.ts.URL+"/api/searches/"+running.ID+"/stop", nil, nil); code != http.StatusOK {
		t.Errorf("stop status = %d", code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := env.runner.Wait(ctx, running.ID)
	if err != nil || st.Status != registration.SearchStatusCancelled {
		t.Errorf("after stop: %+v, %v", st.Status, err)
	}

	for _, path := range []string{"/api/searches/nope", "/api/searches/nope/ranking", "/api/searches/nope/chart"} {
		if code := doJSON(t, http.MethodGet, env.ts.URL+path, nil, nil); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, code)
		}
	}
	if code := doJSON(t, http.MethodPost, env.ts.URL+"/api/searches/nope/stop", nil, nil); code != http.StatusNotFound {
		t.Errorf("stop unknown = %d, want 404", code)
	}
}

func TestSearchReports(t *testing.T) {
	env := newTestEnv(t, scriptedSearcher(scriptedRound(2, 3, 1), scriptedRound(3, 2, 0.5, 4)), registration.RunnerConfig{})
	id := startAndWait(t, env, testRequest())

	resp, err := http.Get(env.ts.URL + "/api/searches/" + id + "/chart")
	if err != nil {
		t.Fatal(err)
	}
	var html bytes.Buffer
	html.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html") {
		t.Fatalf("chart: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if !strings.Contains(html.String(), "echarts") {
		t.Error("chart page does not load echarts")
	}

	resp, err = http.Get(env.ts.URL + "/api/searches/" + id + "/plot.png")
	if err != nil {
		t.Fatal(err)
	}
	var png bytes.Buffer
	png.ReadFrom(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.HasPrefix(png.Bytes(), []byte("\x89PNG")) {
		t.Errorf("plot: status %d, %d bytes", resp.StatusCode, png.Len())
	}
}

func TestVersionEndpoint(t *testing.T) {
	env := newTestEnv(t, scriptedSearcher(), registration.RunnerConfig{})
	var info version.Info
	if code := doJSON(t, http.MethodGet, env.ts.URL+"/api/version", nil, &info); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if info.Version != version.Version || info.GoVersion == "" {
		t.Errorf("info = %+v", info)
	}
}

func TestHistoryDisabled(t *testing.T) {
	srv := NewServer(Config{Runner: registration.NewRunner(scriptedSearcher(), nil, registration.RunnerConfig{})})
	rec := newRecorder(t, srv, http.MethodGet, "/api/history")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	rec = newRecorder(t, srv, http.MethodGet, "/api/searches/abc")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
