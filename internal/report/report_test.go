package report

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/clearwater/internal/config"
	"github.com/sells-group/clearwater/internal/model"
)

type fakeUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeUploader) Put(_ context.Context, bucket, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects == nil {
		f.objects = map[string][]byte{}
		f.types = map[string]string{}
	}
	f.objects[bucket+"/"+key] = data
	f.types[bucket+"/"+key] = contentType
	return nil
}

func testSummary() *model.RunSummary {
	return &model.RunSummary{
		RunID: "run-1",
		AOI:   "bay.geojson",
		Mode:  model.ModeOffline,
		Tiles: []model.TileSummary{
			{TileID: "r0000c0000", NScenes: 3, MedianCloud: model.Float(4), MedianChla: model.Float(0.2), Mode: model.ModeOffline, Status: model.TileStatusDispatched, JobID: "/out/r0000c0000"},
			{TileID: "r0000c0001", Mode: model.ModeOffline, Status: model.TileStatusFailed, FailedPhase: "select", Error: "remote unavailable"},
		},
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in     string
		bucket string
		key    string
		ok     bool
	}{
		{"s3://bkt/runs/summary.json", "bkt", "runs/summary.json", true},
		{"s3://bkt/summary.json", "bkt", "summary.json", true},
		{"s3://bkt", "", "", false},
		{"s3:///key", "", "", false},
		{"out/summary.json", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			b, k, ok := ParseS3URL(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.bucket, b)
			assert.Equal(t, tt.key, k)
		})
	}
}

func TestConfigPath(t *testing.T) {
	assert.Equal(t, filepath.Join("out", ConfigFileName), ConfigPath(filepath.Join("out", "summary.json")))
	assert.Equal(t, ConfigFileName, ConfigPath("summary.json"))
	assert.Equal(t, "s3://bkt/runs/"+ConfigFileName, ConfigPath("s3://bkt/runs/summary.json"))
	assert.Equal(t, "s3://bkt/"+ConfigFileName, ConfigPath("s3://bkt/summary.json"))
}

func TestWriteSummary_Local(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "nested", "summary.json")
	w := NewWriter(nil)

	require.NoError(t, w.WriteSummary(context.Background(), dst, testSummary()))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	var back model.RunSummary
	require.NoError(t, json.Unmarshal(data, &back))
	require.Len(t, back.Tiles, 2)
	assert.Equal(t, "r0000c0000", back.Tiles[0].TileID)
	assert.Nil(t, back.Tiles[0].MedianWind)
	assert.Contains(t, string(data), `"median_wind": null`)
}

func TestWriteSummary_S3(t *testing.T) {
	up := &fakeUploader{}
	w := NewWriter(up)

	require.NoError(t, w.WriteSummary(context.Background(), "s3://bkt/runs/run-1/summary.json", testSummary()))
	assert.Contains(t, up.objects, "bkt/runs/run-1/summary.json")
	assert.Equal(t, "application/json", up.types["bkt/runs/run-1/summary.json"])
}

func TestWriteSummary_S3WithoutUploader(t *testing.T) {
	err := NewWriter(nil).WriteSummary(context.Background(), "s3://bkt/summary.json", testSummary())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestWriteConfig_Redacts(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Filter.CloudThresh = 20
	cfg.Remote.Token = "secret-token"
	cfg.Output.S3.SecretKey = "s3-secret"
	cfg.Store.DatabaseURL = "postgres://cw:hunter2@db:5432/clearwater"

	dst, err := NewWriter(nil).WriteConfig(context.Background(), filepath.Join(dir, "summary.json"), cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ConfigFileName), dst)

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret-token")
	assert.NotContains(t, string(data), "s3-secret")
	assert.NotContains(t, string(data), "hunter2")

	var back config.Config
	require.NoError(t, yaml.Unmarshal(data, &back))
	assert.Equal(t, 20.0, back.Filter.CloudThresh)
	assert.Equal(t, "postgres://cw:REDACTED@db:5432/clearwater", back.Store.DatabaseURL)
	assert.Equal(t, "secret-token", cfg.Remote.Token, "input is not modified")
}

func TestRedactURL(t *testing.T) {
	assert.Equal(t, "clearwater.db", redactURL("clearwater.db"))
	assert.Equal(t, "postgres://cw@db/x", redactURL("postgres://cw@db/x"))
	assert.Equal(t, "postgres://cw:REDACTED@db/x", redactURL("postgres://cw:pw@db/x"))
}

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	FormatSummary(&buf, testSummary())
	out := buf.String()

	assert.Contains(t, out, "TILE")
	assert.Contains(t, out, "r0000c0000")
	assert.Contains(t, out, "failed (select)")
	assert.Contains(t, out, "failed tiles: 1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.GreaterOrEqual(t, len(lines), 4)
}

func TestS3_Put(t *testing.T) {
	var gotPath, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			gotPath = r.URL.Path
			gotType = r.Header.Get("Content-Type")
			gotBody, _ = io.ReadAll(r.Body)
			w.Header().Set("ETag", `"abc"`)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	up, err := NewS3(config.S3Config{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "ak",
		SecretKey: "sk",
		Region:    "us-east-1",
	})
	require.NoError(t, err)
	require.NotNil(t, up)

	require.NoError(t, up.Put(context.Background(), "bkt", "runs/summary.json", []byte(`{"ok":true}`), "application/json"))
	assert.Equal(t, "/bkt/runs/summary.json", gotPath)
	assert.Equal(t, "application/json", gotType)
	// Plain HTTP uploads may be chunk-signed, so only the payload is checked.
	assert.Contains(t, string(gotBody), `{"ok":true}`)
}

func TestNewS3_Disabled(t *testing.T) {
	up, err := NewS3(config.S3Config{})
	assert.NoError(t, err)
	assert.Nil(t, up)
}
