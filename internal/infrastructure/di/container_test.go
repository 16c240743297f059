package di

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archmesh/archmesh/internal/app"
	appconfig "github.com/archmesh/archmesh/internal/app/config"
	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/workflow"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

func testSettings(t *testing.T, mutate func(v *appconfig.Values)) appconfig.Config {
	t.Helper()
	home := t.TempDir()
	v := appconfig.Values{
		Home:            home,
		Store:           "memory",
		DBPath:          filepath.Join(home, "archmesh.db"),
		NATSBucket:      "archmesh_test",
		Storage:         "mock",
		StorageDir:      home,
		Agent:           "mock",
		StageTimeoutSec: 30,
		UpdateRetries:   5,
		Workers:         2,
		HTTPAddr:        ":0",
		LogLevel:        "error",
		LogFormat:       "text",
	}
	if mutate != nil {
		mutate(&v)
	}
	return appconfig.NewAppConfig(v, "default", "")
}

func newTestContainer(t *testing.T, cfg Config) *Container {
	t.Helper()
	var logs bytes.Buffer
	cfg.LogWriter = &logs
	if cfg.OutputWriter == nil {
		cfg.OutputWriter = &bytes.Buffer{}
	}
	c, err := NewContainer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// runToGate starts a session and returns it once it waits at requirements_review
func runToGate(t *testing.T, c *Container, projectID string) *wf.Session {
	t.Helper()
	ctx := context.Background()

	s, err := c.GetController().Start(ctx, workflow.StartRequest{
		ProjectID:   projectID,
		Filename:    "brief.md",
		ContentType: "text/markdown",
		Content:     []byte("# Bookshop\n\nSell books online."),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := c.GetStore().Get(ctx, s.ID)
		return err == nil && got.CurrentStage == wf.StageRequirementsReview
	}, 5*time.Second, 10*time.Millisecond)

	got, err := c.GetStore().Get(ctx, s.ID)
	require.NoError(t, err)
	return got
}

func TestContainer_StoreBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v *appconfig.Values)
		checks []string
	}{
		{name: "memory", checks: []string{"agent"}},
		{
			name:   "sqlite",
			mutate: func(v *appconfig.Values) { v.Store = "sqlite" },
			checks: []string{"agent", "database"},
		},
		{
			name:   "nats embedded",
			mutate: func(v *appconfig.Values) { v.Store = "nats"; v.NATSURL = "embedded" },
			checks: []string{"agent", "nats"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContainer(t, Config{Settings: testSettings(t, tt.mutate)})

			s := runToGate(t, c, "shop-"+tt.name)
			assert.True(t, s.IsActive)
			assert.Equal(t, []wf.Stage{wf.StageStarting, wf.StageDocumentAnalysis}, s.StateData.CompletedStages)

			checks := c.HealthChecks()
			for _, name := range tt.checks {
				require.Contains(t, checks, name)
				assert.NoError(t, checks[name](context.Background()), name)
			}
			assert.Len(t, checks, len(tt.checks))
		})
	}
}

func TestContainer_BackgroundRunner(t *testing.T) {
	c := newTestContainer(t, Config{
		Settings:   testSettings(t, nil),
		Background: true,
	})

	s := runToGate(t, c, "shop")
	assert.Equal(t, wf.StageRequirementsReview, s.CurrentStage)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

func TestContainer_LocalStorage(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestContainer(t, Config{
		Settings: testSettings(t, func(v *appconfig.Values) {
			v.Storage = "local"
			v.StorageDir = "/data"
		}),
		Fs: fsys,
	})

	s := runToGate(t, c, "shop")

	art, err := c.GetStorageGateway().LoadArtifact(context.Background(), s.DocumentID)
	require.NoError(t, err)
	assert.Contains(t, string(art.Content), "Bookshop")

	exists, err := afero.DirExists(fsys, "/data/artifacts")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestContainer_PromptsFromFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	settings := testSettings(t, func(v *appconfig.Values) { v.PromptsPath = "/etc/prompts.yaml" })

	_, err := NewContainer(context.Background(), Config{Settings: settings, Fs: fsys, LogWriter: &bytes.Buffer{}})
	require.Error(t, err, "a configured prompts file must exist")

	require.NoError(t, afero.WriteFile(fsys, "/etc/prompts.yaml", workflow.DefaultPromptsYAML(), 0644))

	c := newTestContainer(t, Config{Settings: settings, Fs: fsys})
	runToGate(t, c, "shop")
}

func TestContainer_ObserversWired(t *testing.T) {
	c := newTestContainer(t, Config{Settings: testSettings(t, nil)})
	runToGate(t, c, "shop")

	families, err := c.GetMetrics().Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["archmesh_transitions_total"])
	assert.True(t, names["archmesh_stage_attempts_total"])
}

func TestContainer_Journal(t *testing.T) {
	fsys := afero.NewMemMapFs()
	c := newTestContainer(t, Config{
		Settings: testSettings(t, func(v *appconfig.Values) { v.JournalPath = "/var/archmesh/journal.ndjson" }),
		Fs:       fsys,
	})
	s := runToGate(t, c, "shop")

	entries, err := app.ReadJournal(fsys, "/var/archmesh/journal.ndjson", s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	var sawStage bool
	for _, e := range entries {
		if e.Event == app.EventStage && e.Stage == string(wf.StageDocumentAnalysis) {
			sawStage = true
		}
	}
	assert.True(t, sawStage)
}

func TestContainer_Presenter(t *testing.T) {
	var out bytes.Buffer
	c := newTestContainer(t, Config{
		Settings:     testSettings(t, nil),
		OutputFormat: "json",
		OutputWriter: &out,
	})

	require.NoError(t, c.GetPresenter().PresentSuccess("ok", nil))
	assert.Contains(t, out.String(), `"success": true`)
}

func TestContainer_Errors(t *testing.T) {
	_, err := NewContainer(context.Background(), Config{})
	require.Error(t, err)

	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err = NewContainer(context.Background(), Config{
		Settings:  testSettings(t, func(v *appconfig.Values) { v.Agent = "anthropic" }),
		LogWriter: &bytes.Buffer{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ANTHROPIC_API_KEY")

	_, err = NewContainer(context.Background(), Config{
		Settings:  testSettings(t, func(v *appconfig.Values) { v.Store = "postgres" }),
		LogWriter: &bytes.Buffer{},
	})
	require.Error(t, err)
}

func TestContainer_CloseIsIdempotent(t *testing.T) {
	c, err := NewContainer(context.Background(), Config{
		Settings:  testSettings(t, func(v *appconfig.Values) { v.Store = "sqlite" }),
		LogWriter: &bytes.Buffer{},
	})
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

// leaveMidStage stores a session at document_analysis whose last activity is an
// hour old, as a process killed during the stage leaves it
func leaveMidStage(t *testing.T, c *Container, projectID string) *wf.Session {
	t.Helper()
	ctx := context.Background()

	meta, err := c.GetStorageGateway().SaveArtifact(ctx, output.SaveArtifactRequest{
		ProjectID:    projectID,
		ArtifactType: output.ArtifactTypeDocument,
		Name:         "brief.md",
		Content:      []byte("# Bookshop\n\nSell books online."),
		ContentType:  "text/markdown",
	})
	require.NoError(t, err)

	at := time.Now().UTC().Add(-time.Hour)
	s, err := wf.NewSession(projectID, meta.ID, at)
	require.NoError(t, err)
	require.NoError(t, c.GetStore().Create(ctx, s))
	s, err = c.GetStore().Update(ctx, s.ID, func(s *wf.Session) error {
		_, err := s.CompleteStage(wf.StageStarting, at)
		return err
	})
	require.NoError(t, err)
	return s
}

func TestContainer_TransactionManager(t *testing.T) {
	mem := newTestContainer(t, Config{Settings: testSettings(t, nil)})
	assert.Nil(t, mem.GetTransactionManager())

	lite := newTestContainer(t, Config{Settings: testSettings(t, func(v *appconfig.Values) { v.Store = "sqlite" })})
	require.NotNil(t, lite.GetTransactionManager())

	s := runToGate(t, lite, "shop")
	_, err := lite.GetController().Start(context.Background(), workflow.StartRequest{
		ProjectID: "shop",
		Content:   []byte("again"),
	})
	assert.True(t, wf.IsAlreadyRunning(err), "got %v", err)

	sessions, err := lite.GetStore().ListByProject(context.Background(), "shop")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, s.ID, sessions[0].ID)
}

func TestContainer_ResumesSessionsLeftMidStage(t *testing.T) {
	settings := testSettings(t, func(v *appconfig.Values) {
		v.Store = "sqlite"
		v.Storage = "local"
	})

	first := newTestContainer(t, Config{Settings: settings})
	left := leaveMidStage(t, first, "shop")
	require.NoError(t, first.Close())

	second := newTestContainer(t, Config{Settings: settings, Background: true})
	require.Eventually(t, func() bool {
		got, err := second.GetStore().Get(context.Background(), left.ID)
		return err == nil && got.CurrentStage == wf.StageRequirementsReview
	}, 5*time.Second, 10*time.Millisecond)
}

func TestContainer_FailsExpiredSessionsWithoutRunner(t *testing.T) {
	ctx := context.Background()
	settings := testSettings(t, func(v *appconfig.Values) {
		v.Store = "sqlite"
		v.Storage = "local"
	})

	first := newTestContainer(t, Config{Settings: settings})
	left := leaveMidStage(t, first, "shop")
	require.NoError(t, first.Close())

	second := newTestContainer(t, Config{Settings: settings})
	got, err := second.GetStore().Get(ctx, left.ID)
	require.NoError(t, err)
	assert.Equal(t, wf.StageFailed, got.CurrentStage)
	require.NotEmpty(t, got.StateData.Errors)
	assert.Equal(t, workflow.InterruptedMessage, got.StateData.Errors[len(got.StateData.Errors)-1].Message)

	runToGate(t, second, "shop")
}
