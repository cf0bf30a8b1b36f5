package definition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/OpenNSW/accessportal/internal/form"
	"github.com/OpenNSW/accessportal/internal/observability"
	"github.com/OpenNSW/accessportal/internal/step"
	"github.com/OpenNSW/accessportal/internal/workflow/model"
	"github.com/OpenNSW/accessportal/internal/workflow/service"
)

const agreementBundle = `
mediaTypes:
  - name: application/pdf
    description: Signed documents
workflows:
  - name: data use agreement
    behavior: SEQUENTIAL
    resource: dataset-1
    priority: 1
    active: true
    dependsOn: [code of conduct]
    steps:
      - name: purpose
        kind: FORM
        config:
          schema:
            type: object
            properties:
              purpose: {type: string}
            required: [purpose]
      - name: signed agreement
        kind: FILE_UPLOAD
        requiresApproval: true
        dependsOn: [purpose]
        config:
          maxSize: 1048576
          mediaTypes: [application/pdf]
  - name: code of conduct
    behavior: CHECKLIST
    resource: dataset-1
    active: true
    steps:
      - name: conduct
        kind: FORM
        config:
          schema: {type: object}
`

func newApplier(t *testing.T) (*Applier, *service.DefinitionService, *observability.Metrics) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(model.Models()...))

	defs := service.NewDefinitionService(db, step.NewDefaultRegistry(form.NewStoreProvider(db)), service.NewStateMachine(service.NewGormStore(), nil))
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	return NewApplier(defs, metrics), defs, metrics
}

func writeBundle(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestParse(t *testing.T) {
	b, err := Parse([]byte(agreementBundle))
	require.NoError(t, err)
	require.Len(t, b.Workflows, 2)
	assert.Len(t, b.Checksum, 64)
	assert.Equal(t, []string{"purpose"}, b.Workflows[0].Steps[1].DependsOn)
	assert.Equal(t, "object", b.Workflows[0].Steps[0].Config["schema"].(map[string]any)["type"])

	t.Run("Unknown key", func(t *testing.T) {
		_, err := Parse([]byte("workflows:\n  - name: x\n    requiresAproval: true\n"))
		assert.Error(t, err)
	})

	t.Run("Empty file", func(t *testing.T) {
		b, err := Parse(nil)
		require.NoError(t, err)
		assert.Empty(t, b.Workflows)
	})
}

func TestLoadAll_SkipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "b.yaml", "workflows: []\n")
	writeBundle(t, dir, "a.yml", "mediaTypes: []\n")
	writeBundle(t, dir, "README.md", "not yaml: [")

	bundles, err := LoadAll(dir)
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, filepath.Join(dir, "a.yml"), bundles[0].SourceFile)
}

func TestApplier_LoadDir(t *testing.T) {
	applier, defs, metrics := newApplier(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeBundle(t, dir, "agreement.yaml", agreementBundle)

	created, err := applier.LoadDir(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, created)
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.DefinitionsLoaded))

	wf, err := defs.GetWorkflowByName(ctx, "data use agreement")
	require.NoError(t, err)
	assert.True(t, wf.Active)
	full, err := defs.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, full.Steps, 2)
	assert.Equal(t, 1, full.Steps[1].Position)
	assert.True(t, full.Steps[1].RequiresApproval)

	deps, err := defs.GetStepDependencies(ctx, wf.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, full.Steps[0].ID, deps[0].DependsOnID)

	t.Run("Reapplying creates nothing", func(t *testing.T) {
		created, err := applier.LoadDir(ctx, dir)
		require.NoError(t, err)
		assert.Equal(t, 0, created)
		types, err := defs.ListMediaTypes(ctx)
		require.NoError(t, err)
		assert.Len(t, types, 1)
	})
}

func TestApplier_DiscardsBrokenWorkflow(t *testing.T) {
	applier, defs, _ := newApplier(t)
	ctx := context.Background()

	b, err := Parse([]byte(`
workflows:
  - name: broken
    behavior: SEQUENTIAL
    resource: dataset-1
    steps:
      - name: a
        kind: FORM
        config: {schema: {type: object}}
        dependsOn: [missing]
`))
	require.NoError(t, err)

	created, err := applier.Apply(ctx, &b)
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
	assert.Equal(t, 0, created)

	_, err = defs.GetWorkflowByName(ctx, "broken")
	assert.True(t, model.IsKind(err, model.KindNotFound))
}

func TestApplier_UnknownWorkflowDependency(t *testing.T) {
	applier, defs, _ := newApplier(t)
	ctx := context.Background()

	b, err := Parse([]byte(`
workflows:
  - name: orphan
    behavior: SEQUENTIAL
    resource: dataset-1
    dependsOn: [does not exist]
`))
	require.NoError(t, err)

	_, err = applier.Apply(ctx, &b)
	assert.True(t, model.IsKind(err, model.KindConfiguration))
	_, err = defs.GetWorkflowByName(ctx, "orphan")
	assert.True(t, model.IsKind(err, model.KindNotFound))
}
