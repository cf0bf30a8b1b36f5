package form

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupFormDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&Definition{}))
	return db
}

func TestStoreProvider_StoredFormPresentationPerStep(t *testing.T) {
	db := setupFormDB(t)
	p := NewStoreProvider(db)
	ctx := context.Background()

	def := &Definition{Name: "Agreement", Schema: json.RawMessage(agreementSchema), UISchema: json.RawMessage(`{"accept":{"ui:widget":"checkbox"}}`)}
	require.NoError(t, p.Create(ctx, def))
	id := def.ID

	render := func(ref Ref) Rendered {
		t.Helper()
		schema, err := p.Schema(ctx, ref, nil)
		require.NoError(t, err)
		return schema.Render()
	}

	first := render(Ref{FormID: &id, Title: "Researcher agreement", UISchema: json.RawMessage(`{"fullName":{"ui:autofocus":true}}`)})
	assert.Equal(t, "Researcher agreement", first.Title)
	assert.JSONEq(t, `{"fullName":{"ui:autofocus":true}}`, string(first.UISchema))

	second := render(Ref{FormID: &id, Title: "Supervisor agreement"})
	assert.Equal(t, "Supervisor agreement", second.Title)
	assert.JSONEq(t, `{"accept":{"ui:widget":"checkbox"}}`, string(second.UISchema))

	plain := render(Ref{FormID: &id})
	assert.Equal(t, "Agreement", plain.Title)

	t.Run("Inactive form", func(t *testing.T) {
		require.NoError(t, db.Model(&Definition{}).Where("id = ?", id).Update("active", false).Error)
		_, err := p.Schema(ctx, Ref{FormID: &id}, nil)
		assert.ErrorIs(t, err, ErrFormNotFound)
	})
}
