package naibot

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.sqlite3")
	handler := tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelWarn})
	db, err := openDB(context.Background(), dbTypeSQLite, dbPath, handler, time.Second)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func newTestStore(t testing.TB) *Store {
	t.Helper()
	return NewStore(setupTestDB(t), testLogger(t))
}

func TestOpenDB_InvalidType(t *testing.T) {
	t.Parallel()
	handler := tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelWarn})
	_, err := openDB(context.Background(), "mysql", "foo", handler, time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestStore_State(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	state, err := store.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), state.ID)
	assert.False(t, state.Paused)
	assert.Empty(t, state.AdminUsername)

	require.NoError(t, store.SetPaused(ctx, true))
	state, err = store.LoadState(ctx)
	require.NoError(t, err)
	assert.True(t, state.Paused)

	require.NoError(t, store.SetPaused(ctx, false))
	state, err = store.LoadState(ctx)
	require.NoError(t, err)
	assert.False(t, state.Paused)

	require.NoError(t, store.SetAdminCredentials(ctx, "admin", "hunter2"))
	state, err = store.LoadState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "admin", state.AdminUsername)
	assert.NotEqual(t, "hunter2", state.AdminPassword)

	valid, err := VerifyPassword(state.AdminPassword, "hunter2")
	require.NoError(t, err)
	assert.True(t, valid)

	var count int64
	require.NoError(t, store.DB().Model(&BotState{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// the password hash is never logged
	assert.NotContains(t, state.LogValue().String(), state.AdminPassword)
}

func TestStore_GenerationStats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	record := func(userID string, outcome EventKind) {
		job := newJob(userID, testPayload("foo"), nil, 2, 0, 0, time.Now())
		job.beginAttempt()
		rec := newGenerationRecord(job, outcome, "", time.Second)
		require.NoError(t, store.RecordGeneration(ctx, rec))
	}

	for i := 0; i < 3; i++ {
		record("alice", EventSuccess)
	}
	for i := 0; i < 2; i++ {
		record("bob", EventSuccess)
	}
	record("bob", EventFailure)
	record("carol", EventSuccess)
	record("dave", EventAborted)

	entries, err := store.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]LeaderboardEntry{
			{UserID: "alice", Generations: 3},
			{UserID: "bob", Generations: 2},
			{UserID: "carol", Generations: 1},
		},
		entries,
	)

	entries, err = store.Leaderboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].UserID)

	totals, err := store.OutcomeTotals(ctx)
	require.NoError(t, err)
	assert.Equal(
		t,
		map[string]int64{"success": 6, "failure": 1, "aborted": 1},
		totals,
	)

	n, err := store.UserGenerations(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = store.UserGenerations(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	var rec GenerationRecord
	require.NoError(t, store.DB().Where("user_id = ?", "carol").First(&rec).Error)
	assert.Equal(t, JobKindTxt2Img, rec.Kind)
	assert.Equal(t, DefaultModel, rec.Model)
	assert.Equal(t, DefaultWidth, rec.Width)
	assert.Equal(t, int64(1234), rec.Seed)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, int64(1000), rec.GenerationTime)
	assert.NotZero(t, rec.CreatedAt)
	assert.False(t, rec.VibeTransferUsed)
	assert.False(t, rec.QualityToggle)
}

func TestNewGenerationRecord_PromptOptions(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	payload := testPayload("a cat")
	payload.QualityToggle = true
	payload.UndesiredContentPreset = UndesiredContentHeavy
	payload.VibeTransfer = []VibeReference{{Image: []byte("ref"), InformationExtracted: 1, Strength: 0.6}}
	job := newJob("alice", &payload, nil, 2, 0, 0, time.Now())
	job.beginAttempt()
	require.NoError(t, store.RecordGeneration(ctx, newGenerationRecord(job, EventSuccess, "", time.Second)))

	var rec GenerationRecord
	require.NoError(t, store.DB().Where("job_id = ?", job.ID.String()).First(&rec).Error)
	assert.True(t, rec.VibeTransferUsed)
	assert.True(t, rec.QualityToggle)
	assert.Equal(t, UndesiredContentHeavy, rec.UndesiredContentPreset)
	assert.Equal(t, DefaultModel, rec.Model)
}

func TestStore_Presets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := newTestStore(t)

	params := testPayload("a cat")
	params.Steps = 20
	require.NoError(t, store.SavePreset(ctx, &Preset{UserID: "alice", Name: " cats ", Params: params}))

	preset, err := store.GetPreset(ctx, "alice", "cats")
	require.NoError(t, err)
	assert.Equal(t, "cats", preset.Name)
	assert.Equal(t, params, preset.Params)

	_, err = store.GetPreset(ctx, "bob", "cats")
	assert.ErrorIs(t, err, ErrPresetNotFound)

	t.Run(
		"overwrite", func(t *testing.T) {
			updated := params
			updated.Steps = 28
			updated.Prompt = "a dog"
			require.NoError(t, store.SavePreset(ctx, &Preset{UserID: "alice", Name: "cats", Params: updated}))

			presets, err := store.ListPresets(ctx, "alice")
			require.NoError(t, err)
			require.Len(t, presets, 1)
			assert.Equal(t, updated, presets[0].Params)
		},
	)

	t.Run(
		"invalid name", func(t *testing.T) {
			assert.ErrorIs(t, store.SavePreset(ctx, &Preset{UserID: "alice", Name: "  "}), ErrPresetName)
			assert.ErrorIs(
				t,
				store.SavePreset(ctx, &Preset{UserID: "alice", Name: strings.Repeat("x", presetNameMaxLen+1)}),
				ErrPresetName,
			)
		},
	)

	t.Run(
		"limit", func(t *testing.T) {
			for i := 0; i < maxPresetsPerUser; i++ {
				require.NoError(
					t,
					store.SavePreset(ctx, &Preset{UserID: "carol", Name: fmt.Sprintf("p%02d", i), Params: params}),
				)
			}
			err := store.SavePreset(ctx, &Preset{UserID: "carol", Name: "one more", Params: params})
			assert.ErrorIs(t, err, ErrTooManyPresets)

			// replacing an existing preset is still allowed
			require.NoError(t, store.SavePreset(ctx, &Preset{UserID: "carol", Name: "p00", Params: params}))

			presets, err := store.ListPresets(ctx, "carol")
			require.NoError(t, err)
			assert.Len(t, presets, maxPresetsPerUser)
			assert.Equal(t, "p00", presets[0].Name)
		},
	)

	t.Run(
		"delete", func(t *testing.T) {
			require.NoError(t, store.DeletePreset(ctx, "alice", "cats"))
			assert.ErrorIs(t, store.DeletePreset(ctx, "alice", "cats"), ErrPresetNotFound)
			presets, err := store.ListPresets(ctx, "alice")
			require.NoError(t, err)
			assert.Empty(t, presets)
		},
	)
}

func TestCreateDB(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "naibot.sqlite3")
	db, err := CreateDB(context.Background(), dbTypeSQLite, dbPath)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		},
	)

	_, err = os.Stat(dbPath)
	require.NoError(t, err)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&BotState{}))
	assert.True(t, mg.HasTable(&GenerationRecord{}))
	assert.True(t, mg.HasTable(&Preset{}))
}
