package cmd

import (
	"bytes"
	"fmt"
	"github.com/RindouKobayashi/NAI-BOT/naibot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	os.Setenv("NAIBOT_DATABASE_TYPE", "sqlite")
	os.Setenv("NAIBOT_DATABASE", dbPath)
	t.Cleanup(
		func() {
			os.Unsetenv("NAIBOT_DATABASE_TYPE")
			os.Unsetenv("NAIBOT_DATABASE")
		},
	)

	// Mock user input
	oldStdin := os.Stdin
	t.Cleanup(
		func() {
			os.Stdin = oldStdin
		},
	)

	passwords := []string{"testpassword", "testpassword"}
	passwordIndex := 0

	mockPasswordReader := func() ([]byte, error) {
		if passwordIndex >= len(passwords) {
			return nil, fmt.Errorf("no more passwords")
		}
		password := passwords[passwordIndex]
		passwordIndex++
		return []byte(password), nil
	}

	t.Cleanup(
		func() {
			customPasswordReader = nil
		},
	)

	customPasswordReader = mockPasswordReader

	input := "testadmin\n"
	r, w, _ := os.Pipe()
	os.Stdin = r
	go func() {
		_, _ = w.Write([]byte(input))
		_ = w.Close()
	}()

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	rootCmd.SetArgs([]string{"init"})
	err := rootCmd.Execute()
	require.NoError(t, err)

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")

	// Verify the output
	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "Admin credentials are not set. Let's set them up.")
	assert.Contains(t, output, "Enter admin username:")
	assert.Contains(t, output, "Enter admin password:")
	assert.Contains(t, output, "Confirm admin password:")
	assert.Contains(t, output, "Admin credentials set successfully")
	assert.Contains(t, output, "Initialization complete")

	// Verify the database contents
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)

	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var state naibot.BotState
	err = db.First(&state).Error
	require.NoError(t, err)

	assert.Equal(t, "testadmin", state.AdminUsername)
	assert.NotEmpty(t, state.AdminPassword)
	assert.NotEqual(t, "testpassword", state.AdminPassword) // Password should be hashed
	assert.False(t, state.Paused)

	mg := db.Migrator()

	assert.True(t, mg.HasTable(&naibot.BotState{}))
	assert.True(t, mg.HasTable(&naibot.GenerationRecord{}))
	assert.True(t, mg.HasTable(&naibot.Preset{}))

	valid, err := naibot.VerifyPassword(state.AdminPassword, "testpassword")
	assert.NoError(t, err)
	assert.True(t, valid)

	invalid, err := naibot.VerifyPassword(state.AdminPassword, "wrongpassword")
	assert.NoError(t, err)
	assert.False(t, invalid)
}
