package naibot

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"

	columnUserID      = "user_id"
	columnOutcome     = "outcome"
	columnPresetName  = "name"
	columnParams      = "params"
	columnUpdatedAt   = "updated_at"
	maxPresetsPerUser = 25
	presetNameMaxLen  = 32
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second

	ErrPresetNotFound = errors.New("preset not found")
	ErrTooManyPresets = fmt.Errorf("a user may save at most %d presets", maxPresetsPerUser)
	ErrPresetName     = fmt.Errorf("preset names must be 1-%d characters", presetNameMaxLen)
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// BotState is the single row of state persisted across restarts
type BotState struct {
	ModelUintID
	ModelUnixTime

	// Paused stops non-exempt users from submitting new requests
	Paused bool `json:"paused"`

	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"-" log:"[redacted]"`
}

func (s BotState) LogValue() slog.Value {
	return structToSlogValue(s)
}

// GenerationRecord is written once per job, after its terminal event
type GenerationRecord struct {
	ModelUintID
	ModelUnixTime

	JobID    string  `gorm:"uniqueIndex" json:"job_id"`
	UserID   string  `gorm:"index" json:"user_id"`
	Kind     JobKind `json:"kind"`
	Model    string  `json:"model,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Seed     int64   `json:"seed,omitempty"`
	Outcome  string  `gorm:"index" json:"outcome"`
	Error    string  `json:"error,omitempty"`
	Attempts int     `json:"attempts"`

	QualityToggle          bool   `json:"quality_toggle"`
	UndesiredContentPreset string `json:"undesired_content_preset,omitempty"`
	VibeTransferUsed       bool   `json:"vibe_transfer_used"`

	// GenerationTime is the time from the job's first attempt to its
	// terminal event, in milliseconds
	GenerationTime int64 `json:"generation_time"`
}

func newGenerationRecord(
	job *Job,
	outcome EventKind,
	message string,
	elapsed time.Duration,
) *GenerationRecord {
	rec := &GenerationRecord{
		JobID:          job.ID.String(),
		UserID:         job.SubmitterID,
		Kind:           job.Payload.Kind(),
		Outcome:        outcome.String(),
		Error:          message,
		Attempts:       job.AttemptsMade(),
		GenerationTime: elapsed.Milliseconds(),
	}
	switch p := job.Payload.(type) {
	case Txt2ImgPayload:
		rec.setTxt2Img(p)
	case *Txt2ImgPayload:
		rec.setTxt2Img(*p)
	case DirectorToolsPayload:
		rec.Model = p.RequestType
		rec.Width = p.Width
		rec.Height = p.Height
	case *DirectorToolsPayload:
		rec.Model = p.RequestType
		rec.Width = p.Width
		rec.Height = p.Height
	}
	return rec
}

func (r *GenerationRecord) setTxt2Img(p Txt2ImgPayload) {
	r.Model = p.Model
	r.Width = p.Width
	r.Height = p.Height
	r.Seed = p.Seed
	r.QualityToggle = p.QualityToggle
	r.UndesiredContentPreset = p.UndesiredContentPreset
	r.VibeTransferUsed = len(p.VibeTransfer) > 0
}

// Preset is a named set of txt2img parameters saved by a user
type Preset struct {
	ModelUintID
	ModelUnixTime

	UserID string         `gorm:"uniqueIndex:idx_preset_user_name" json:"user_id"`
	Name   string         `gorm:"uniqueIndex:idx_preset_user_name" json:"name"`
	Params Txt2ImgPayload `gorm:"serializer:json" json:"params"`
}

// StatsRecorder records the outcome of every finished job
type StatsRecorder interface {
	RecordGeneration(ctx context.Context, rec *GenerationRecord) error
}

// LeaderboardEntry is a user's count of successful generations
type LeaderboardEntry struct {
	UserID      string `json:"user_id"`
	Generations int64  `json:"generations"`
}

// Store persists bot state, generation records and presets
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger.With(loggerNameKey, "store")}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) RecordGeneration(ctx context.Context, rec *GenerationRecord) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("error recording generation: %w", err)
	}
	return nil
}

// Leaderboard returns up to limit users, ordered by their number of
// successful generations
func (s *Store) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var entries []LeaderboardEntry
	err := s.db.WithContext(ctx).
		Model(&GenerationRecord{}).
		Select("user_id, count(*) as generations").
		Where("outcome = ?", EventSuccess.String()).
		Group(columnUserID).
		Order("generations desc, user_id").
		Limit(limit).
		Scan(&entries).Error
	return entries, err
}

// OutcomeTotals returns the number of recorded jobs for each outcome
func (s *Store) OutcomeTotals(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var rows []struct {
		Outcome string
		Total   int64
	}
	err := s.db.WithContext(ctx).
		Model(&GenerationRecord{}).
		Select("outcome, count(*) as total").
		Group(columnOutcome).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	totals := make(map[string]int64, len(rows))
	for _, row := range rows {
		totals[row.Outcome] = row.Total
	}
	return totals, nil
}

// UserGenerations returns the number of successful generations for a user
func (s *Store) UserGenerations(ctx context.Context, userID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var count int64
	err := s.db.WithContext(ctx).
		Model(&GenerationRecord{}).
		Where("user_id = ? AND outcome = ?", userID, EventSuccess.String()).
		Count(&count).Error
	return count, err
}

// SavePreset creates or replaces the user's preset with the given name
func (s *Store) SavePreset(ctx context.Context, preset *Preset) error {
	preset.Name = strings.TrimSpace(preset.Name)
	if preset.Name == "" || len([]rune(preset.Name)) > presetNameMaxLen {
		return ErrPresetName
	}

	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	return s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var count int64
			err := tx.Model(&Preset{}).
				Where("user_id = ? AND name <> ?", preset.UserID, preset.Name).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count >= maxPresetsPerUser {
				return ErrTooManyPresets
			}
			return tx.Clauses(
				clause.OnConflict{
					Columns: []clause.Column{
						{Name: columnUserID},
						{Name: columnPresetName},
					},
					DoUpdates: clause.AssignmentColumns(
						[]string{columnParams, columnUpdatedAt},
					),
				},
			).Create(preset).Error
		},
	)
}

func (s *Store) GetPreset(ctx context.Context, userID, name string) (*Preset, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var preset Preset
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		First(&preset).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPresetNotFound
	}
	if err != nil {
		return nil, err
	}
	return &preset, nil
}

func (s *Store) ListPresets(ctx context.Context, userID string) ([]Preset, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var presets []Preset
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(columnPresetName).
		Find(&presets).Error
	return presets, err
}

func (s *Store) DeletePreset(ctx context.Context, userID, name string) error {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	rv := s.db.WithContext(ctx).
		Where("user_id = ? AND name = ?", userID, name).
		Delete(&Preset{})
	if rv.Error != nil {
		return rv.Error
	}
	if rv.RowsAffected == 0 {
		return ErrPresetNotFound
	}
	return nil
}

// LoadState returns the persisted [BotState], creating it if it
// doesn't exist yet
func (s *Store) LoadState(ctx context.Context) (*BotState, error) {
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()

	var state BotState
	err := s.db.WithContext(ctx).FirstOrCreate(&state, BotState{ModelUintID: ModelUintID{ID: 1}}).Error
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	state, err := s.LoadState(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Model(state).Update("paused", paused).Error
}

// SetAdminCredentials stores the admin username and an argon2 hash of
// the password
func (s *Store) SetAdminCredentials(ctx context.Context, username, password string) error {
	hashed, err := hashPassword(password)
	if err != nil {
		return fmt.Errorf("error hashing password: %w", err)
	}
	state, err := s.LoadState(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	return s.db.WithContext(ctx).Model(state).Updates(
		map[string]any{
			"admin_username": username,
			"admin_password": hashed,
		},
	).Error
}

// CreateDB opens the database and runs migrations, logging at WARN
func CreateDB(ctx context.Context, databaseType string, database string) (*gorm.DB, error) {
	handler := tint.NewHandler(
		os.Stdout,
		&tint.Options{
			Level:     slog.LevelWarn,
			AddSource: true,
		},
	)
	return openDB(ctx, databaseType, database, handler, DefaultDatabaseSlowThreshold)
}

func openDB(
	ctx context.Context,
	databaseType string,
	database string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	gormLogger := newGORMLogger(handler, slowThreshold)
	dbLogger := slog.New(handler).With(loggerNameKey, "database")

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", databaseType,
	)
	db, err := getDB(databaseType, database, gormLogger)
	if err != nil {
		return nil, err
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(
		&BotState{},
		&GenerationRecord{},
		&Preset{},
	); err != nil {
		txn.Rollback()
		return nil, err
	}
	if err = txn.Commit().Error; err != nil {
		return nil, err
	}
	return db, nil
}

// getDB initializes and returns a GORM database connection based on the
// specified database type.
//
// Parameters:
//   - databaseType: Must be 'sqlite' or 'postgres'
//   - database: Database connection string, or SQLite file path.
//   - gormLogger: A pointer to a gormStructuredLogger instance for
//     logging database operations.
func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	switch databaseType {
	case dbTypeSQLite:
		if parentDir := filepath.Dir(database); parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		db, err := gorm.Open(sqlite.Open(database), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if err = db.Exec(pragma).Error; err != nil {
				return nil, fmt.Errorf("error executing %q: %w", pragma, err)
			}
		}
		return db, nil
	case dbTypePostgres:
		return gorm.Open(postgres.Open(database), gormConfig)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
