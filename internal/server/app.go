package server

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gatekeep/internal/audit"
	"gatekeep/internal/authz"
	"gatekeep/internal/config"
	"gatekeep/internal/constants"
	"gatekeep/internal/credstore"
	"gatekeep/internal/database"
	"gatekeep/internal/lockout"
	"gatekeep/internal/logger"
	"gatekeep/internal/policy"
	"gatekeep/internal/session"
)

// App holds all application state and dependencies.
type App struct {
	Config   *config.Config
	Logger   *logger.Logger
	DB       *sql.DB
	AuditLog *audit.Log
	Sessions *session.Store
	Lockouts *lockout.Tracker
	Grants   *authz.Store
	Creds    *credstore.Store
	Engine   *policy.Engine

	StartedAt time.Time
}

// NewApp opens the policy database and wires the engine and its components.
func NewApp(cfg *config.Config, log *logger.Logger) (*App, error) {
	internalDir := filepath.Join(cfg.WorkingDirectory, constants.InternalDir)
	if err := os.MkdirAll(internalDir, constants.DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create internal directory: %w", err)
	}

	db, err := database.Init(filepath.Join(internalDir, constants.PolicyDB))
	if err != nil {
		return nil, fmt.Errorf("failed to open policy database: %w", err)
	}

	chainKey, err := loadChainKey(cfg, internalDir)
	if err != nil {
		db.Close()
		return nil, err
	}

	auditLog, err := audit.NewLog(db, chainKey, constants.AppName)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	sessions := session.NewStore(db, auditLog, log,
		cfg.Policy.SensitiveTimeout(), cfg.Policy.NormalTimeout())
	lockouts := lockout.NewTracker(db, auditLog, log,
		cfg.Policy.LockoutThreshold, cfg.Policy.LockoutWindow(), cfg.Policy.LockoutDuration())
	grants := authz.NewStore(db, log)
	creds := credstore.NewStore(db, log)
	evaluator := authz.NewEvaluator(log)

	engine := policy.NewEngine(&cfg.Policy, log, sessions, lockouts, evaluator, grants, creds, auditLog)

	sessions.StartCleanup(constants.SessionCleanupInterval)

	return &App{
		Config:    cfg,
		Logger:    log,
		DB:        db,
		AuditLog:  auditLog,
		Sessions:  sessions,
		Lockouts:  lockouts,
		Grants:    grants,
		Creds:     creds,
		Engine:    engine,
		StartedAt: time.Now(),
	}, nil
}

// Close stops background work and closes the database.
func (a *App) Close() {
	a.Sessions.Stop()
	if err := a.DB.Close(); err != nil {
		a.Logger.Error("Failed to close database: %v", err)
	}
}

// loadChainKey resolves the audit chain key: config value first, otherwise a
// key file under the working directory, generated on first run.
func loadChainKey(cfg *config.Config, internalDir string) ([]byte, error) {
	if cfg.Audit.ChainKeyHex != "" {
		key, err := hex.DecodeString(cfg.Audit.ChainKeyHex)
		if err != nil || len(key) != constants.ChainKeyBytes {
			return nil, fmt.Errorf("audit.chain_key must be %d bytes hex", constants.ChainKeyBytes)
		}
		return key, nil
	}

	keyPath := filepath.Join(internalDir, constants.ChainKeyFile)
	if data, err := os.ReadFile(keyPath); err == nil {
		key, derr := hex.DecodeString(string(data))
		if derr != nil || len(key) != constants.ChainKeyBytes {
			return nil, fmt.Errorf("corrupt chain key file %s", keyPath)
		}
		return key, nil
	}

	key := make([]byte, constants.ChainKeyBytes)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate chain key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), constants.KeyPermissions); err != nil {
		return nil, fmt.Errorf("failed to persist chain key: %w", err)
	}
	return key, nil
}
