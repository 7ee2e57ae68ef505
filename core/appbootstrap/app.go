package appbootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"parkwatch/api"
	"parkwatch/config"
	"parkwatch/core/auth"
	"parkwatch/core/store"
	"parkwatch/core/utils"
)

type App struct {
	DB     *store.DB
	Server *api.Server
}

// Build opens the database, applies migrations, seeds the first administrator
// and wires the HTTP server with its background workers.
func Build(ctx context.Context, cfg *config.AppConfig, logger *utils.Logger) (*App, error) {
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := store.ApplyMigrations(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	rc := composeRuntime(cfg, db, logger)
	if err := EnsureDefaultAdmin(ctx, rc.users, cfg, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	deps := rc.serverDeps
	deps.Workers = rc.workers
	return &App{DB: db, Server: api.NewServer(cfg, deps, logger)}, nil
}

func (a *App) Close() error {
	if a == nil || a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// EnsureDefaultAdmin creates the configured admin account when the users table is empty.
func EnsureDefaultAdmin(ctx context.Context, users store.UsersStore, cfg *config.AppConfig, logger *utils.Logger) error {
	count, err := users.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if count > 0 {
		return nil
	}
	password := strings.TrimSpace(cfg.Auth.AdminPassword)
	if password == "" {
		if !cfg.IsDevelopment() {
			return errors.New("no users exist and auth.admin_password is not set")
		}
		password = "parkwatch-admin"
		logger.Printf("bootstrap: using development admin password for %q", cfg.Auth.AdminUsername)
	}
	hash, err := auth.HashPassword(password, cfg.Auth.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	admin := &store.User{
		Username:     cfg.Auth.AdminUsername,
		FullName:     "Administrator",
		PasswordHash: hash,
		Roles:        []string{"admin"},
		Active:       true,
	}
	if _, err := users.CreateUser(ctx, admin); err != nil {
		return fmt.Errorf("create admin: %w", err)
	}
	logger.Printf("bootstrap: created admin user %q", admin.Username)
	return nil
}
