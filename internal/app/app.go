package app

import (
	"database/sql"
	"fmt"

	"github.com/KamaTechOrg/BSDFlow/internal/config"
	"github.com/KamaTechOrg/BSDFlow/internal/db"
	"github.com/KamaTechOrg/BSDFlow/internal/entity"
	"github.com/KamaTechOrg/BSDFlow/internal/migrate"
	"github.com/KamaTechOrg/BSDFlow/internal/process"
	"github.com/KamaTechOrg/BSDFlow/internal/schema"
)

// App wires the storage, registry, store and engine for one workspace. The
// CLI and the server both go through it so they agree on migrations and
// configured validators.
type App struct {
	DB       *sql.DB
	Config   *config.Config
	Schemas  *schema.Registry
	Entities *entity.Store
	Engine   *process.Engine
}

// Open initializes the workspace database, applies migrations, registers
// configured pattern validators and builds the component graph.
func Open(workspace string) (*App, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	for name, v := range cfg.Validators {
		if err := schema.RegisterPattern(name, v.Pattern); err != nil {
			conn.Close()
			return nil, fmt.Errorf("validator %s: %w", name, err)
		}
	}
	schemas := schema.NewRegistry(conn)
	store := entity.NewStore(conn, schemas)
	engine := process.New(conn, schemas, store)
	if cfg.Engine.MaxAttempts > 0 {
		engine.MaxAttempts = cfg.Engine.MaxAttempts
	}
	return &App{
		DB:       conn,
		Config:   cfg,
		Schemas:  schemas,
		Entities: store,
		Engine:   engine,
	}, nil
}

// Close releases the database handle.
func (a *App) Close() error {
	return a.DB.Close()
}
