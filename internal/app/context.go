package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"planforge/internal/config"
	"planforge/internal/db"
	"planforge/internal/engine"
	"planforge/internal/metrics"
	"planforge/internal/migrate"
)

// EnvFiles are read from the workspace before anything else so the gateway
// and JWT secrets can live next to planforge.yml. Earlier files win.
var EnvFiles = []string{".env.local", ".env"}

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/planforge.yml.
	ConfigPath string
	Logger     hclog.Logger
	Metrics    *metrics.Metrics
}

// Workspace is an opened store with the engine built over it.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
}

// LoadConfig resolves the effective config: the explicit path if given,
// otherwise the workspace file, otherwise defaults.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		cfg, err := config.FromFile(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", opts.ConfigPath, err)
		}
		return cfg, nil
	}
	return config.LoadOptional(opts.Workspace)
}

// LoadEnv imports the workspace env files without overriding variables
// already set.
func LoadEnv(workspace string) error {
	if workspace == "" {
		workspace = "."
	}
	for _, name := range EnvFiles {
		path := filepath.Join(workspace, name)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Open prepares the workspace directory, opens and migrates the store and
// builds an engine from the effective config.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	e, err := engine.New(conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if opts.Logger != nil {
		e.Logger = opts.Logger
	}
	e.Metrics = opts.Metrics
	return &Workspace{Dir: opts.Workspace, Config: cfg, DB: conn, Engine: e}, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}
