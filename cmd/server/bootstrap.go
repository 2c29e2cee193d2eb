package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/boardroom/internal/api"
	"github.com/charlesng35/boardroom/internal/app"
	"github.com/charlesng35/boardroom/internal/app/maintenance"
	iauth "github.com/charlesng35/boardroom/internal/auth"
	"github.com/charlesng35/boardroom/internal/collab"
	"github.com/charlesng35/boardroom/internal/database"
	"github.com/charlesng35/boardroom/internal/handlers"
	"github.com/charlesng35/boardroom/internal/realtime"
	"github.com/charlesng35/boardroom/internal/store"
	"github.com/charlesng35/boardroom/pkg/logger"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB        *gorm.DB
	Store     *store.GormStore
	Persister *collab.Persister
	Sessions  *collab.Service
	Hub       *realtime.Hub
	Cleaner   *maintenance.Cleaner
	Router    *gin.Engine
}

// bootstrapRuntime initialises the database, the session coordinator, the
// websocket hub and the HTTP router. A store that cannot be reached fails
// startup.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	stack.Store, err = store.NewGormStore(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise session store: %w", err)
	}

	stack.Persister, err = collab.NewPersister(stack.Store, cfg.Persistence.PersistConfig(), logger.WithModule("persistence"))
	if err != nil {
		return nil, fmt.Errorf("initialise persister: %w", err)
	}

	stack.Sessions, err = collab.NewService(stack.Store, stack.Persister, cfg.Sessions.CollabConfig(), logger.WithModule("collab"))
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	stack.Hub = realtime.NewHub(cfg.Realtime.HubConfig(), logger.WithModule("realtime"))

	stack.Cleaner, err = maintenance.NewCleaner(stack.Store, stack.Sessions,
		maintenance.WithSchedule(cfg.Sessions.SweepSchedule),
		maintenance.WithRetention(cfg.Sessions.IdleRetention),
	)
	if err != nil {
		return nil, fmt.Errorf("initialise maintenance: %w", err)
	}
	// Sessions emptied before the last shutdown lost their grace timers.
	if swept, err := stack.Cleaner.RunOnce(ctx); err != nil {
		log.Warn("startup sweep failed", zap.Error(err))
	} else if swept > 0 {
		log.Info("startup sweep removed idle sessions", zap.Int("count", swept))
	}
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	whiteboard := handlers.NewWhiteboardHandler(stack.Sessions, stack.Hub, jwtSvc, logger.WithModule("whiteboard"))
	stack.Router, err = api.NewRouter(cfg, api.Dependencies{
		Store:      stack.Store,
		Whiteboard: whiteboard,
	})
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown disconnects clients, drains queued durable writes and releases
// resources, in that order.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Hub != nil {
		if err := s.Hub.Close(ctx); err != nil {
			log.Warn("realtime shutdown", zap.Error(err))
		}
	}

	if s.Sessions != nil {
		s.Sessions.Stop()
	}

	if s.Persister != nil {
		if err := s.Persister.Close(ctx); err != nil {
			log.Warn("persistence drain incomplete", zap.Error(err), zap.Int("pending", s.Persister.Pending()))
		}
	}

	if s.Cleaner != nil {
		<-s.Cleaner.Stop().Done()
	}

	if s.DB != nil {
		if err := database.Close(s.DB); err != nil {
			log.Warn("failed to close database", zap.Error(err))
		}
	}
}

func initialiseDatabase(ctx context.Context, cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.Connection()
	dbCfg.Driver = strings.ToLower(strings.TrimSpace(dbCfg.Driver))

	db, err := database.OpenAndMigrate(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", dbCfg.Driver))

	return db, nil
}
