package http

import (
	"log/slog"
	"time"

	"github.com/karloscodes/cartridge"

	"visitrack/internal/sessions"
)

// HealthStatus represents the health check response
type HealthStatus struct {
	Status       string    `json:"status"`
	Timestamp    time.Time `json:"timestamp"`
	DBStatus     string    `json:"db_status"`
	OpenSessions int64     `json:"open_sessions"`
}

// HealthIndexAction pings the database and reports how many sessions are open.
// It always answers 200; a broken database shows up as status "degraded".
func HealthIndexAction(ctx *cartridge.Context) error {
	health := HealthStatus{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		DBStatus:  "ok",
	}

	db := ctx.DBManager.GetConnection()
	switch {
	case db == nil:
		health.DBStatus = "error"
		ctx.Logger.Error("Database connection unavailable")
	default:
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.Ping()
		}
		if err != nil {
			health.DBStatus = "error"
			ctx.Logger.Error("Database ping failed", slog.Any("error", err))
			break
		}
		open, err := sessions.CountOpen(db)
		if err != nil {
			health.DBStatus = "error"
			ctx.Logger.Error("Failed to count open sessions", slog.Any("error", err))
			break
		}
		health.OpenSessions = open
	}

	if health.DBStatus != "ok" {
		health.Status = "degraded"
	}
	return ctx.JSON(health)
}
