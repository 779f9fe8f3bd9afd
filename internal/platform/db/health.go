package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// pingTimeout bounds the connectivity probe so a wedged database cannot
// hang the health endpoint.
const pingTimeout = 5 * time.Second

// PoolStatus is a point-in-time snapshot of the connection pool counters,
// reported by the database health endpoint.
type PoolStatus struct {
	Total       int32  `json:"total"`
	Idle        int32  `json:"idle"`
	InUse       int32  `json:"in_use"`
	Max         int32  `json:"max"`
	Acquires    int64  `json:"acquires"`
	AcquireWait string `json:"acquire_wait"`
}

// HealthStatus is the response body of the database health endpoint.
type HealthStatus struct {
	Status string     `json:"status"`
	Error  string     `json:"error,omitempty"`
	Pool   *PoolStatus `json:"pool"`
}

// snapshotPool reads the live pool counters.
func snapshotPool(pool *pgxpool.Pool) *PoolStatus {
	stat := pool.Stat()
	return &PoolStatus{
		Total:       stat.TotalConns(),
		Idle:        stat.IdleConns(),
		InUse:       stat.AcquiredConns(),
		Max:         stat.MaxConns(),
		Acquires:    stat.AcquireCount(),
		AcquireWait: stat.AcquireDuration().String(),
	}
}

// healthStatus folds a ping result into a pool snapshot.
func healthStatus(stats *PoolStatus, pingErr error) (int, HealthStatus) {
	if pingErr != nil {
		return http.StatusServiceUnavailable, HealthStatus{
			Status: "unhealthy",
			Error:  pingErr.Error(),
			Pool:   stats,
		}
	}
	return http.StatusOK, HealthStatus{Status: "healthy", Pool: stats}
}

// Health serves the database health endpoint: a bounded ping plus the
// current pool counters.
func Health(pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), pingTimeout)
		defer cancel()

		pingErr := pool.Ping(ctx)
		code, body := healthStatus(snapshotPool(pool), pingErr)
		return c.JSON(code, body)
	}
}
