package health

import (
	"context"
	"database/sql"
	"time"
)

// Pinger is anything with a context-aware liveness probe, such as the
// Redis history mirror.
type Pinger interface {
	Ping(ctx context.Context) error
}

const checkTimeout = 2 * time.Second

// Database reports whether the Postgres pool answers a ping.
func Database(db *sql.DB) Checker {
	return PingChecker("database", pingFunc(db.PingContext))
}

// PingChecker wraps a Pinger as a Checker bounded by a short timeout.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		ctx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			return Status{Name: name, Healthy: false, Detail: err.Error()}
		}
		return Status{Name: name, Healthy: true}
	}
}

// Scorer reports the fraud model's mode. A degraded scorer is still
// healthy: the agent keeps deciding, it just routes to HOLD.
func Scorer(mode func() (detail string, degraded bool)) Checker {
	return func(_ context.Context) Status {
		detail, degraded := mode()
		if degraded {
			detail = "degraded: " + detail
		}
		return Status{Name: "scorer", Healthy: true, Detail: detail}
	}
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }
