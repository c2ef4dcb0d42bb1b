package postgres

import (
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
)

// database/sql drivers the store can open.
const (
	DriverPQ  = "postgres"
	DriverPgx = "pgx"
)

func driverName(d string) (string, error) {
	switch d {
	case "", DriverPQ, "pq":
		return DriverPQ, nil
	case DriverPgx:
		return DriverPgx, nil
	default:
		return "", fmt.Errorf("unsupported postgres driver %q", d)
	}
}
