package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The suite provisions its own throwaway postgres through the Docker CLI,
// so the only host requirement is a working docker daemon.
const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "bookline_it"
	pgPassword = "bookline_it"
	pgDatabase = "bookline_it"

	pgReadyTimeout = 30 * time.Second
)

// startPostgresContainer runs a disposable postgres container published on
// a free local port. It returns a connection string that is ready to use
// and a cleanup that removes the container.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	port, err := freePort()
	if err != nil {
		return "", nil, fmt.Errorf("reserve local port: %w", err)
	}

	// A crashed previous run can leave the name behind.
	name := fmt.Sprintf("bookline-it-%d", port)
	_ = exec.CommandContext(ctx, "docker", "rm", "-f", name).Run()

	out, err := exec.CommandContext(ctx, "docker", "run", "-d",
		"--name", name,
		"-p", fmt.Sprintf("127.0.0.1:%d:5432", port),
		"-e", "POSTGRES_USER="+pgUser,
		"-e", "POSTGRES_PASSWORD="+pgPassword,
		"-e", "POSTGRES_DB="+pgDatabase,
		pgImage,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w\noutput: %s", err, out)
	}

	id := strings.TrimSpace(string(out))
	cleanup := func() { _ = exec.Command("docker", "rm", "-f", id).Run() }

	dsn := fmt.Sprintf("postgres://%s:%s@127.0.0.1:%d/%s?sslmode=disable",
		pgUser, pgPassword, port, pgDatabase)
	if err := awaitPostgres(ctx, dsn, pgReadyTimeout); err != nil {
		cleanup()
		return "", nil, err
	}
	return dsn, cleanup, nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr := l.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// awaitPostgres polls until the database answers a ping. The container
// accepts TCP connections well before initdb finishes, so a plain port
// check is not enough.
func awaitPostgres(ctx context.Context, dsn string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()

	for {
		if pingOnce(ctx, dsn) == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("postgres still unreachable after %v", timeout)
			}
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// pingOnce dials a throwaway pool and pings through it.
func pingOnce(ctx context.Context, dsn string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return err
	}
	defer pool.Close()
	return pool.Ping(ctx)
}
