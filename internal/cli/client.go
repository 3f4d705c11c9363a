package cli

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"

	"github.com/olympusai/buildforge/internal/config"
	"github.com/olympusai/buildforge/internal/daemon"
	"github.com/olympusai/buildforge/pkg/client"
)

// apiClient builds a client for the daemon API. Address resolution order:
// --addr flag, BUILDFORGE_ADDR, then the running daemon's addr file.
func apiClient(ctx context.Context) (*client.Client, error) {
	addr := addrFrom(ctx)
	if addr == "" {
		addr = os.Getenv("BUILDFORGE_ADDR")
	}
	if addr == "" {
		home := config.MustHomeFrom(ctx)
		st, err := daemon.Status(ctx, home)
		if err != nil {
			return nil, err
		}
		if !st.Running {
			return nil, errors.New(`buildforge is not running (start it with "buildforge up" or "buildforge start")`)
		}
		addr = st.Addr
	}
	return client.New(baseURL(addr), os.Getenv("BUILDFORGE_API_KEY")), nil
}

// baseURL turns a listen address into a dialable URL; a wildcard host
// becomes loopback.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
