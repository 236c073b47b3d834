// Package remote is the narrow remote-host capability used by deployment
// tasks: open a session, run a command, write a file and stat a path.
package remote

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"
)

// Target identifies a host and the credentials used to reach it.
type Target struct {
	Host     string
	Port     int
	User     string
	Password string
	Timeout  time.Duration
}

// Addr returns host:port.
func (t Target) Addr() string {
	port := t.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String never includes the password.
func (t Target) String() string {
	return t.User + "@" + t.Addr()
}

// CommandResult is the outcome of a command that ran to completion. A nonzero
// exit status is a result, not an error.
type CommandResult struct {
	ExitStatus int
	Stdout     string
	Stderr     string
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// Session is an open connection to one host. Close must be called on every path.
type Session interface {
	Run(ctx context.Context, cmd string) (CommandResult, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	Stat(ctx context.Context, path string) (os.FileInfo, error)
	Close() error
}
