// Package client is what agent processes link against: a single Conn
// interface with two implementations — a socket client talking to the
// daemon, and an embedded in-process engine used as the fallback when no
// daemon is reachable. Everything above this package is identical across
// the two transports.
package client

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"github.com/cellmesh/cellmesh/internal/configfile"
	"github.com/cellmesh/cellmesh/internal/mailbus"
	"github.com/cellmesh/cellmesh/internal/rpc"
	"github.com/cellmesh/cellmesh/internal/types"
)

// DefaultOpTimeout bounds every destructive operation.
const DefaultOpTimeout = 30 * time.Second

// EnvSocketOptOut disables the socket path entirely when set to "false",
// forcing embedded mode.
const EnvSocketOptOut = "CELLMESH_SOCKET"

// EnvSocketPath overrides the Unix socket path.
const EnvSocketPath = "CELLMESH_SOCKET_PATH"

// EnvTCPAddr overrides the loopback TCP host:port.
const EnvTCPAddr = "CELLMESH_TCP_ADDR"

// EnvDBPath overrides the database path (tests point this at a temp file).
const EnvDBPath = "CELLMESH_DB_PATH"

// Conn is the capability surface agents program against, identical over
// the socket and the embedded engine.
type Conn interface {
	CreateCell(ctx context.Context, cell *types.Cell) (*types.Cell, error)
	GetCell(ctx context.Context, id string) (*types.Cell, error)
	QueryCells(ctx context.Context, filter rpc.QueryCellsArgs) ([]*types.Cell, error)
	UpdateCell(ctx context.Context, args rpc.UpdateCellArgs) error
	ChangeCellStatus(ctx context.Context, id string, status types.Status, actor, reason string) error
	CloseCell(ctx context.Context, id, actor, reason, result string) error
	ReopenCell(ctx context.Context, id, actor string) error
	DeleteCell(ctx context.Context, id, actor, reason string) error
	AddDependency(ctx context.Context, cellID, dependsOnID string, depType types.DependencyType, actor string) error
	RemoveDependency(ctx context.Context, cellID, dependsOnID string, depType types.DependencyType, actor string) error
	GetDependencies(ctx context.Context, cellID string) ([]*types.Dependency, error)
	GetBlockers(ctx context.Context, cellID string) ([]string, error)
	AddLabel(ctx context.Context, cellID, label, actor string) error
	RemoveLabel(ctx context.Context, cellID, label, actor string) error
	GetLabels(ctx context.Context, cellID string) ([]string, error)
	AddComment(ctx context.Context, cellID, author, text string) (*types.Comment, error)
	GetComments(ctx context.Context, cellID string) ([]*types.Comment, error)
	GetEpicChildren(ctx context.Context, epicID string) ([]*types.Cell, error)
	IsEpicClosureEligible(ctx context.Context, epicID string) (bool, error)
	GetNextReadyCell(ctx context.Context) (*types.Cell, error)
	GetInProgressCells(ctx context.Context) ([]*types.Cell, error)
	MarkDirty(ctx context.Context, cellID string) error
	ResolvePartialID(ctx context.Context, partial string) (string, error)

	AppendEvent(ctx context.Context, eventType types.EventType, payload any) (*types.Event, error)
	ReadEvents(ctx context.Context, filter rpc.ReadEventsArgs) ([]*types.Event, error)
	LatestSequence(ctx context.Context) (int64, error)

	RegisterAgent(ctx context.Context, name string) (*types.Agent, error)
	TouchAgent(ctx context.Context, name string) error
	GetAgents(ctx context.Context) ([]*types.Agent, error)
	SendMessage(ctx context.Context, in mailbus.SendInput) (*types.Message, error)
	GetInbox(ctx context.Context, agent string, filter mailbus.InboxFilter) ([]*mailbus.InboxEntry, error)
	MarkRead(ctx context.Context, messageID int64, agent string) error
	Ack(ctx context.Context, messageID int64, agent string) error
	GetThreadMessages(ctx context.Context, threadID string) ([]*types.Message, error)
	Reserve(ctx context.Context, agent string, paths []string, exclusive bool, ttl time.Duration) ([]*types.Reservation, error)
	Release(ctx context.Context, agent string, pathsOrIDs []string) (int, error)
	GetActiveReservations(ctx context.Context, agent string) ([]*types.Reservation, error)
	CheckConflicts(ctx context.Context, agent string, paths []string) ([]*types.Conflict, error)

	Close() error
}

// Options configures Connect.
type Options struct {
	ProjectKey  string // scoping namespace; defaults to ProjectPath
	ProjectPath string
	DBPath      string
	OpTimeout   time.Duration
	Logger      *log.Logger
}

// Connect returns a Conn for the project: the daemon socket when one is
// healthy, otherwise the embedded engine. The fallback logs exactly one
// warning — transport trouble is the fallback's whole reason to exist,
// not an error loop.
func Connect(ctx context.Context, opts Options) (Conn, error) {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = DefaultOpTimeout
	}
	if opts.ProjectKey == "" {
		opts.ProjectKey = opts.ProjectPath
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "cellmesh: ", log.LstdFlags)
	}

	if socketEnabled() {
		endpoint, err := resolveEndpoint(opts.ProjectPath)
		if err == nil {
			if c, err := rpc.Dial(endpoint, 2*time.Second); err == nil {
				if c.Healthy(ctx) {
					return &remoteConn{client: c, projectKey: opts.ProjectKey, timeout: opts.OpTimeout}, nil
				}
				c.Close()
			}
		}
		logger.Printf("warning: daemon unavailable, falling back to embedded engine")
	}

	return openEmbedded(ctx, opts)
}

func socketEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvSocketOptOut)))
	return v != "false" && v != "0"
}

func resolveEndpoint(projectPath string) (rpc.Endpoint, error) {
	if addr := os.Getenv(EnvTCPAddr); addr != "" {
		return rpc.Endpoint{Network: "tcp", Addr: addr}, nil
	}
	if path := os.Getenv(EnvSocketPath); path != "" {
		return rpc.UnixEndpoint(path), nil
	}
	sock, err := configfile.SocketPath(projectPath)
	if err != nil {
		return rpc.Endpoint{}, err
	}
	return rpc.UnixEndpoint(sock), nil
}
