package sqldb

import (
	"log/slog"
	"os"
	"time"

	"github.com/garnizeh/insightpipe/internal/db"
	"github.com/garnizeh/insightpipe/pkg/repository"
)

// Repo implements the repository interfaces on top of the internal DB
// wrapper. The same SQL runs on SQLite and Postgres.
type Repo struct {
	conn   *db.DB
	logger *slog.Logger
}

// Ensure Repo implements the public interfaces.
var _ repository.SignalRepo = (*Repo)(nil)
var _ repository.InsightRepo = (*Repo)(nil)
var _ repository.ResearchRepo = (*Repo)(nil)
var _ repository.UserRepo = (*Repo)(nil)
var _ repository.SourceStateRepo = (*Repo)(nil)
var _ repository.SchemaRepo = (*Repo)(nil)
var _ repository.TemplateRepo = (*Repo)(nil)

func New(conn *db.DB, logger *slog.Logger) *Repo {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Repo{conn: conn, logger: logger}
}

func now() int64 {
	return time.Now().UTC().UnixMilli()
}
