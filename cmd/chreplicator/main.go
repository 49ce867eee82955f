// Command chreplicator runs the Orchestrator for one database: a
// one-shot bootstrap and initial snapshot followed by continuous
// realtime replication from a MySQL source into a ClickHouse target.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	gomysqldriver "github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
	"github.com/sirupsen/logrus"

	"github.com/block/chreplicator/pkg/binlog/mysqlcanal"
	convertmysql "github.com/block/chreplicator/pkg/convert/mysql"
	"github.com/block/chreplicator/pkg/dbconn"
	"github.com/block/chreplicator/pkg/replicator"
	"github.com/block/chreplicator/pkg/source/mysqlclient"
	"github.com/block/chreplicator/pkg/state"
	"github.com/block/chreplicator/pkg/target"
	"github.com/block/chreplicator/pkg/target/clickhouse"
)

var cli struct {
	Run RunCmd `cmd:"" default:"1" help:"Run the replicator for one database."`
}

// RunCmd loads a YAML config and drives one database's Replicator until
// the process receives SIGINT/SIGTERM.
type RunCmd struct {
	Config string `arg:"" help:"Path to the replicator's YAML config file."`
}

func (r *RunCmd) Run() error {
	logger := logrus.New()

	cfg, err := replicator.LoadConfig(r.Config)
	if err != nil {
		return err
	}

	dbConfig := dbconn.NewConfig()
	sourceDB, err := dbconn.New(cfg.SourceDSN, dbConfig)
	if err != nil {
		return err
	}
	src := mysqlclient.New(sourceDB, cfg.Database, dbConfig)

	store := state.New(cfg.DataDir, cfg.Database)
	cursors, err := store.Load()
	if err != nil {
		return err
	}
	versions := target.NewVersionSource(cursors.TablesLastRecordVersion)

	dst, err := clickhouse.New(clickhouse.Config{
		Addr:     cfg.TargetAddr,
		Database: cfg.Database,
		Username: cfg.TargetUsername,
		Password: cfg.TargetPassword,
	}, versions)
	if err != nil {
		return err
	}

	dsnCfg, err := gomysqldriver.ParseDSN(cfg.SourceDSN)
	if err != nil {
		return errors.Annotate(err, "chreplicator: parsing source DSN")
	}
	reader := mysqlcanal.New(mysqlcanal.Config{
		Addr:     dsnCfg.Addr,
		User:     dsnCfg.User,
		Password: dsnCfg.Passwd,
		Database: cfg.Database,
	}, sourceDB, logger)

	conv := convertmysql.New()

	rep := replicator.New(*cfg, src, dst, conv, reader, store, versions, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Infof("chreplicator: starting replication for database %s", cfg.Database)
	return rep.Run(ctx)
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run())
}
