// Command clusterdb reads and edits the records of a clusterdb data directory
// from the command line.
//
// Records are handled as schemaless JSON documents. The identifier field and
// its type are selected with flags or with a YAML configuration file:
//
//	data_dir: ./data
//	entity: users
//	id_field: id
//	id_type: int
//	auto_id: true
//	storage:
//	  max_cluster_bytes: 65536
//	  max_resident: 4
//	history:
//	  enabled: true
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

func main() {
	if err := mainImpl(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "clusterdb: %v\n", err)
		os.Exit(1)
	}
}

func mainImpl() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

// initLogger returns a tint logger writing to w, colored when w is a
// terminal.
func initLogger(level string, w io.Writer) (*slog.Logger, error) {
	ll := &slog.LevelVar{}
	switch level {
	case "debug":
		ll.Set(slog.LevelDebug)
	case "info":
		ll.Set(slog.LevelInfo)
	case "warn":
		ll.Set(slog.LevelWarn)
	case "error":
		ll.Set(slog.LevelError)
	default:
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd())
		w = colorable.NewColorable(f)
	}
	logger := slog.New(tint.NewHandler(w, &tint.Options{
		Level:      ll,
		TimeFormat: "15:04:05.000",
		NoColor:    noColor,
	}))
	slog.SetDefault(logger)
	return logger, nil
}
