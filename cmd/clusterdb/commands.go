package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maruel/clusterdb"
	"github.com/maruel/clusterdb/condition"
	"github.com/maruel/clusterdb/internal/export"
	"github.com/maruel/clusterdb/internal/schema"
)

// rootOptions holds the global flags and the resolved configuration.
type rootOptions struct {
	configPath string
	dataDir    string
	entity     string
	idField    string
	idType     string
	autoID     bool
	logLevel   string

	cfg *config
	log *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "clusterdb",
		Short:         "Inspect and edit a clusterdb data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}
	f := cmd.PersistentFlags()
	f.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	f.StringVar(&opts.dataDir, "data-dir", "./data", "Data directory")
	f.StringVar(&opts.entity, "entity", "records", "Entity name, the sub-directory holding its clusters")
	f.StringVar(&opts.idField, "id-field", "id", "Field holding the record identifier")
	f.StringVar(&opts.idType, "id-type", "int", "Identifier type (int, string)")
	f.BoolVar(&opts.autoID, "auto-id", false, "Generate identifiers for records without one")
	f.StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	cmd.AddCommand(newPutCommand(opts))
	cmd.AddCommand(newGetCommand(opts))
	cmd.AddCommand(newDeleteCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newExportCommand(opts))
	cmd.AddCommand(newHistoryCommand(opts))
	return cmd
}

// resolve loads the configuration file and applies the flags set explicitly
// on the command line over it.
func (o *rootOptions) resolve(cmd *cobra.Command) error {
	cfg, err := loadConfig(o.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir = o.dataDir
	}
	if flags.Changed("entity") {
		cfg.Entity = o.entity
	}
	if flags.Changed("id-field") {
		cfg.IDField = o.idField
	}
	if flags.Changed("id-type") {
		cfg.IDType = o.idType
	}
	if flags.Changed("auto-id") {
		cfg.AutoID = o.autoID
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	o.log, err = initLogger(cfg.LogLevel, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// withStore opens the data directory, runs fn and closes the registry, which
// flushes every change.
func (o *rootOptions) withStore(fn func(reg *clusterdb.Registry, s docStore) error) (err error) {
	ropts := []clusterdb.RegistryOption{clusterdb.WithLogger(o.log)}
	if o.cfg.History.Enabled {
		ropts = append(ropts, clusterdb.WithHistory(o.cfg.History.Name, o.cfg.History.Email))
	}
	reg, err := clusterdb.NewRegistry(o.cfg.DataDir, ropts...)
	if err != nil {
		return err
	}
	defer func() {
		if err2 := reg.Close(); err2 != nil {
			err = errors.Join(err, err2)
		}
	}()
	s, err := openStore(reg, o.cfg)
	if err != nil {
		return err
	}
	return fn(reg, s)
}

func writeDocs(w io.Writer, docs []document) error {
	enc := json.NewEncoder(w)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return err
		}
	}
	return nil
}

// readDocs decodes the JSON objects given as arguments, or the stream on r
// when there is none.
func readDocs(args []string, r io.Reader) ([]document, error) {
	var docs []document
	if len(args) != 0 {
		for _, a := range args {
			d, err := decodeDocument(json.NewDecoder(strings.NewReader(a)))
			if err != nil {
				return nil, fmt.Errorf("invalid document %q: %w", a, err)
			}
			docs = append(docs, d)
		}
		return docs, nil
	}
	dec := json.NewDecoder(r)
	for {
		d, err := decodeDocument(dec)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, fmt.Errorf("invalid document %d: %w", len(docs), err)
		}
		docs = append(docs, d)
	}
}

func newPutCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "put [json...]",
		Short: "Save documents, from the arguments or from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			docs, err := readDocs(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return opts.withStore(func(_ *clusterdb.Registry, s docStore) error {
				saved, err := s.put(docs)
				if err != nil {
					return err
				}
				opts.log.Info("saved", "entity", opts.cfg.Entity, "records", len(saved))
				return writeDocs(cmd.OutOrStdout(), saved)
			})
		},
	}
}

func newGetCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>...",
		Short: "Print documents by identifier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(_ *clusterdb.Registry, s docStore) error {
				var missing []string
				for _, id := range args {
					d, ok, err := s.get(id)
					if err != nil {
						return err
					}
					if !ok {
						missing = append(missing, id)
						continue
					}
					if err := writeDocs(cmd.OutOrStdout(), []document{d}); err != nil {
						return err
					}
				}
				if len(missing) != 0 {
					return fmt.Errorf("not found: %s", strings.Join(missing, ", "))
				}
				return nil
			})
		},
	}
}

func newDeleteCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete documents by identifier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(_ *clusterdb.Registry, s docStore) error {
				n := 0
				for _, id := range args {
					_, ok, err := s.remove(id)
					if err != nil {
						return err
					}
					if ok {
						n++
					}
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %d\n", n)
				return err
			})
		},
	}
}

// parseWhere parses "field=value", "field!=value", "field>value" and
// "field<value". The value is decoded as JSON when possible and taken
// verbatim otherwise.
func parseWhere(expr string) (condition.Condition[document], error) {
	i := strings.IndexAny(expr, "!=<>")
	if i <= 0 {
		return nil, fmt.Errorf("invalid condition %q", expr)
	}
	name, rest := expr[:i], expr[i:]
	var op condition.Op
	switch {
	case strings.HasPrefix(rest, "!="):
		op, rest = condition.OpNotEquals, rest[2:]
	case rest[0] == '=':
		op, rest = condition.OpEquals, rest[1:]
	case rest[0] == '>':
		op, rest = condition.OpGreater, rest[1:]
	case rest[0] == '<':
		op, rest = condition.OpLess, rest[1:]
	default:
		return nil, fmt.Errorf("invalid condition %q", expr)
	}
	var v any
	if i, err := strconv.ParseInt(rest, 10, 64); err == nil {
		v = i
	} else if err := json.Unmarshal([]byte(rest), &v); err != nil {
		v = rest
	}
	return condition.Compare(condition.MapField[document](name), op, v, condition.CompareValues), nil
}

func newListCommand(opts *rootOptions) *cobra.Command {
	var offset, limit int
	var where []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print documents in storage order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if offset < 0 || limit < 0 {
				return errors.New("--offset and --limit must not be negative")
			}
			var c condition.Condition[document]
			if len(where) != 0 {
				var ch condition.Chain[document]
				for _, w := range where {
					leaf, err := parseWhere(w)
					if err != nil {
						return err
					}
					ch = ch.And(leaf)
				}
				c = ch
			}
			return opts.withStore(func(_ *clusterdb.Registry, s docStore) error {
				docs, err := s.list(offset, limit, c)
				if err != nil {
					return err
				}
				return writeDocs(cmd.OutOrStdout(), docs)
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of matching documents to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of documents to print, 0 for all")
	cmd.Flags().StringArrayVar(&where, "where", nil, "Condition field=value, field!=value, field>value or field<value; repeat to AND them")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print repository statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withStore(func(_ *clusterdb.Registry, s docStore) error {
				st := s.stats()
				out := map[string]any{
					"entity":   opts.cfg.Entity,
					"clusters": st.Clusters,
					"resident": st.Resident,
					"dirty":    st.Dirty,
					"records":  st.Records,
					"sequence": st.Sequence,
					"bytes":    st.Bytes,
				}
				var buf bytes.Buffer
				enc := yaml.NewEncoder(&buf)
				enc.SetIndent(2)
				if err := enc.Encode(out); err != nil {
					return err
				}
				if err := enc.Close(); err != nil {
					return err
				}
				_, err := cmd.OutOrStdout().Write(buf.Bytes())
				return err
			})
		},
	}
}

func newExportCommand(opts *rootOptions) *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "export <file.db>",
		Short: "Copy every document into a SQLite table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if table == "" {
				table = opts.cfg.Entity
			}
			return opts.withStore(func(_ *clusterdb.Registry, s docStore) error {
				docs, err := s.list(0, 0, nil)
				if err != nil {
					return err
				}
				rows := make([]map[string]any, len(docs))
				for i, d := range docs {
					rows[i] = d
				}
				h := schema.FromDocuments(opts.cfg.Entity, rows)
				n, err := export.ToSQLite(cmd.Context(), args[0], table, h, rows)
				if err != nil {
					return err
				}
				opts.log.Info("exported", "table", table, "rows", n, "columns", len(h.Columns))
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "exported %d\n", n)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&table, "table", "", "Table name, the entity name by default")
	return cmd
}

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history [path]",
		Short: "Print the recorded flushes, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.cfg.History.Enabled {
				return errors.New("history is disabled; set history.enabled in the configuration")
			}
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return opts.withStore(func(reg *clusterdb.Registry, _ docStore) error {
				commits, err := reg.History(path, n)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, c := range commits {
					if _, err := fmt.Fprintf(w, "%.12s %s %s %s\n", c.Hash, c.When.UTC().Format("2006-01-02T15:04:05Z"), c.Author, c.Message); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "count", "n", 20, "Maximum number of commits")
	return cmd
}
