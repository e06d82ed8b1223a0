// Copyright 2025 The Terratile Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package command

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	pg_query "github.com/pganalyze/pg_query_go/v6"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/terratile/postgis/go/pgwire"
	"github.com/terratile/postgis/go/postgis"
)

// Root builds the pgisql root command. Flags can also be provided through
// PGISQL_* environment variables, e.g. PGISQL_CONNINFO and PGISQL_PASSWORD.
func Root() *cobra.Command {
	root := &cobra.Command{
		Use:   "pgisql [flags] <sql>",
		Short: "Run SQL over a single PostGIS connection",
		Long: `pgisql executes SQL statements against a PostGIS database through the
same single-connection execution layer the datasource uses: a blocking
query path with a statement timeout, an asynchronous submit/poll path,
and a fire-and-forget command path.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			viper.SetEnvPrefix("pgisql")
			viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			viper.AutomaticEnv()
			setupLogging(viper.GetBool("verbose"))
			return nil
		},
		RunE: run,
	}

	flags := root.Flags()
	flags.String("conninfo", "", "libpq-style connection string, e.g. 'host=localhost dbname=gis user=renderer'")
	flags.String("password", "", "password, appended to the connection string")
	flags.Int("timeout-ms", 4000, "statement timeout in milliseconds, 0 to wait forever")
	flags.Bool("binary", false, "request binary format result columns")
	flags.Bool("exec", false, "run as a command and report only success or failure")
	flags.Bool("async", false, "submit asynchronously and poll for results")
	flags.Bool("check", false, "parse the SQL locally before sending it")
	flags.Bool("verbose", false, "enable debug logging")

	return root
}

func setupLogging(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func run(cmd *cobra.Command, args []string) error {
	sql := strings.Join(args, " ")

	if viper.GetBool("check") {
		if _, err := pg_query.Parse(sql); err != nil {
			return fmt.Errorf("local parse check failed: %w", err)
		}
		slog.Debug("local parse check passed")
	}

	timeout := time.Duration(viper.GetInt("timeout-ms")) * time.Millisecond
	conn, err := postgis.Open(cmd.Context(),
		viper.GetString("conninfo"),
		viper.GetString("password"),
		postgis.WithStatementTimeout(timeout),
	)
	if err != nil {
		return err
	}
	defer conn.Close()

	format := pgwire.FormatText
	if viper.GetBool("binary") {
		format = pgwire.FormatBinary
	}

	switch {
	case viper.GetBool("exec"):
		if !conn.Execute(sql) {
			return fmt.Errorf("command failed: %s", conn.Status())
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil

	case viper.GetBool("async"):
		return runAsync(cmd, conn, sql, format)

	default:
		rs, err := conn.ExecuteQuery(sql, format)
		if err != nil {
			return err
		}
		defer rs.Close()
		printResultSet(cmd, rs)
		return nil
	}
}

// runAsync exercises the submit/poll/finalize path, printing every result
// set the statement produces.
func runAsync(cmd *cobra.Command, conn *postgis.Connection, sql string, format pgwire.Format) error {
	if err := conn.ExecuteAsyncQuery(sql, format); err != nil {
		return err
	}
	for {
		rs, err := conn.GetNextAsyncResult(sql)
		if err != nil {
			return err
		}
		if rs.EOS() {
			return nil
		}
		printResultSet(cmd, rs)
		rs.Close()
	}
}

func printResultSet(cmd *cobra.Command, rs *postgis.ResultSet) {
	out := cmd.OutOrStdout()

	names := make([]string, rs.FieldCount())
	for i := range names {
		names[i] = rs.FieldName(i)
	}
	fmt.Fprintln(out, strings.Join(names, "\t"))

	for rs.Next() {
		cells := make([]string, rs.FieldCount())
		for i := range cells {
			if rs.IsNull(i) {
				cells[i] = `\N`
				continue
			}
			cells[i] = string(rs.Value(i))
		}
		fmt.Fprintln(out, strings.Join(cells, "\t"))
	}
	fmt.Fprintf(out, "(%d rows)\n", rs.RowCount())
}
