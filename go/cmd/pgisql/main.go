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

// pgisql runs SQL statements against a PostGIS database over a single
// connection, using the same execution paths the datasource uses. It is a
// debugging companion: what pgisql can run, the datasource can run.
package main

import (
	"log/slog"
	"os"

	"github.com/terratile/postgis/go/cmd/pgisql/command"
)

func main() {
	if err := command.Root().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}
