// Copyright 2023-2024 daviszhen
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

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	wire "github.com/jeroenrinzema/psql-wire"
	"github.com/lib/pq/oid"
	pg_query "github.com/pganalyze/pg_query_go/v5"
	"go.uber.org/zap"

	"github.com/daviszhen/gpubridge/pkg/bench"
	"github.com/daviszhen/gpubridge/pkg/cost"
	"github.com/daviszhen/gpubridge/pkg/diag"
	"github.com/daviszhen/gpubridge/pkg/engine"
	"github.com/daviszhen/gpubridge/pkg/util"
)

var runCfg util.Config

func init() {
	loadConfig()
	util.InitLog(&runCfg.Log)
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "bridge.toml"

func loadConfig() {
	has := false
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			err := util.LoadConfig(fpath, &runCfg)
			if err != nil {
				util.Error("load config file failed",
					zap.String("fpath", fpath),
					zap.Error(err))
				continue
			}
			has = true
			break
		}
	}
	if !has {
		util.Error("bridge.toml does not exist")
		os.Exit(1)
	}
}

// The diag server has no real device behind it; the software engine
// stands in so status and stats reflect a live registry.
type bridgeState struct {
	reg   *engine.Registry
	model *cost.Model
	stats *diag.Stats
}

var state bridgeState

func main() {
	sim := &bench.SimEngine{}
	state.reg = engine.NewRegistry(sim.API(), runCfg.Bridge.Enabled)
	state.model = cost.NewModel(state.reg, &runCfg.Bridge, &cost.Calibration{})
	state.stats = diag.NewStats()

	addr := runCfg.Serve.Addr
	if addr == "" {
		addr = "127.0.0.1:5432"
	}
	util.Info("diag server listening", zap.String("addr", addr))
	err := wire.ListenAndServe(addr, handler)
	if err != nil {
		util.Error("serve failed", zap.Error(err))
		os.Exit(1)
	}
}

func handler(ctx context.Context, query string) (wire.PreparedStatements, error) {
	util.Info("incoming SQL :", zap.String("query", query))

	name, err := relationName(query)
	if err != nil {
		return nil, err
	}
	switch name {
	case "gpu_bridge_status":
		return wire.Prepared(
			wire.NewStatement(handleStatus,
				wire.WithColumns(textColumns("setting", "value")),
			),
		), nil
	case "gpu_bridge_stats":
		return wire.Prepared(
			wire.NewStatement(handleStats,
				wire.WithColumns(textColumns("func_id", "device_runs", "fallbacks", "device_time_us")),
			),
		), nil
	}
	return nil, fmt.Errorf("unknown relation %s", name)
}

// relationName extracts the single relation of a "select ... from X"
// diag query. Anything else is rejected.
func relationName(query string) (string, error) {
	result, err := pg_query.Parse(query)
	if err != nil {
		return "", err
	}
	if len(result.Stmts) != 1 {
		return "", fmt.Errorf("expect a single statement")
	}
	sel, ok := result.Stmts[0].Stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok || len(sel.SelectStmt.FromClause) != 1 {
		return "", fmt.Errorf("expect select from a single diag relation")
	}
	rv, ok := sel.SelectStmt.FromClause[0].Node.(*pg_query.Node_RangeVar)
	if !ok {
		return "", fmt.Errorf("expect a plain relation name")
	}
	return strings.ToLower(rv.RangeVar.Relname), nil
}

func textColumns(names ...string) wire.Columns {
	cols := make(wire.Columns, 0, len(names))
	for _, name := range names {
		cols = append(cols, wire.Column{
			Name:  name,
			Oid:   oid.T_varchar,
			Width: 256,
		})
	}
	return cols
}

func handleStatus(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
	status := diag.Snapshot(state.reg, &runCfg.Bridge, state.model)
	rows := [][2]string{
		{"enabled", fmt.Sprintf("%v", status.Enabled)},
		{"engine_detected", fmt.Sprintf("%v", status.EngineDetected)},
		{"transfer_cost_per_byte", fmt.Sprintf("%g", status.TransferCostPerByte)},
		{"launch_overhead", fmt.Sprintf("%g", status.LaunchOverhead)},
		{"min_batch_rows", fmt.Sprintf("%d", status.MinBatchRows)},
		{"calibration_done", fmt.Sprintf("%v", status.CalibrationDone)},
	}
	for _, row := range rows {
		err := writer.Row([]any{row[0], row[1]})
		if err != nil {
			return err
		}
	}
	return writer.Complete("")
}

func handleStats(ctx context.Context, writer wire.DataWriter, parameters []wire.Parameter) error {
	for _, row := range state.stats.Rows() {
		err := writer.Row([]any{
			fmt.Sprintf("%d", row.FuncId),
			fmt.Sprintf("%d", row.DeviceRuns),
			fmt.Sprintf("%d", row.Fallbacks),
			fmt.Sprintf("%d", row.DeviceTimeUs),
		})
		if err != nil {
			return err
		}
	}
	return writer.Complete("")
}
