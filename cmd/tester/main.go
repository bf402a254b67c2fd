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
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/daviszhen/gpubridge/pkg/bench"
	"github.com/daviszhen/gpubridge/pkg/util"
)

func init() {
	cobra.OnInitialize(loadConfig)
	initBenchCmd()
	initStatusCmd()
}

var testerCfg = &util.Config{}

///root cmd

var info = "tester"
var RootCmd = &cobra.Command{
	Use:          "tester",
	Short:        info,
	Long:         info,
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("use tester --help or -h")
	},
}

func initBridgeOptions() {
	testerCfg.Bridge.Enabled = viper.GetBool("bridge.enabled")
	testerCfg.Bridge.TransferCostPerByte = viper.GetFloat64("bridge.transferCostPerByte")
	testerCfg.Bridge.LaunchOverhead = viper.GetFloat64("bridge.launchOverhead")
	testerCfg.Bridge.MinBatchRows = viper.GetInt("bridge.minBatchRows")
	testerCfg.Bridge.Srid = viper.GetInt32("bridge.srid")
	if testerCfg.Bridge.Srid == 0 {
		testerCfg.Bridge.Srid = util.DefaultSrid
	}
}

//bench cmd

var benchInfo = "run the dispatch pipeline against a parquet file"
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: benchInfo,
	Long:  benchInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		initBenchCfg()
		run, err := bench.NewRunner(testerCfg)
		if err != nil {
			return err
		}
		report, err := run.Run(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(report)
		return nil
	},
}

func initBenchCfg() {
	initBridgeOptions()
	testerCfg.Bench.Data.Path = viper.GetString("bench.data.path")
	testerCfg.Bench.Data.Format = viper.GetString("bench.data.format")
	testerCfg.Bench.Data.Columns = viper.GetStringSlice("bench.data.columns")
	testerCfg.Bench.Rounds = viper.GetInt("bench.rounds")
	testerCfg.Bench.Concurrency = viper.GetInt("bench.concurrency")
	testerCfg.Bench.BatchRows = viper.GetInt("bench.batchRows")
}

func initBenchCmd() {
	RootCmd.AddCommand(benchCmd)
	benchCmd.Flags().StringVar(&testerCfg.Bench.Data.Path, "data_path", "", "bench data path")
	benchCmd.Flags().StringVar(&testerCfg.Bench.Data.Format, "data_format", "parquet", "bench data format. parquet")
	benchCmd.Flags().IntVar(&testerCfg.Bench.Rounds, "rounds", 1, "dispatch rounds")
	benchCmd.Flags().IntVar(&testerCfg.Bench.Concurrency, "concurrency", 1, "concurrent workers")
	benchCmd.Flags().IntVar(&testerCfg.Bench.BatchRows, "batch_rows", util.DefaultVectorSize, "rows per batch")

	viper.BindPFlag("bench.data.path", benchCmd.Flags().Lookup("data_path"))
	viper.BindPFlag("bench.data.format", benchCmd.Flags().Lookup("data_format"))
	viper.BindPFlag("bench.rounds", benchCmd.Flags().Lookup("rounds"))
	viper.BindPFlag("bench.concurrency", benchCmd.Flags().Lookup("concurrency"))
	viper.BindPFlag("bench.batchRows", benchCmd.Flags().Lookup("batch_rows"))
}

//status cmd

var statusInfo = "query bridge status and stats from the diag server"
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: statusInfo,
	Long:  statusInfo,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := viper.GetString("serve.addr")
		if addr == "" {
			addr = "127.0.0.1:5432"
		}
		return queryStatus(cmd.Context(), addr)
	},
}

func initStatusCmd() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().String("addr", "", "diag server address")
	viper.BindPFlag("serve.addr", statusCmd.Flags().Lookup("addr"))
}

func queryStatus(ctx context.Context, addr string) error {
	dsn := fmt.Sprintf("postgres://tester@%s/bridge?sslmode=disable", addr)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	err = printRelation(ctx, db, "gpu_bridge_status")
	if err != nil {
		return err
	}
	return printRelation(ctx, db, "gpu_bridge_stats")
}

func printRelation(ctx context.Context, db *sql.DB, relation string) error {
	rows, err := db.QueryContext(ctx, "select * from "+relation)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	fmt.Println(relation)

	values := make([]sql.NullString, len(cols))
	scan := make([]any, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}
	for rows.Next() {
		err = rows.Scan(scan...)
		if err != nil {
			return err
		}
		for i, col := range cols {
			fmt.Printf("  %s: %s\n", col, values[i].String)
		}
	}
	return rows.Err()
}

var defCfgFilePaths = []string{".", "etc"}
var cfgFileName = "bridge.toml"

func loadConfig() {
	has := false
	for _, dirPath := range defCfgFilePaths {
		fpath := filepath.Join(dirPath, cfgFileName)
		if util.FileIsValid(fpath) {
			viper.SetConfigFile(fpath)
			err := viper.ReadInConfig()
			if err != nil {
				util.Error("viper load config file failed",
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

func main() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
