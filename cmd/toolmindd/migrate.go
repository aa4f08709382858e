package main

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ToolMind/internal/storage/sqlstore"
	"ToolMind/pkg/logger"
)

func migrateCMD(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "对配置的数据库执行 SQL 迁移",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			defer logger.Sync()

			st := cfg.Storage
			if st.Driver == "memory" {
				return errors.New("memory 存储无需迁移，请配置 mysql 或 sqlite")
			}
			db, err := sqlstore.Open(cmd.Context(), sqlstore.Config{
				Driver:          st.Driver,
				DSN:             st.DSN,
				ConnMaxLifetime: time.Duration(st.ConnMaxLifetimeSeconds) * time.Second,
			})
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return err
			}
			applied, err := db.AppliedVersions(cmd.Context())
			if err != nil {
				return err
			}
			versions := make([]string, 0, len(applied))
			for v := range applied {
				versions = append(versions, v)
			}
			sort.Strings(versions)
			fmt.Fprintf(cmd.OutOrStdout(), "已应用的迁移: %s\n", strings.Join(versions, ", "))
			return nil
		},
	}
}
