// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/fpath"
	"storj.io/genrelay/gateway"
	"storj.io/genrelay/private/cfgstruct"
	"storj.io/genrelay/private/kvstore"
	"storj.io/genrelay/private/kvstore/boltdb"
	"storj.io/genrelay/private/kvstore/redis"
	"storj.io/genrelay/private/kvstore/storelogger"
	"storj.io/genrelay/private/process"
)

var (
	rootCmd = &cobra.Command{
		Use:   "genrelay",
		Short: "Generation relay gateway",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:         "setup",
		Short:       "Create config files",
		RunE:        cmdSetup,
		Annotations: map[string]string{"type": "setup"},
	}
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Report pool and credential health of a running gateway",
		RunE:  cmdStatus,
	}

	runCfg   gateway.Config
	setupCfg gateway.Config

	statusCfg struct {
		Address   string `help:"address of the running gateway admin api" default:"127.0.0.1:9080"`
		AuthToken string `help:"authorization token for the admin api" default:""`
	}

	confDir string
)

func init() {
	defaultConfDir := fpath.ApplicationDir("storj", "genrelay")
	rootCmd.PersistentFlags().StringVar(&confDir, "config-dir", defaultConfDir, "main directory for genrelay configuration")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
	process.Bind(runCmd, &runCfg, cfgstruct.ConfDir(confDir))
	process.Bind(setupCmd, &setupCfg, cfgstruct.ConfDir(confDir))
	process.Bind(statusCmd, &statusCfg, cfgstruct.ConfDir(confDir))
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)
	log := zap.L()

	db, err := openStore(ctx, log.Named("db"), runCfg.Database)
	if err != nil {
		return errs.New("error opening gateway database %q: %+v", runCfg.Database, err)
	}
	defer func() {
		err = errs.Combine(err, db.Close())
	}()

	peer, err := gateway.New(log, db, runCfg)
	if err != nil {
		return err
	}

	runError := peer.Run(ctx)
	closeError := peer.Close()
	return errs.Combine(runError, closeError)
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	setupDir, err := filepath.Abs(confDir)
	if err != nil {
		return err
	}

	valid, _ := fpath.IsValidSetupDir(setupDir)
	if !valid {
		return fmt.Errorf("gateway configuration already exists (%v)", setupDir)
	}

	err = os.MkdirAll(setupDir, 0700)
	if err != nil {
		return err
	}

	return process.SaveConfigWithAllDefaults(cmd.Flags(), filepath.Join(setupDir, "config.yaml"), nil)
}

func cmdStatus(cmd *cobra.Command, args []string) (err error) {
	ctx, _ := process.Ctx(cmd)

	endpoint := statusCfg.Address
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/api/status", nil)
	if err != nil {
		return errs.Wrap(err)
	}
	if statusCfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+statusCfg.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errs.New("gateway unreachable at %s: %+v", statusCfg.Address, err)
	}
	defer func() {
		err = errs.Combine(err, resp.Body.Close())
	}()
	if resp.StatusCode != http.StatusOK {
		return errs.New("status request failed: %s", resp.Status)
	}

	var status struct {
		Projects struct {
			Available  int `json:"available"`
			InCooldown int `json:"in_cooldown"`
			Total      int `json:"total"`
		} `json:"projects"`
		Credentials struct {
			Total   int `json:"total"`
			Usable  int `json:"usable"`
			Invalid int `json:"invalid"`
		} `json:"credentials"`
		QuotaExhausted []string `json:"quota_exhausted"`
		Today          struct {
			TotalRequests      int64   `json:"total_requests"`
			SuccessfulRequests int64   `json:"successful_requests"`
			FailedRequests     int64   `json:"failed_requests"`
			AvgDurationMS      float64 `json:"avg_duration_ms"`
		} `json:"today"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return errs.Wrap(err)
	}

	const padding = 3
	w := tabwriter.NewWriter(os.Stdout, 0, 0, padding, ' ', tabwriter.AlignRight|tabwriter.Debug)
	fmt.Fprintln(w, "\tTotal\tAvailable\tIn Cooldown\t")
	fmt.Fprintf(w, "Projects\t%d\t%d\t%d\t\n",
		status.Projects.Total, status.Projects.Available, status.Projects.InCooldown)
	fmt.Fprintln(w, "\tTotal\tUsable\tInvalid\t")
	fmt.Fprintf(w, "Credentials\t%d\t%d\t%d\t\n",
		status.Credentials.Total, status.Credentials.Usable, status.Credentials.Invalid)
	if err := w.Flush(); err != nil {
		return errs.Wrap(err)
	}

	fmt.Printf("\nRequests today: %d (%d ok, %d failed, avg %.0fms)\n",
		status.Today.TotalRequests, status.Today.SuccessfulRequests,
		status.Today.FailedRequests, status.Today.AvgDurationMS)
	if len(status.QuotaExhausted) > 0 {
		fmt.Printf("Quota exhausted projects: %s\n", strings.Join(status.QuotaExhausted, ", "))
	}
	return nil
}

// openStore connects the configured key-value backend. Redis addresses
// are recognized by scheme, anything else is treated as a bolt file path.
func openStore(ctx context.Context, log *zap.Logger, address string) (kvstore.Store, error) {
	var store kvstore.Store
	var err error
	if strings.HasPrefix(address, "redis://") {
		store, err = redis.OpenClientFrom(ctx, address)
	} else {
		store, err = boltdb.Open(ctx, address)
	}
	if err != nil {
		return nil, err
	}
	return storelogger.New(log, store), nil
}

func main() {
	process.Exec(rootCmd)
}
