package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/stagehand/asset-pipeline/internal/store/model"
)

var statusOpts struct {
	jobID string
	hash  string
}

var statusCmd = &cobra.Command{
	Use:   "scan-status",
	Short: "Look up a scan result by job id or file hash",
	RunE: func(cmd *cobra.Command, args []string) error {
		if (statusOpts.jobID == "") == (statusOpts.hash == "") {
			return errors.New("exactly one of --job or --hash is required")
		}

		return withServices(cmd.Context(), func(svc *services) error {
			var (
				result *model.ScanResult
				err    error
			)
			if statusOpts.jobID != "" {
				result, err = svc.scan.Status(cmd.Context(), statusOpts.jobID)
			} else {
				result, err = svc.scan.LookupByHash(cmd.Context(), statusOpts.hash)
			}
			if err != nil {
				return err
			}
			return printJSON(result)
		})
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusOpts.jobID, "job", "", "scan job id")
	statusCmd.Flags().StringVar(&statusOpts.hash, "hash", "", "SHA-256 of the upload")
}
