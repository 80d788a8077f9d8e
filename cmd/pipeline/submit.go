package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/stagehand/asset-pipeline/internal/service"
	"github.com/stagehand/asset-pipeline/internal/store/model"
)

type submitOptions struct {
	assetType  string
	userID     string
	fileName   string
	context    string
	privileged bool
}

var submitOpts submitOptions

var submitCmd = &cobra.Command{
	Use:   "submit LOCATION",
	Short: "Register a stored upload and queue its virus scan",
	Long:  "LOCATION is a local path or an s3://bucket/key URL.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		assetType, err := model.ParseAssetType(submitOpts.assetType)
		if err != nil {
			return err
		}
		fileName := submitOpts.fileName
		if fileName == "" {
			fileName = filepath.Base(args[0])
		}

		return withServices(cmd.Context(), func(svc *services) error {
			asset, job, err := svc.ingest.Submit(cmd.Context(), service.Upload{
				Type:       assetType,
				UserID:     submitOpts.userID,
				FileName:   fileName,
				Location:   args[0],
				Context:    submitOpts.context,
				Privileged: submitOpts.privileged,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"asset_id":          asset.ID,
				"asset_uuid":        asset.UUID,
				"job_id":            job.JobID,
				"processing_status": asset.ProcessingStatus,
			})
		})
	},
}

func init() {
	submitCmd.Flags().StringVarP(&submitOpts.assetType, "type", "t", "", "asset type: rack, preset or session")
	submitCmd.Flags().StringVarP(&submitOpts.userID, "user", "u", "", "id of the uploader")
	submitCmd.Flags().StringVar(&submitOpts.fileName, "file-name", "", "original file name, defaults to the location's base name")
	submitCmd.Flags().StringVar(&submitOpts.context, "context", "", "scan context; \"critical\" uses the priority queue")
	submitCmd.Flags().BoolVar(&submitOpts.privileged, "privileged", false, "scan on the priority queue")
	_ = submitCmd.MarkFlagRequired("type")
	_ = submitCmd.MarkFlagRequired("user")
}
