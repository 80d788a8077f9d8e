package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/stagehand/asset-pipeline/internal/auth"
	"github.com/stagehand/asset-pipeline/internal/service"
)

type batchOptions struct {
	requester string
	roles     []string
	priority  string
	force     bool
}

var batchOpts batchOptions

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Reprocess assets in batches",
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit ASSET_ID...",
	Short: "Queue a reprocessing batch",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]uint, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseUint(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid asset id %q: %w", arg, err)
			}
			ids = append(ids, uint(id))
		}

		return withServices(cmd.Context(), func(svc *services) error {
			batchID, err := svc.batch.Submit(cmd.Context(), service.BatchRequest{
				AssetIDs:  ids,
				Requester: auth.Requester{ID: batchOpts.requester, Roles: batchOpts.roles},
				Priority:  batchOpts.priority,
				Force:     batchOpts.force,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"batch_id": batchID, "total": len(ids)})
		})
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status BATCH_ID",
	Short: "Show the progress of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServices(cmd.Context(), func(svc *services) error {
			record, err := svc.batch.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(record)
		})
	},
}

func init() {
	batchSubmitCmd.Flags().StringVarP(&batchOpts.requester, "requester", "r", "", "id of the user asking for the batch")
	batchSubmitCmd.Flags().StringSliceVar(&batchOpts.roles, "roles", nil, "roles of the requester, e.g. admin,moderator")
	batchSubmitCmd.Flags().StringVarP(&batchOpts.priority, "priority", "p", service.BatchPriorityNormal, "low, normal or high")
	batchSubmitCmd.Flags().BoolVar(&batchOpts.force, "force", false, "reanalyze assets that already completed")
	_ = batchSubmitCmd.MarkFlagRequired("requester")

	batchCmd.AddCommand(batchSubmitCmd)
	batchCmd.AddCommand(batchStatusCmd)
}
