package main

import (
	"encoding/json"
	"fmt"

	"github.com/MarcoPoloResearchLab/blacklist-sync/internal/blacklist"
	"github.com/spf13/cobra"
)

func newRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Discard the snapshot and fold it again from the operation log",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, cleanup, err := openService("rebuild")
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := service.Rebuild(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "folded %d log entries into %d rows (head %d)\n",
				result.EntriesFolded, result.RowsWritten, result.Head.LatestOperationTime.Int64())
			return err
		},
	}
}

func newAddCommand() *cobra.Command {
	var (
		userID     int64
		operatedBy int64
		reason     string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Append an ADD to the log and reconcile it",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, operator, err := parseSubjects(userID, operatedBy)
			if err != nil {
				return err
			}
			service, cleanup, err := openService("cli")
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := service.Add(cmd.Context(), user, operator, reason)
			return printCommandResult(cmd, result, err)
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User to blacklist")
	cmd.Flags().Int64Var(&operatedBy, "operated-by", 0, "Operator performing the change")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the entry")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("operated-by")
	return cmd
}

func newRemoveCommand() *cobra.Command {
	var (
		userID     int64
		operatedBy int64
	)
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Append a REMOVE to the log and reconcile it",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, operator, err := parseSubjects(userID, operatedBy)
			if err != nil {
				return err
			}
			service, cleanup, err := openService("cli")
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := service.Remove(cmd.Context(), user, operator)
			return printCommandResult(cmd, result, err)
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "User to remove from the blacklist")
	cmd.Flags().Int64Var(&operatedBy, "operated-by", 0, "Operator performing the change")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("operated-by")
	return cmd
}

func openService(component string) (*blacklist.Service, func(), error) {
	db, logger, cleanup, err := openStore(component)
	if err != nil {
		return nil, nil, err
	}
	service, err := blacklist.NewService(blacklist.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return service, cleanup, nil
}

func parseSubjects(userID, operatedBy int64) (blacklist.UserID, blacklist.OperatorID, error) {
	user, err := blacklist.NewUserID(userID)
	if err != nil {
		return 0, 0, err
	}
	operator, err := blacklist.NewOperatorID(operatedBy)
	if err != nil {
		return 0, 0, err
	}
	return user, operator, nil
}

// printCommandResult writes the wire form of the result. An entry that was
// logged but not reconciled is still printed; the reconciler folds it in later.
func printCommandResult(cmd *cobra.Command, result blacklist.CommandResult, err error) error {
	if err != nil && result.Entry.ID == 0 {
		return err
	}
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if encodeErr := encoder.Encode(blacklist.CommandToAPI(result)); encodeErr != nil {
		return encodeErr
	}
	return err
}
