package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jfoltran/replicore/internal/daemon"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Ask a running replicatord to run its recovery procedure",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(apiAddr(flagAPIPort))
		resp, err := client.SubmitRecover(daemon.RecoverPayload{})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("recover: %s", resp.Error)
		}
		fmt.Println(resp.Message)
		return nil
	},
}

var (
	flagDeleteLogName string
	flagDeleteToSeq   uint64
	flagDeleteRemotes []string
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Ask a running replicatord to delete a local log up to a sequence number",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(apiAddr(flagAPIPort))
		resp, err := client.SubmitDelete(daemon.DeletePayload{
			LogName:           flagDeleteLogName,
			ToSeq:             flagDeleteToSeq,
			RemoteEndpointIDs: flagDeleteRemotes,
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("delete: %s", resp.Error)
		}
		fmt.Println(resp.Message)
		return nil
	},
}

func init() {
	recoverCmd.Flags().IntVar(&flagAPIPort, "api-port", 8080, "port of the running replicatord's status API")

	deleteCmd.Flags().IntVar(&flagAPIPort, "api-port", 8080, "port of the running replicatord's status API")
	deleteCmd.Flags().StringVar(&flagDeleteLogName, "log-name", "default", "local log to delete from")
	deleteCmd.Flags().Uint64Var(&flagDeleteToSeq, "to-seq", 0, "delete events up to and including this sequence number")
	deleteCmd.Flags().StringSliceVar(&flagDeleteRemotes, "remote-endpoint", nil, "remote endpoint IDs whose log_ids gate the delete (repeatable)")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running replicatord's status snapshot as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := daemon.NewClient(apiAddr(flagAPIPort))
		snap, err := client.Status()
		if err != nil {
			return fmt.Errorf("cannot reach replicatord: %w", err)
		}
		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

func init() {
	statusCmd.Flags().IntVar(&flagAPIPort, "api-port", 8080, "port of the running replicatord's status API")
}
