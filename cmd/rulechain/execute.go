package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rhuss/rulechain/pkg/api"
)

func addRunFlags(cmd *cobra.Command, in *runInputs, withChainID bool) {
	if withChainID {
		cmd.Flags().Int64Var(&in.chainID, "chain-id", 0, "Stored chain to run")
	}
	cmd.Flags().StringVar(&in.chainFile, "chain-file", "", "Chain definition file (YAML or JSON)")
	cmd.Flags().StringVar(&in.text, "text", "", "Source text")
	cmd.Flags().StringVar(&in.textFile, "text-file", "", "Read the source text from a file (- for stdin)")
	cmd.Flags().Int64Var(&in.novelID, "novel-id", 0, "Novel the text belongs to")
	cmd.Flags().StringArrayVar(&in.params, "param", nil, "User parameter as KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVar(&in.jsonParams, "param-json", nil, "User parameter as KEY=JSON (repeatable)")
}

func newExecuteCmd(clientFn func() *Client, outputFn func(*cobra.Command) *Output) *cobra.Command {
	var in runInputs
	var streamMode, dryRun bool

	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run a rule chain on the server",
		Long: `Run a stored chain (--chain-id) or an inline definition (--chain-file)
on the source text. With --stream, step results are printed as they
arrive; with --dry-run, only the token estimate is requested.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := in.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			client := clientFn()
			out := outputFn(cmd)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			switch {
			case dryRun:
				resp, err := client.DryRun(ctx, req)
				if err != nil {
					return err
				}
				out.DryRun(resp)
			case streamMode:
				resp, err := client.Stream(ctx, req, out.Frame)
				if err != nil {
					return err
				}
				out.ExecuteResult(resp)
			default:
				resp, err := client.Execute(ctx, req)
				if err != nil {
					return err
				}
				out.ExecuteResult(resp)
			}
			return nil
		},
	}

	addRunFlags(cmd, &in, true)
	cmd.Flags().BoolVar(&streamMode, "stream", false, "Stream step results as they complete")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Estimate token cost without running")
	return cmd
}

func newGetCmd(clientFn func() *Client, outputFn func(*cobra.Command) *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get CHAIN_ID",
		Short: "Show a stored rule chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid chain id %q", args[0])
			}
			c, err := clientFn().GetChain(cmd.Context(), id)
			if err != nil {
				return err
			}
			outputFn(cmd).Chain(c)
			return nil
		},
	}
}

func newCancelCmd(clientFn func() *Client, outputFn func(*cobra.Command) *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel an in-flight streaming run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !api.ValidateRunID(args[0]) {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			if err := clientFn().CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			outputFn(cmd).Info("run %s cancelled", args[0])
			return nil
		},
	}
}
