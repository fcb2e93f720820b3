package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sarchlab/demandvm/datarecording"
	"github.com/sarchlab/demandvm/mem/vm"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report [recording.sqlite3]",
	Short: "Summarize a recording made with `run --record`.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return printRecording(cmd.Context(), args[0], cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}

func printRecording(ctx context.Context, path string, w io.Writer) error {
	_, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "opening recording")
	}

	reader := datarecording.NewReader(path)
	defer reader.Close()

	reader.MapTable(datarecording.ExecTable, datarecording.ExecInfo{})
	reader.MapTable(datarecording.FaultTable, datarecording.FaultEntry{})
	reader.MapTable(datarecording.EvictionTable, datarecording.EvictionEntry{})
	reader.MapTable(datarecording.FrameTable, datarecording.FrameEntry{})
	reader.MapTable(datarecording.TLBTable, datarecording.TLBEntry{})

	infos, _, err := reader.Query(ctx, datarecording.ExecTable,
		datarecording.QueryParams{})
	if err != nil {
		return err
	}

	for _, i := range infos {
		info := i.(*datarecording.ExecInfo)
		fmt.Fprintf(w, "%s: %s\n", info.Property, info.Value)
	}

	for _, table := range reader.ListTables() {
		if table == datarecording.ExecTable {
			continue
		}

		n, err := count(ctx, reader, table, "")
		if err != nil {
			return err
		}

		fmt.Fprintf(w, "%s: %d rows\n", table, n)
	}

	err = printBreakdown(ctx, reader, w, datarecording.FaultTable, "FromState")
	if err != nil {
		return err
	}

	return printBreakdown(ctx, reader, w, datarecording.EvictionTable,
		"NewState")
}

func printBreakdown(
	ctx context.Context,
	reader datarecording.DataReader,
	w io.Writer,
	table, column string,
) error {
	for _, state := range []vm.PageState{
		vm.NotLoaded, vm.Resident, vm.ResidentReadOnly, vm.InBackingStore,
	} {
		n, err := count(ctx, reader, table, column, state.String())
		if err != nil {
			return err
		}

		if n > 0 {
			fmt.Fprintf(w, "%s %s=%s: %d\n", table, column, state, n)
		}
	}

	return nil
}

func count(
	ctx context.Context,
	reader datarecording.DataReader,
	table, column string,
	args ...any,
) (int, error) {
	params := datarecording.QueryParams{Limit: 1, Args: args}
	if column != "" {
		params.Where = column + " = ?"
	}

	_, n, err := reader.Query(ctx, table, params)

	return n, err
}
