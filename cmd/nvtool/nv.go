package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/epcpower/goepyq/pkg/nv"
	"github.com/epcpower/goepyq/pkg/protocol"
	"github.com/spf13/cobra"
)

var (
	metaName     string
	metaNames    []string
	valuesPath   string
	noRangeCheck bool
)

var readCmd = &cobra.Command{
	Use:   "read PATH",
	Short: "Read one parameter",
	Args:  cobra.ExactArgs(1),
	RunE:  withSession(runRead),
}

var writeCmd = &cobra.Command{
	Use:   "write PATH VALUE",
	Short: "Write one parameter",
	Long: `Write one parameter. VALUE is a number or, for enumerated parameters,
the name of one of its values.`,
	Args: cobra.ExactArgs(2),
	RunE: withSession(runWrite),
}

var readAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Read every parameter and save the values",
	RunE:  withSession(runReadAll),
}

var writeAllCmd = &cobra.Command{
	Use:   "write-all",
	Short: "Write every parameter of a saved value set",
	RunE:  withSession(runWriteAll),
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the parameters of the device",
	RunE:  withSession(runList),
}

func init() {
	for _, cmd := range []*cobra.Command{readCmd, writeCmd} {
		cmd.Flags().StringVarP(&metaName, "meta", "m", nv.Value.String(), "Meta to access")
	}
	writeCmd.Flags().BoolVar(&noRangeCheck, "no-range-check", false, "Skip the range check, when the session allows it")
	for _, cmd := range []*cobra.Command{readAllCmd, writeAllCmd} {
		cmd.Flags().StringSliceVarP(&metaNames, "meta", "m", nil, "Metas to transfer")
	}
	readAllCmd.Flags().StringVarP(&valuesPath, "out", "o", "", "Value set file, standard output when empty")
	writeAllCmd.Flags().StringVarP(&valuesPath, "in", "i", "", "Value set file")
	writeAllCmd.MarkFlagRequired("in")
	rootCmd.AddCommand(readCmd, writeCmd, readAllCmd, writeAllCmd, listCmd)
}

func parseMetas(names []string) ([]nv.Meta, error) {
	var metas []nv.Meta
	for _, name := range names {
		meta, err := nv.ParseMeta(name)
		if err != nil {
			return nil, err
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func format(p *nv.Parameter, value float64) string {
	text := p.Status.Format(value)
	if p.Status.Unit != "" {
		text += " " + p.Status.Unit
	}
	return text
}

func progress(cmd *cobra.Command) func(protocol.Progress) {
	return func(p protocol.Progress) {
		status := "ok"
		if p.Err != nil {
			status = p.Err.Error()
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%v %v/%v mux %v %v : %v\n", p.Label, p.Done, p.Total, p.Mux, p.Meta, status)
	}
}

func runRead(cmd *cobra.Command, args []string, s *session) error {
	meta, err := nv.ParseMeta(metaName)
	if err != nil {
		return err
	}
	p, err := s.device.Tree().Lookup(args[0])
	if err != nil {
		return err
	}
	if err := s.waitPresent(cmd.Context()); err != nil {
		return err
	}
	value, err := s.device.Protocol().Read(p, meta).Wait(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v %v = %v\n", p, meta, format(p, value))
	return nil
}

func runWrite(cmd *cobra.Command, args []string, s *session) error {
	meta, err := nv.ParseMeta(metaName)
	if err != nil {
		return err
	}
	p, err := s.device.Tree().Lookup(args[0])
	if err != nil {
		return err
	}
	value, err := p.Set.Parse(args[1])
	if err != nil {
		return err
	}
	if noRangeCheck && !s.device.Session().Device.RangeCheckOverridable {
		return fmt.Errorf("range check is not overridable for %v", s.device.Session().Device.Name)
	}
	if err := s.waitPresent(cmd.Context()); err != nil {
		return err
	}
	var echoed float64
	if noRangeCheck {
		values, err := s.device.Protocol().WriteGroup(p.MuxKey(), meta, protocol.GroupValues{p: value}).Wait(context.Background())
		if err != nil {
			return err
		}
		echoed = values[p]
	} else {
		echoed, err = s.device.Protocol().Write(p, meta, value).Wait(context.Background())
		var mismatch protocol.Mismatch
		if errors.As(err, &mismatch) {
			fmt.Fprintf(cmd.OutOrStdout(), "%v %v = %v\n", p, meta, format(p, mismatch.Echoed))
		}
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v %v = %v\n", p, meta, format(p, echoed))
	return nil
}

func runReadAll(cmd *cobra.Command, args []string, s *session) error {
	metas, err := parseMetas(metaNames)
	if err != nil {
		return err
	}
	if len(metas) == 0 {
		metas = nv.Metas
	}
	if err := s.waitPresent(cmd.Context()); err != nil {
		return err
	}
	result, err := s.device.Protocol().ReadAll(protocol.BulkOptions{Metas: metas, Progress: progress(cmd)}).Wait(context.Background())
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if valuesPath != "" {
		f, err := os.Create(valuesPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if err := nv.SaveValueSet(out, s.device.Tree(), metas...); err != nil {
		return err
	}
	return result.Err()
}

func runWriteAll(cmd *cobra.Command, args []string, s *session) error {
	metas, err := parseMetas(metaNames)
	if err != nil {
		return err
	}
	f, err := os.Open(valuesPath)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := nv.LoadValueSet(f, s.device.Tree(), true); err != nil {
		return err
	}
	if err := s.waitPresent(cmd.Context()); err != nil {
		return err
	}
	result, err := s.device.Protocol().WriteAll(protocol.BulkOptions{Metas: metas, Progress: progress(cmd)}).Wait(context.Background())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v operations completed, %v failed\n", result.Completed, len(result.Failures))
	return result.Err()
}

func runList(cmd *cobra.Command, args []string, s *session) error {
	for _, p := range s.device.Tree().Parameters() {
		lo, hi := p.Set.Limits()
		line := fmt.Sprintf("%v [%v, %v]", p, p.Set.Format(lo), p.Set.Format(hi))
		if p.Set.Unit != "" {
			line += " " + p.Set.Unit
		}
		if p.Factory {
			line += " (factory)"
		}
		fmt.Fprintln(cmd.OutOrStdout(), line)
	}
	return nil
}
