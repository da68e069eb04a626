package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/epcpower/goepyq/pkg/monitor"
	"github.com/spf13/cobra"
)

var (
	duration time.Duration
	logPath  string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Report the device appearing and disappearing",
	RunE:  withSession(runMonitor),
}

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Record received frames to a PEAK TRC file",
	RunE:  withSession(runLog),
}

func init() {
	for _, cmd := range []*cobra.Command{monitorCmd, logCmd} {
		cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "Stop after this long, run until interrupted when 0")
	}
	logCmd.Flags().StringVarP(&logPath, "out", "o", "", "TRC file")
	logCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(monitorCmd, logCmd)
}

// wait returns after duration or on interrupt
func wait() {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)
	var timeout <-chan time.Time
	if duration > 0 {
		timeout = time.After(duration)
	}
	select {
	case <-interrupt:
	case <-timeout:
	}
}

func runMonitor(cmd *cobra.Command, args []string, s *session) error {
	m := s.device.Monitor()
	if m == nil {
		return fmt.Errorf("no monitor frame %v in matrix", s.device.Session().Monitor.Frame)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "monitoring %v, timeout %v\n", s.device.Session().Monitor.Frame, m.Timeout())
	m.OnEvent(func(event uint8) {
		state := "lost"
		if event == monitor.EventFound {
			state = "found"
		}
		fmt.Fprintf(out, "%v device %v\n", time.Now().Format(time.TimeOnly), state)
	})
	wait()
	return nil
}

func runLog(cmd *cobra.Command, args []string, s *session) error {
	f, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer f.Close()
	l := s.device.Log()
	l.Restart()
	wait()
	l.Stop()
	if err := l.WriteTRC(f); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%v frames written to %v\n", l.Len(), logPath)
	return nil
}
