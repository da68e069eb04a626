package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	epyq "github.com/epcpower/goepyq"
	"github.com/epcpower/goepyq/internal/demo"
	can "github.com/epcpower/goepyq/pkg/can"
	"github.com/epcpower/goepyq/pkg/can/loopback"
	"github.com/epcpower/goepyq/pkg/config"
	"github.com/epcpower/goepyq/pkg/device"
	"github.com/epcpower/goepyq/pkg/nv"
	"github.com/epcpower/goepyq/pkg/simulator"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	simulate   bool
	logLevel   string
	waitFor    time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "nvtool",
	Short: "Access the non volatile parameters of a CAN device",
	Long: `nvtool reads, writes, saves and restores the parameters of a device
described by a session file (CAN matrix, parameter hierarchy, node id, bus).

Use --simulate to run against an in-process simulated device instead of a
real bus.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Device session file (.ini)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Run against a simulated device")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warning", "Log level (debug, info, warning, error)")
	rootCmd.PersistentFlags().DurationVar(&waitFor, "wait", 2*time.Second, "Time to wait for the device to show up")
}

// session is an opened device with everything needed to close it
type session struct {
	device *device.Device
	bm     *epyq.BusManager
	sim    *simulator.Device
}

func (s *session) Close() {
	s.device.Terminate()
	s.bm.Disconnect()
	if s.sim != nil {
		s.sim.Close()
	}
}

func loadSession() (*config.Session, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if !simulate {
		return nil, fmt.Errorf("%w: --config is required without --simulate", epyq.ErrIllegalArgument)
	}
	s := config.Default()
	s.Device.Name = "simulated"
	s.Device.NodeID = 9
	s.Monitor.Frame = demo.MonitorFrame
	return s, nil
}

// openSession connects the configured bus, or a simulated device, and
// builds the device session on it
func openSession() (*session, error) {
	s, err := loadSession()
	if err != nil {
		return nil, err
	}
	logger := log.NewEntry(log.StandardLogger())
	options := device.Options{Session: s, Logger: logger}
	opened := &session{}

	var bus epyq.Bus
	if simulate {
		ids, err := s.IDs()
		if err != nil {
			return nil, err
		}
		options.Matrix = demo.Matrix()
		if options.Hierarchy, err = nv.ParseHierarchy(bytes.NewBufferString(demo.Hierarchy)); err != nil {
			return nil, err
		}
		hub := loopback.NewHub()
		opened.sim, err = simulator.New(hub.NewBus(), demo.Matrix(), s.NV.Configuration, ids, logger)
		if err != nil {
			return nil, err
		}
		opened.sim.SetMonitorSignal("Recording", 1)
		if err := opened.sim.StartMonitor(demo.MonitorFrame); err != nil {
			opened.sim.Close()
			return nil, err
		}
		bus = hub.NewBus()
	} else {
		bus, err = can.NewBus(s.Bus.Interface, s.Bus.Channel, s.Bus.Bitrate)
		if err != nil {
			return nil, err
		}
	}

	opened.bm = epyq.NewBusManager(bus, logger)
	opened.bm.SetTransmit(s.Bus.Transmit)
	closeSim := func() {
		if opened.sim != nil {
			opened.sim.Close()
		}
	}
	opened.device, err = device.New(opened.bm, options)
	if err != nil {
		closeSim()
		return nil, err
	}
	if err := opened.bm.Connect(); err != nil {
		opened.device.Terminate()
		closeSim()
		return nil, err
	}
	return opened, nil
}

// waitPresent blocks until the device is found, a device without monitor
// frame is considered present
func (s *session) waitPresent(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !s.device.Present() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("device not found after %v", waitFor)
		case <-ticker.C:
		}
	}
	return nil
}

func withSession(run func(cmd *cobra.Command, args []string, s *session) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		return run(cmd, args, s)
	}
}
