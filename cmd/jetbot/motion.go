package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/navigation"
)

func newModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mode manual|auto",
		Short:     "Switch between manual and autonomous control",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(navigation.ModeManual), string(navigation.ModeAuto)},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := navigation.ParseMode(args[0])
			if err != nil {
				return err
			}
			return publish(cmd, eventbus.KindModeChanged, eventbus.Payload{"mode": string(mode)})
		},
	}
}

func newDriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drive LEFT RIGHT",
		Short: "Send a manual wheel command, each side in [-1, 1]",
		Example: `  jetbot drive 0.5 0.5    # forward at half speed
  jetbot drive -- -1 1    # spin left in place
  jetbot drive 0 0        # stop`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			left, err := parseUnit(args[0], "LEFT")
			if err != nil {
				return err
			}
			right, err := parseUnit(args[1], "RIGHT")
			if err != nil {
				return err
			}
			return publish(cmd, eventbus.KindMovementCommand, eventbus.Payload{
				"left_motor":  left,
				"right_motor": right,
			})
		},
	}
}

func newGoalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goal X Y [THETA]",
		Short: "Request autonomous navigation to a pose (metres, radians)",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := make([]float64, 3)
			for i, raw := range args {
				v, err := strconv.ParseFloat(raw, 64)
				if err != nil {
					return fmt.Errorf("invalid coordinate %q: %w", raw, err)
				}
				values[i] = v
			}
			return publish(cmd, eventbus.KindNavigationGoal, eventbus.Payload{
				"x":     values[0],
				"y":     values[1],
				"theta": values[2],
			})
		},
	}
}

func newEstopCmd() *cobra.Command {
	var (
		release bool
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "estop",
		Short: "Engage (or release) the emergency stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return publish(cmd, eventbus.KindEmergencyStop, eventbus.Payload{
				"engaged": !release,
				"reason":  reason,
			})
		},
	}
	cmd.Flags().BoolVar(&release, "release", false, "release a previously engaged stop")
	cmd.Flags().StringVar(&reason, "reason", "operator", "reason recorded with the stop")
	return cmd
}

func parseUnit(raw, name string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	if v < -1 || v > 1 {
		return 0, fmt.Errorf("%s must be within [-1, 1], got %g", name, v)
	}
	return v, nil
}
