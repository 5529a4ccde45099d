package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/devicelink/devicelink/internal/client"
	"github.com/devicelink/devicelink/internal/protocol"
)

var servoIndex int

var ledCmd = &cobra.Command{
	Use:   "led N on|off",
	Short: "Switch one LED (numbered from 1)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid LED number %q", args[0])
		}
		on, err := parseOnOff(args[1])
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *client.Client) (protocol.Response, error) {
			return c.SetLED(n, on)
		})
	},
}

var allCmd = &cobra.Command{
	Use:   "all on|off",
	Short: "Switch every LED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		on, err := parseOnOff(args[0])
		if err != nil {
			return err
		}
		return withClient(cmd, func(c *client.Client) (protocol.Response, error) {
			return c.SetAll(on)
		})
	},
}

var servoCmd = &cobra.Command{
	Use:   "servo ANGLE",
	Short: "Move a servo",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		angle, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid angle %q", args[0])
		}
		return withClient(cmd, func(c *client.Client) (protocol.Response, error) {
			return c.SetServo(servoIndex, angle)
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the endpoint is answering",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(c *client.Client) (protocol.Response, error) {
			return c.Ping()
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current device state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		st, err := c.Status()
		if err != nil {
			return err
		}
		return printTelemetry(cmd.OutOrStdout(), st)
	},
}

func init() {
	servoCmd.Flags().IntVar(&servoIndex, "index", 0, "Servo index (from 0)")
	rootCmd.AddCommand(ledCmd, allCmd, servoCmd, pingCmd, statusCmd)
}

func parseOnOff(s string) (bool, error) {
	switch s {
	case "on", "ON", "1", "true":
		return true, nil
	case "off", "OFF", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid state %q: want on or off", s)
}

func withClient(cmd *cobra.Command, fn func(*client.Client) (protocol.Response, error)) error {
	c, err := connect(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	resp, err := fn(c)
	if jsonOut && resp.Status != "" {
		printJSON(out, resp)
	}
	if err != nil {
		return err
	}
	if !jsonOut {
		fmt.Fprintln(out, resp.Message)
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func printTelemetry(w io.Writer, st protocol.Telemetry) error {
	if jsonOut {
		printJSON(w, st)
		return nil
	}
	fmt.Fprintf(w, "uptime %dms\n", st.Timestamp)
	fmt.Fprint(w, "leds   ")
	for _, led := range st.LEDs {
		mark := "."
		if led.State {
			mark = "*"
		}
		fmt.Fprintf(w, " %d%s", led.ID, mark)
	}
	fmt.Fprint(w, "\nbuttons")
	for _, b := range st.Buttons {
		mark := "."
		if b.Pressed {
			mark = "*"
		}
		fmt.Fprintf(w, " %d%s", b.ID, mark)
	}
	p := st.Potentiometer
	fmt.Fprintf(w, "\npot     raw=%d %.3fV %d%%\n", p.Raw, p.Voltage, p.Percent)
	for _, s := range st.Servos {
		fmt.Fprintf(w, "servo %d %d deg\n", s.ID, s.Angle)
	}
	return nil
}
