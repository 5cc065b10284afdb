package commands

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rayz/bridge/internal/device"
	"github.com/rayz/bridge/internal/protocol"
	"github.com/rayz/bridge/internal/registry"
	"github.com/rayz/bridge/internal/ui"
)

var sendCmd = &cobra.Command{
	Use:   "send <command> [key=value...]",
	Short: "Connect to devices and send them a command",
	Long: `Connect to the given devices, send one command and disconnect.

Commands: start, stop, pause, unpause, reset, extend_time, update_target.

With --raw the single argument is a JSON frame written to each device as is.

Examples:
  rayzctl send start --ip 192.168.1.42 --ip 192.168.1.43
  rayzctl send extend_time extend_minutes=5 --ip 192.168.1.42
  rayzctl send --raw '{"type":"command","name":"start"}' --ip 192.168.1.42`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ips, _ := cmd.Flags().GetStringSlice("ip")
		if len(ips) == 0 {
			return errors.New("at least one --ip is required")
		}
		if raw, _ := cmd.Flags().GetBool("raw"); raw {
			return sendRaw(cmd, ips, args)
		}
		name := args[0]
		params, err := parseParams(args[1:])
		if err != nil {
			return err
		}
		// validate before touching the network
		if _, err := protocol.NewCommand(name, params); err != nil {
			return err
		}

		opts, err := registryOptions(cfg)
		if err != nil {
			return err
		}
		opts.Connection = oneShot(opts.Connection)
		reg := registry.New(opts)
		defer reg.Close()

		for _, ip := range ips {
			if _, err := reg.Add(ip, device.Metadata{}); err != nil {
				return err
			}
		}
		for ip, err := range reg.ConnectAll(cmd.Context()) {
			fmt.Println(ui.RenderError(fmt.Errorf("%s: %w", ip, err)))
		}

		res, err := reg.BroadcastCommand(cmd.Context(), name, params)
		if err != nil {
			return err
		}
		fmt.Print(ui.RenderBroadcast(name, res))
		if res.Sent == 0 {
			return errors.New("no device received the command")
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().StringSlice("ip", nil, "Device address (repeatable)")
	sendCmd.Flags().Int("port", 0, "Device port")
	sendCmd.Flags().Duration("send-interval", 0, "Pause between devices")
	sendCmd.Flags().Bool("raw", false, "Send the argument as a raw JSON frame")
}

func sendRaw(cmd *cobra.Command, ips, args []string) error {
	frame, err := rawFrame(args)
	if err != nil {
		return err
	}
	opts, err := registryOptions(cfg)
	if err != nil {
		return err
	}
	opts.Connection = oneShot(opts.Connection)
	reg := registry.New(opts)
	defer reg.Close()

	for _, ip := range ips {
		if _, err := reg.Add(ip, device.Metadata{}); err != nil {
			return err
		}
	}
	for ip, err := range reg.ConnectAll(cmd.Context()) {
		fmt.Println(ui.RenderError(fmt.Errorf("%s: %w", ip, err)))
	}

	sent := 0
	for _, ip := range ips {
		if err := reg.SendRaw(cmd.Context(), ip, frame); err != nil {
			fmt.Println(ui.RenderError(err))
			continue
		}
		sent++
	}
	fmt.Printf("raw frame sent to %d/%d devices\n", sent, len(ips))
	if sent == 0 {
		return errors.New("no device received the frame")
	}
	return nil
}

// rawFrame checks that args hold exactly one JSON object
func rawFrame(args []string) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("--raw takes one frame, got %d arguments", len(args))
	}
	frame := []byte(strings.TrimSpace(args[0]))
	var obj map[string]interface{}
	if err := json.Unmarshal(frame, &obj); err != nil {
		return nil, fmt.Errorf("invalid raw frame: %w", err)
	}
	return frame, nil
}

// oneShot disables background reconnects for commands that exit after one send
func oneShot(opts device.Options) device.Options {
	opts.AutoReconnect = false
	return opts
}

// parseParams turns key=value arguments into command params. Numbers and
// booleans keep their type on the wire.
func parseParams(args []string) (protocol.Params, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(protocol.Params, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q, expected key=value", arg)
		}
		if n, err := strconv.Atoi(value); err == nil {
			params[key] = n
		} else if f, err := strconv.ParseFloat(value, 64); err == nil {
			params[key] = f
		} else if b, err := strconv.ParseBool(value); err == nil {
			params[key] = b
		} else {
			params[key] = value
		}
	}
	return params, nil
}
