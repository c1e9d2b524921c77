package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Eshwarpawanpeddi/Jetbot-os/internal/eventbus"
)

func newPublishCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "publish KIND [key=value ...]",
		Short: "Publish an operator event on the robot bus",
		Long: `Publish an operator event on the robot bus.

Values are parsed as booleans or numbers when possible, strings otherwise.
Use --data to pass a JSON object instead.`,
		Example: `  jetbot publish face_text text="hello there"
  jetbot publish movement_command left_motor=0.5 right_motor=0.5
  jetbot publish battery_status --data '{"percent": 81, "charging": false}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := eventbus.ParseKind(args[0])
			if err != nil {
				return err
			}
			payload, err := parsePayload(args[1:], data)
			if err != nil {
				return err
			}
			return publish(cmd, kind, payload)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "payload as a JSON object")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		kinds  []string
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent bus events, or follow them live",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed := make([]eventbus.Kind, 0, len(kinds))
			for _, raw := range kinds {
				k, err := eventbus.ParseKind(raw)
				if err != nil {
					return err
				}
				parsed = append(parsed, k)
			}

			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			f := newOutputFormatter(cmd)
			show := func(evt eventbus.Event) {
				if f.JSON() {
					b, _ := json.Marshal(evt)
					fmt.Fprintln(cmd.OutOrStdout(), string(b))
					return
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatEvent(evt))
			}

			if follow {
				return c.Watch(cmd.Context(), parsed, show)
			}

			var kind eventbus.Kind
			switch len(parsed) {
			case 0:
			case 1:
				kind = parsed[0]
			default:
				return fmt.Errorf("only one --kind can be listed without --follow")
			}
			events, err := c.Events(cmd.Context(), kind, limit)
			if err != nil {
				return err
			}
			for _, evt := range events {
				show(evt)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "event kind filter (repeatable with --follow)")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of retained events to list")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream events as they are published")
	return cmd
}

func publish(cmd *cobra.Command, kind eventbus.Kind, payload eventbus.Payload) error {
	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	evt, err := c.Publish(cmd.Context(), kind, payload)
	if err != nil {
		return err
	}
	return newOutputFormatter(cmd).Result(fmt.Sprintf("published %s (%s)", evt.Kind, evt.ID), evt)
}

// parsePayload builds a payload from key=value pairs or a JSON object.
func parsePayload(pairs []string, data string) (eventbus.Payload, error) {
	payload := eventbus.Payload{}
	if strings.TrimSpace(data) != "" {
		if len(pairs) > 0 {
			return nil, fmt.Errorf("use either key=value pairs or --data, not both")
		}
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil, fmt.Errorf("invalid --data: %w", err)
		}
		return payload, nil
	}

	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid payload field %q, expected key=value", pair)
		}
		payload[key] = parseValue(raw)
	}
	return payload, nil
}

func parseValue(raw string) any {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}

func formatEvent(evt eventbus.Event) string {
	keys := make([]string, 0, len(evt.Payload))
	for k := range evt.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-18s %-11s", evt.Timestamp.Local().Format(time.TimeOnly), evt.Kind, evt.Source)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, evt.Payload[k])
	}
	return b.String()
}

func floatOr(p eventbus.Payload, key string) float64 {
	f, _ := p.Float(key)
	return f
}
