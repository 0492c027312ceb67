package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/rendis/fluxion/internal/config"
)

// newUnsidelineCmd re-arms a sidelined state through a running engine's
// control plane. It talks NATS rather than the database so the engine that
// owns the machine performs the dispatch.
func newUnsidelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unsideline <machine-id> <state-id>",
		Short: "Re-arm a sidelined state and dispatch it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			stateID, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("state id %q: %w", args[1], err)
			}

			conn, err := nats.Connect(cfg.Dispatcher.URL, nats.Name("fluxion-cli"))
			if err != nil {
				return fmt.Errorf("connect nats: %w", err)
			}
			defer conn.Close()

			payload, err := json.Marshal(map[string]any{
				"machine_id": args[0],
				"state_id":   stateID,
			})
			if err != nil {
				return err
			}
			msg, err := conn.Request("fluxion.ctl.states.unsideline", payload, 30*time.Second)
			if err != nil {
				return fmt.Errorf("request: %w", err)
			}

			var resp struct {
				OK    bool   `json:"ok"`
				Error string `json:"error"`
				Code  string `json:"code"`
			}
			if err := json.Unmarshal(msg.Data, &resp); err != nil {
				return fmt.Errorf("decode reply: %w", err)
			}
			if !resp.OK {
				return fmt.Errorf("unsideline rejected (%s): %s", resp.Code, resp.Error)
			}
			fmt.Printf("state %d of machine %s unsidelined\n", stateID, args[0])
			return nil
		},
	}
	return cmd
}
