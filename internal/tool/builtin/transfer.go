package builtin

import (
	"context"
	"fmt"

	"github.com/MrWong99/loquora/internal/tool"
	"github.com/MrWong99/loquora/pkg/types"
)

// TransferFunc performs the actual call transfer: bridging to a human queue,
// dialing out, or whatever the telephony integration supports.
type TransferFunc func(ctx context.Context, sessionID, destination, reason string) error

type transferParams struct {
	Destination string `json:"destination" jsonschema:"description=Queue name or phone number to route the call to"`
	Reason      string `json:"reason,omitempty" jsonschema:"description=Why the caller is being transferred"`
}

// TransferCall returns the "transfer_call" tool. It is transfer-marked: its
// result interrupts whatever the agent is still saying, since the caller is
// leaving the conversation.
//
// A nil transfer leaves the tool registered but inert; invoking it reports
// that transfers are not configured.
func TransferCall(transfer TransferFunc) tool.Tool {
	return tool.Func{
		Def: types.ToolDefinition{
			Name:        "transfer_call",
			Description: "Route the caller to a human operator or another phone destination. Ends this agent's involvement.",
			Parameters:  tool.SchemaFor[transferParams](),
			Transfer:    true,
		},
		Fn: func(ctx context.Context, inv tool.Invocation) (tool.Result, error) {
			var p transferParams
			if err := decodeArgs(inv.Args, &p); err != nil {
				return tool.Result{}, err
			}
			if p.Destination == "" {
				return tool.Result{}, fmt.Errorf("transfer_call requires a destination")
			}
			if transfer == nil {
				return tool.Result{}, fmt.Errorf("call transfer is not configured for this deployment")
			}
			if err := transfer(ctx, inv.SessionID, p.Destination, p.Reason); err != nil {
				return tool.Result{}, fmt.Errorf("transfer to %q failed: %w", p.Destination, err)
			}

			return tool.Result{
				Content: map[string]any{
					"status":                    "transferring",
					"destination":               p.Destination,
					"should_interrupt_playback": true,
				},
				Summary:           fmt.Sprintf("transferred call to %s", p.Destination),
				InterruptPlayback: true,
			}, nil
		},
	}
}
