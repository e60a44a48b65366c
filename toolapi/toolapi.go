// Package toolapi is the thin adapter between the six agent-facing tool
// operations of spec §6 and the Command Orchestrator: one method per
// tool, each taking plain arguments and returning the wire-shaped map
// the spec describes, with no transport of its own (spec.md §1 keeps the
// wire format that carries these calls to an LLM agent out of scope).
// Grounded on the teacher's toolapi-equivalent surface in core/service.go
// ("one exported method per external operation" shape), reduced here to
// pure request/response translation since the business logic already
// lives in core.Orchestrator.
package toolapi

import (
	"context"
	"time"

	"pkt.systems/rtxshell/core"
	"pkt.systems/rtxshell/schema"
)

// API implements the six tool operations of spec §6 on top of one
// session's Orchestrator.
type API struct {
	orch *core.Orchestrator
}

// New constructs a tool API bound to an Orchestrator.
func New(orch *core.Orchestrator) *API {
	return &API{orch: orch}
}

// ExecuteCommandArgs mirrors execute_command's named arguments.
type ExecuteCommandArgs struct {
	Command        string
	TimeoutSeconds float64
	OutputMode     string
	ConversationID string
}

// ExecuteCommandResult is execute_command's wire response shape.
type ExecuteCommandResult struct {
	CommandID  schema.CommandID  `json:"command_id"`
	Status     schema.Status     `json:"status"`
	Output     string            `json:"output,omitempty"`
	BufferInfo schema.BufferInfo `json:"buffer_info"`
}

// ExecuteCommand implements execute_command(command, timeout?,
// output_mode?, conversation_id?) -> {command_id, status, output?,
// buffer_info}.
func (a *API) ExecuteCommand(ctx context.Context, args ExecuteCommandArgs) (ExecuteCommandResult, error) {
	var timeout time.Duration
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds * float64(time.Second))
	}
	resp, err := a.orch.Execute(ctx, core.ExecuteRequest{
		Command:        args.Command,
		Timeout:        timeout,
		Mode:           schema.OutputMode(args.OutputMode),
		ConversationID: schema.ConversationID(args.ConversationID),
	})
	if err != nil && resp.ID == "" {
		return ExecuteCommandResult{Status: resp.Status}, err
	}
	result := ExecuteCommandResult{CommandID: resp.ID, Status: resp.Status}
	if resp.Payload != nil {
		result.Output = resp.Payload.Text
	}
	if resp.ID != "" {
		if status, statusErr := a.orch.Status(resp.ID, ""); statusErr == nil {
			result.BufferInfo = status.Record.Buffer
		}
	}
	return result, err
}

// CheckCommandStatusResult is check_command_status's wire shape.
type CheckCommandStatusResult struct {
	Status      schema.Status `json:"status"`
	Output      string        `json:"output,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// CheckCommandStatus implements check_command_status(command_id,
// output_mode?) -> {status, output?, completed_at?}.
func (a *API) CheckCommandStatus(id schema.CommandID, outputMode string) (CheckCommandStatusResult, error) {
	resp, err := a.orch.Status(id, schema.OutputMode(outputMode))
	if err != nil {
		return CheckCommandStatusResult{}, err
	}
	result := CheckCommandStatusResult{Status: resp.Record.Status}
	if resp.Payload != nil {
		result.Output = resp.Payload.Text
	}
	if resp.Record.Status.Terminal() && !resp.Record.CompletedAt.IsZero() {
		completed := resp.Record.CompletedAt
		result.CompletedAt = &completed
	}
	return result, nil
}

// GetCommandOutputResult is get_command_output's wire shape.
type GetCommandOutputResult struct {
	Output string `json:"output"`
}

// GetCommandOutput implements get_command_output(command_id, raw?) ->
// {output}. raw bypasses the output filter entirely and returns the
// buffer exactly as retained.
func (a *API) GetCommandOutput(id schema.CommandID, raw bool) (GetCommandOutputResult, error) {
	if raw {
		buf, err := a.orch.FetchRaw(id)
		if err != nil {
			return GetCommandOutputResult{}, err
		}
		return GetCommandOutputResult{Output: string(buf)}, nil
	}
	resp, err := a.orch.Status(id, schema.ModeFull)
	if err != nil {
		return GetCommandOutputResult{}, err
	}
	if resp.Payload == nil {
		return GetCommandOutputResult{}, nil
	}
	return GetCommandOutputResult{Output: resp.Payload.Text}, nil
}

// CancelCommandResult is cancel_command's wire shape.
type CancelCommandResult struct {
	Result core.CancelResult `json:"result"`
}

// CancelCommand implements cancel_command(command_id) -> {ok|not_running}.
func (a *API) CancelCommand(id schema.CommandID) (CancelCommandResult, error) {
	result, err := a.orch.Cancel(id)
	return CancelCommandResult{Result: result}, err
}

// ListCommandsEntry is one element of list_commands' wire shape.
type ListCommandsEntry struct {
	CommandID schema.CommandID `json:"command_id"`
	Status    schema.Status    `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
}

// ListCommands implements list_commands(status_filter?) ->
// [{command_id,status,timestamp}].
func (a *API) ListCommands(statusFilter string) []ListCommandsEntry {
	records := a.orch.List(core.ListFilter{Status: schema.Status(statusFilter)})
	out := make([]ListCommandsEntry, 0, len(records))
	for _, rec := range records {
		ts := rec.EnqueuedAt
		if !rec.StartedAt.IsZero() {
			ts = rec.StartedAt
		}
		out = append(out, ListCommandsEntry{CommandID: rec.ID, Status: rec.Status, Timestamp: ts})
	}
	return out
}

// GetTerminalStatusResult is get_terminal_status's wire shape.
type GetTerminalStatusResult struct {
	Connected bool   `json:"connected"`
	Host      string `json:"host,omitempty"`
	User      string `json:"user,omitempty"`
}

// GetTerminalStatus implements get_terminal_status() -> {connected,
// host?, user?}.
func (a *API) GetTerminalStatus() GetTerminalStatusResult {
	status := a.orch.TerminalStatus()
	return GetTerminalStatusResult{Connected: status.Connected, Host: status.Host, User: status.User}
}
