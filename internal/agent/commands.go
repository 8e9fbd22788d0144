package agent

import (
	"fmt"

	"github.com/nerrad567/fleetmon/internal/protocol"
)

// handleCommand decodes a command, runs its handler and publishes exactly
// one response. Undecodable commands and commands without an id or type are
// returned as errors and never answered.
func (a *Agent) handleCommand(payload []byte) error {
	var cmd protocol.CommandMessage
	if err := a.codec.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("command for %s: %w", a.cfg.DeviceID, err)
	}
	if !cmd.Valid() {
		return fmt.Errorf("command for %s: %w: missing command_id or command_type",
			a.cfg.DeviceID, protocol.ErrMalformedPayload)
	}

	a.logger.Info("command received",
		"device_id", a.cfg.DeviceID,
		"command_id", cmd.CommandID,
		"command_type", cmd.CommandType,
	)

	result := a.execute(cmd.CommandType, cmd.Parameters)
	result.CommandID = cmd.CommandID
	if result.Timestamp.IsZero() {
		result.Timestamp = a.now()
	}

	if err := a.sendResponse(result); err != nil {
		return fmt.Errorf("responding to %s: %w", cmd.CommandID, err)
	}
	return nil
}

// execute looks the handler up under the handler lock and runs it after
// releasing it. A panicking handler yields a failed result.
func (a *Agent) execute(commandType string, params map[string]any) (result CommandResult) {
	a.handlersMu.RLock()
	handler, ok := a.handlers[commandType]
	a.handlersMu.RUnlock()

	if !ok {
		return Failure(msgUnknownCommand + commandType)
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("command handler panic recovered", "command_type", commandType, "panic", r)
			result = Failure(fmt.Sprintf("%s%v", msgHandlerPanicked, r))
		}
	}()
	return handler(commandType, params)
}

func (a *Agent) sendResponse(result CommandResult) error {
	if !a.transport.IsConnected() {
		return ErrNotConnected
	}

	msg := protocol.ResponseMessage{
		CommandID: result.CommandID,
		Success:   result.Success,
		Timestamp: result.Timestamp.Unix(),
	}
	if result.Success {
		msg.Result = result.Data
	} else {
		msg.Error = result.Error
	}

	payload, err := a.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding response: %w", err)
	}
	return a.transport.Publish(protocol.ResponseTopic(a.cfg.DeviceID), payload, protocol.QoSResponse, false)
}

func (a *Agent) handleGetStatus(string, map[string]any) CommandResult {
	return Success(a.StatusSnapshot())
}

func (a *Agent) handleSetProperty(_ string, params map[string]any) CommandResult {
	rawName, hasName := params["name"]
	value, hasValue := params["value"]
	name, isString := rawName.(string)
	if !hasName || !hasValue || !isString {
		return Failure(msgMissingParams)
	}

	if err := a.UpdateProperty(name, value); err != nil {
		a.logger.Debug("set_property rejected", "name", name, "error", err)
		return Failure(msgUpdateFailed)
	}
	return Success(map[string]any{"message": "Property updated successfully"})
}
