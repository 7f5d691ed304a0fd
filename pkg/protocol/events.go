// Copyright 2024-2026 Aiku AI

package protocol

// Phase names an outbound request kind. Mutators are registered per phase.
type Phase string

const (
	PhaseConnect       Phase = "connect"
	PhaseDisconnect    Phase = "disconnect"
	PhaseSubscribe     Phase = "subscribe"
	PhaseUnsubscribe   Phase = "unsubscribe"
	PhaseMessage       Phase = "message"
	PhaseMessageEdit   Phase = "messageEdit"
	PhaseMessageDelete Phase = "messageDelete"
	PhaseUserState     Phase = "userState"
)

// Request is an outbound request as seen by mutators, before it is
// serialized. Mutators may add body fields or headers; they must not block.
type Request struct {
	Phase   Phase
	Method  string
	URL     string
	Headers map[string]string
	Body    map[string]any
}

// Mutator edits an outbound request.
type Mutator func(req *Request)

// Event is an inbound transport event. The set of implementations is
// closed.
type Event interface {
	EventGeneration() uint64
	event()
}

// Connected is delivered after a successful connect handshake.
type Connected struct {
	Generation uint64
	Response   ConnectResponse
}

// Subscribed is delivered after the server confirmed a subscribe request.
type Subscribed struct {
	Generation uint64
	Response   SubscribeResponse
}

// Unsubscribed is delivered after the server confirmed an unsubscribe
// request.
type Unsubscribed struct {
	Generation uint64
	Response   UnsubscribeResponse
}

// ChannelsChanged asks the session to run a reconciliation pass.
type ChannelsChanged struct {
	Generation uint64
}

// MessageBatch carries one batch received by the listener.
type MessageBatch struct {
	Generation uint64
	Messages   []Message
}

// Disconnected reports that the connection is gone, either because the
// handshake failed or because the listener gave up reconnecting.
type Disconnected struct {
	Generation uint64
	Err        error
}

// RequestFailed reports a failed non-connect request.
type RequestFailed struct {
	Generation uint64
	Phase      Phase
	Channels   []string
	Err        error
}

func (e Connected) EventGeneration() uint64       { return e.Generation }
func (e Subscribed) EventGeneration() uint64      { return e.Generation }
func (e Unsubscribed) EventGeneration() uint64    { return e.Generation }
func (e ChannelsChanged) EventGeneration() uint64 { return e.Generation }
func (e MessageBatch) EventGeneration() uint64    { return e.Generation }
func (e Disconnected) EventGeneration() uint64    { return e.Generation }
func (e RequestFailed) EventGeneration() uint64   { return e.Generation }

func (Connected) event()       {}
func (Subscribed) event()      {}
func (Unsubscribed) event()    {}
func (ChannelsChanged) event() {}
func (MessageBatch) event()    {}
func (Disconnected) event()    {}
func (RequestFailed) event()   {}

// Command is an outbound instruction for the transport. The set of
// implementations is closed.
type Command interface {
	CommandPhase() Phase
	command()
}

// ConnectCommand opens a new connection. It supersedes any previous one;
// events produced for it carry Generation.
type ConnectCommand struct {
	Generation uint64
	Username   string
	Channels   []string
}

// DisconnectCommand closes the current connection.
type DisconnectCommand struct{}

// SubscribeCommand subscribes the connection to Channels.
type SubscribeCommand struct {
	Channels []string
}

// UnsubscribeCommand unsubscribes the connection from Channels.
type UnsubscribeCommand struct {
	Channels []string
}

// MessageCommand posts a message to a channel.
type MessageCommand struct {
	Channel string
	User    string
	Message map[string]any
}

// EditCommand replaces the payload of a message.
type EditCommand struct {
	UUID    string
	Channel string
	Message map[string]any
}

// DeleteCommand deletes a message.
type DeleteCommand struct {
	UUID    string
	Channel string
}

// UserStateCommand updates the connected user's state.
type UserStateCommand struct {
	Username  string
	UserState map[string]any
}

func (ConnectCommand) CommandPhase() Phase     { return PhaseConnect }
func (DisconnectCommand) CommandPhase() Phase  { return PhaseDisconnect }
func (SubscribeCommand) CommandPhase() Phase   { return PhaseSubscribe }
func (UnsubscribeCommand) CommandPhase() Phase { return PhaseUnsubscribe }
func (MessageCommand) CommandPhase() Phase     { return PhaseMessage }
func (EditCommand) CommandPhase() Phase        { return PhaseMessageEdit }
func (DeleteCommand) CommandPhase() Phase      { return PhaseMessageDelete }
func (UserStateCommand) CommandPhase() Phase   { return PhaseUserState }

func (ConnectCommand) command()     {}
func (DisconnectCommand) command()  {}
func (SubscribeCommand) command()   {}
func (UnsubscribeCommand) command() {}
func (MessageCommand) command()     {}
func (EditCommand) command()        {}
func (DeleteCommand) command()      {}
func (UserStateCommand) command()   {}
