package broker

// AuthDecision is the answer of an Authorize hook.
type AuthDecision int

const (
	// AuthUnset means the hook has no opinion and the client is accepted.
	AuthUnset AuthDecision = iota
	AuthAllow
	AuthDeny
)

// Hooks receives broker lifecycle events. Callbacks run synchronously on the
// connection's goroutine, except Published and Started which run on the
// caller of Broker.Publish and the server respectively.
type Hooks interface {
	Started(b *Broker)
	Authorize(b *Broker, clientID, username string, password []byte) AuthDecision
	Connected(b *Broker, clientID string)
	Message(b *Broker, clientID, topic string, content []byte)
	Published(b *Broker, success bool, clientID, topic string, content []byte)
	Close(b *Broker, clientID string)
}

// NopHooks ignores every event. Embed it to implement only some hooks.
type NopHooks struct{}

func (NopHooks) Started(*Broker) {}

func (NopHooks) Authorize(*Broker, string, string, []byte) AuthDecision { return AuthUnset }

func (NopHooks) Connected(*Broker, string) {}

func (NopHooks) Message(*Broker, string, string, []byte) {}

func (NopHooks) Published(*Broker, bool, string, string, []byte) {}

func (NopHooks) Close(*Broker, string) {}
