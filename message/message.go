// Package message defines the records exchanged between client and server.
//
// Envelope is the request record sent downstream. Reply is the single tagged
// record sent back: either a success carrying the serialized response, or an
// error carrying a kind and a human-readable text. Both are serialized by the
// codec layer as one flat JSON object per packet.
package message

// Status values of a Reply.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Envelope carries a single RPC request.
//
//	{"service":"calc.EchoService","method":"Echo","request_class":"calc.EchoRequest",
//	 "request":"CgVoZWxsbw==","response_class":"calc.EchoReply"}
type Envelope struct {
	Service       string `json:"service"`        // Full service name
	Method        string `json:"method"`         // Method name within the service
	RequestClass  string `json:"request_class"`  // Type tag of Request
	Request       []byte `json:"request"`        // Serialized request message (base64 in JSON)
	ResponseClass string `json:"response_class"` // Type tag of the expected response
}

// Reply carries the outcome of a call. Success fields are omitted on error and
// error fields are omitted on success.
type Reply struct {
	Status        string `json:"status"`
	Service       string `json:"service,omitempty"`
	Method        string `json:"method,omitempty"`
	ResponseClass string `json:"response_class,omitempty"`
	Response      []byte `json:"response,omitempty"`
	Kind          string `json:"kind,omitempty"`
	Error         string `json:"error,omitempty"`
}

// ErrorReply is the error form of Reply as written to the wire. Error is
// present even when the reason is empty.
type ErrorReply struct {
	Status string `json:"status"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// OK reports whether the reply is a success.
func (r *Reply) OK() bool {
	return r.Status == StatusOK
}
