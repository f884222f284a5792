package redpipe

import "github.com/efritz/redpipe/resp"

type (
	// Request is one `(command-name, args)` pair ready to be framed onto
	// the wire. Args are already serialized to their wire representation;
	// encoding richer Go values (ints, structs, ...) is left to higher-level
	// command wrappers built on top of this package.
	Request struct {
		Command string
		Args    [][]byte
	}

	// CommandSignature is the boundary contract external collaborators
	// (typed SETEX/GET/... wrappers, left to a higher layer) implement to
	// submit work through a Connection. A single signature may bundle
	// several Requests to represent a pipeline; MakeResponse is invoked
	// once with every Request's reply, in order, and combines them into a
	// single result. Pipelines and
	// single commands share this one interface so Connection.Send has a
	// single method to call regardless of batch size.
	CommandSignature interface {
		// Requests returns the ordered commands this signature submits.
		Requests() []Request
		// MakeResponse decodes the raw RESP replies (one per Request, in
		// Requests() order) into the caller's result type.
		MakeResponse(replies []resp.Value) (interface{}, error)
	}

	// simpleCommand is the CommandSignature built by NewCommand and used
	// internally for QUIT: it submits exactly one request and returns the
	// raw decoded Value unchanged.
	simpleCommand struct {
		request Request
	}

	// strictCommand is like simpleCommand except a RESP Error reply is
	// surfaced as a Go error (ErrServer) instead of being handed back as a
	// plain resp.Value, for callers that would rather fail a pipeline than
	// inspect every reply for IsError themselves.
	strictCommand struct {
		request Request
	}
)

// NewRequest builds a Request from a command name and string arguments.
func NewRequest(command string, args ...string) Request {
	encoded := make([][]byte, len(args))
	for i, a := range args {
		encoded[i] = []byte(a)
	}
	return Request{Command: command, Args: encoded}
}

// NewCommand wraps a single Request as a CommandSignature whose
// MakeResponse returns the decoded Value verbatim, including RESP Error
// values: an in-band Redis error is not treated as a transport failure, and
// it's left to the caller to interpret.
func NewCommand(command string, args ...string) CommandSignature {
	return &simpleCommand{request: NewRequest(command, args...)}
}

func (c *simpleCommand) Requests() []Request {
	return []Request{c.request}
}

func (c *simpleCommand) MakeResponse(replies []resp.Value) (interface{}, error) {
	return replies[0], nil
}

// NewStrictCommand wraps a single Request as a CommandSignature whose
// MakeResponse fails with ErrServer (wrapping the server's error text)
// when the reply is a RESP Error, instead of handing it back as a value.
func NewStrictCommand(command string, args ...string) CommandSignature {
	return &strictCommand{request: NewRequest(command, args...)}
}

func (c *strictCommand) Requests() []Request {
	return []Request{c.request}
}

func (c *strictCommand) MakeResponse(replies []resp.Value) (interface{}, error) {
	if replies[0].IsError() {
		return nil, ErrServer.New("%s", string(replies[0].Err))
	}
	return replies[0], nil
}

// Batch wraps several CommandSignatures as a single pipelined signature:
// all of their Requests are flattened and sent as one batch, and
// MakeResponse returns a []interface{} of each input signature's own
// MakeResponse result, in order.
type Batch struct {
	signatures []CommandSignature
}

// NewBatch bundles signatures into one pipelined CommandSignature.
func NewBatch(signatures ...CommandSignature) *Batch {
	return &Batch{signatures: signatures}
}

// Requests implements CommandSignature.
func (b *Batch) Requests() []Request {
	var reqs []Request
	for _, s := range b.signatures {
		reqs = append(reqs, s.Requests()...)
	}
	return reqs
}

// MakeResponse implements CommandSignature.
func (b *Batch) MakeResponse(replies []resp.Value) (interface{}, error) {
	results := make([]interface{}, len(b.signatures))
	offset := 0
	for i, s := range b.signatures {
		n := len(s.Requests())
		result, err := s.MakeResponse(replies[offset : offset+n])
		if err != nil {
			return nil, err
		}
		results[i] = result
		offset += n
	}
	return results, nil
}
