// Package wire defines the JSON types exchanged between the pusher and the
// mutation processor: pushes, responses, and the persisted client row shape.
package wire

import "encoding/json"

// MutationKind distinguishes a custom mutation (dispatched to a named
// mutator function) from a CRUD mutation (applied directly against a table).
type MutationKind string

const (
	MutationKindCustom MutationKind = "custom"
	MutationKindCRUD    MutationKind = "crud"
)

// MutationID identifies a single mutation within a client's monotonic
// sequence. Gaps are errors (see OOOMutationError).
type MutationID struct {
	ClientID string `json:"clientID"`
	ID       int64  `json:"id"`
}

// Mutation is immutable once created by the client.
type Mutation struct {
	Kind      MutationKind    `json:"kind"`
	ID        int64           `json:"id"`
	ClientID  string          `json:"clientID"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp"`
}

// PushBody is the wire request the pusher POSTs to the upstream endpoint.
// All mutations in one body share ClientGroupID. The coalescer only merges
// PushEntries that share a ClientID, so a composite body never mixes
// entries from different clients.
type PushBody struct {
	ClientGroupID string     `json:"clientGroupID"`
	Mutations     []Mutation `json:"mutations"`
	PushVersion   int        `json:"pushVersion"`
	SchemaVersion string     `json:"schemaVersion,omitempty"`
	Timestamp     int64      `json:"timestamp"`
	RequestID     string     `json:"requestID"`
}

// ClientIDs returns the distinct clientIDs referenced by this body's
// mutations, preserving first-seen order.
func (b PushBody) ClientIDs() []string {
	seen := make(map[string]bool, len(b.Mutations))
	var ids []string
	for _, m := range b.Mutations {
		if !seen[m.ClientID] {
			seen[m.ClientID] = true
			ids = append(ids, m.ClientID)
		}
	}
	return ids
}

// PushEntry is the internal unit queued for dispatch. A freshly-enqueued
// entry always has exactly one ClientID; the coalescer may merge several
// same-client entries into one composite PushEntry whose Push.Mutations is
// their concatenation.
type PushEntry struct {
	Push     PushBody
	JWT      string
	ClientID string

	// ReceivedAt (Unix milliseconds at enqueue) is observability-only: it
	// never affects the wire-visible PushResponse and is not part of any
	// spec invariant.
	ReceivedAt int64
}

// Sentinel is the distinguished terminator enqueued by Stop. No entry may
// be enqueued after it.
var Sentinel = &PushEntry{ClientID: "\x00sentinel"}

// IsSentinel reports whether e is the queue-termination sentinel.
func IsSentinel(e *PushEntry) bool {
	return e == Sentinel
}

// MutationResult is the per-mutation outcome embedded in an Ok PushResponse.
type MutationResult struct {
	ID     MutationID      `json:"id"`
	Result MutationOutcome `json:"result"`
}

// MutationOutcome is `{}` on success, or `{error, details?}` on a
// per-mutation failure (app or oooMutation).
type MutationOutcome struct {
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// ResponseKind discriminates the three PushResponse shapes.
type ResponseKind string

const (
	ResponseOk        ResponseKind = "ok"
	ResponseFatal     ResponseKind = "fatal"
	ResponseRetriable ResponseKind = "retriable"
)

// PushResponse is the JSON body returned by the processor's /push endpoint
// and consumed by the Upstream Dispatcher. Exactly one of the Ok/Fatal/
// Retriable-shaped field sets is meaningful, selected by Kind.
type PushResponse struct {
	Kind ResponseKind `json:"-"`

	// Ok
	Mutations []MutationResult `json:"mutations,omitempty"`

	// Fatal / Retriable
	Error       string       `json:"error,omitempty"`
	Status      int          `json:"status,omitempty"`
	Details     string       `json:"details,omitempty"`
	MutationIDs []MutationID `json:"mutationIDs,omitempty"`
}

// MarshalJSON encodes the response per its Kind, omitting fields that don't
// apply to that shape.
func (r PushResponse) MarshalJSON() ([]byte, error) {
	switch r.Kind {
	case ResponseOk:
		return json.Marshal(struct {
			Mutations []MutationResult `json:"mutations"`
		}{r.Mutations})
	case ResponseFatal:
		return json.Marshal(struct {
			Error       string       `json:"error"`
			MutationIDs []MutationID `json:"mutationIDs,omitempty"`
		}{r.Error, r.MutationIDs})
	case ResponseRetriable:
		return json.Marshal(struct {
			Error       string       `json:"error"`
			Status      int          `json:"status,omitempty"`
			Details     string       `json:"details,omitempty"`
			MutationIDs []MutationID `json:"mutationIDs,omitempty"`
		}{r.Error, r.Status, r.Details, r.MutationIDs})
	default:
		// Best effort for an unset Kind: infer from populated fields so that
		// responses built without the Kind tag (e.g. in tests) still round-trip.
		if r.Error != "" {
			return json.Marshal(struct {
				Error       string       `json:"error"`
				Status      int          `json:"status,omitempty"`
				Details     string       `json:"details,omitempty"`
				MutationIDs []MutationID `json:"mutationIDs,omitempty"`
			}{r.Error, r.Status, r.Details, r.MutationIDs})
		}
		return json.Marshal(struct {
			Mutations []MutationResult `json:"mutations"`
		}{r.Mutations})
	}
}

// UnmarshalJSON infers Kind from which fields are present: an "error" field
// means Fatal or Retriable (distinguished by FatalErrorKinds), otherwise Ok.
func (r *PushResponse) UnmarshalJSON(data []byte) error {
	var raw struct {
		Mutations   []MutationResult `json:"mutations"`
		Error       string           `json:"error"`
		Status      int              `json:"status"`
		Details     string           `json:"details"`
		MutationIDs []MutationID     `json:"mutationIDs"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Mutations = raw.Mutations
	r.Error = raw.Error
	r.Status = raw.Status
	r.Details = raw.Details
	r.MutationIDs = raw.MutationIDs

	switch {
	case raw.Error == "":
		r.Kind = ResponseOk
	case FatalErrorKinds[raw.Error]:
		r.Kind = ResponseFatal
	default:
		r.Kind = ResponseRetriable
	}
	return nil
}

// FatalErrorKinds are the PushResponse error strings that terminate the
// batch's whole-push outcome with an InvalidPush stream failure rather than
// being relayed as a retriable batch error.
var FatalErrorKinds = map[string]bool{
	"unsupportedPushVersion":   true,
	"unsupportedSchemaVersion": true,
}

// Downstream error kind strings, used verbatim on the wire.
const (
	ErrKindApp                     = "app"
	ErrKindOOOMutation              = "oooMutation"
	ErrKindHTTP                     = "http"
	ErrKindZeroPusher               = "zeroPusher"
	ErrKindUnsupportedPushVersion   = "unsupportedPushVersion"
	ErrKindUnsupportedSchemaVersion = "unsupportedSchemaVersion"
)

// SupportedPushVersion is the only pushVersion this processor accepts.
const SupportedPushVersion = 1

// ClientRow is the persisted per-client counter row,
// `<schema>.clients (clientGroupID, clientID, lastMutationID, userID)`.
type ClientRow struct {
	ClientGroupID  string
	ClientID       string
	LastMutationID int64
	UserID         string
}

// DownstreamMessage is the `["pushResponse", PushResponse]` envelope pushed
// to a client's output stream.
type DownstreamMessage struct {
	Tag      string       `json:"-"`
	Response PushResponse `json:"-"`
}

// MarshalJSON encodes the two-element tagged-tuple wire shape.
func (d DownstreamMessage) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{"pushResponse", d.Response})
}

// NewPushResponseMessage wraps resp as a pushResponse downstream message.
func NewPushResponseMessage(resp PushResponse) DownstreamMessage {
	return DownstreamMessage{Tag: "pushResponse", Response: resp}
}
