package stage

import (
	"github.com/liamcoop/rulestage/record"
)

// Error codes reported on the error channel.
const (
	// CodeSkipped marks a row vetoed by a rule.
	CodeSkipped = 100
	// CodeCoercion marks a row whose inferred value could not be cast to the output schema.
	CodeCoercion = 200
	// CodeActionFailed marks a row on which a matched rule's action failed.
	CodeActionFailed = 300
)

// InvalidEntry is one row routed to the error channel.
type InvalidEntry struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Record  *record.Row `json:"record"`
}

// Emitter receives the output of a stage: records on the main channel and invalid
// entries on the error channel.
type Emitter interface {
	Emit(r *record.Row)
	EmitError(e InvalidEntry)
}

// CollectingEmitter buffers everything it receives. Schema, when set, is the output
// schema the records were assembled against.
type CollectingEmitter struct {
	Schema  *record.Schema
	Records []*record.Row
	Errors  []InvalidEntry
}

func (c *CollectingEmitter) Emit(r *record.Row) {
	c.Records = append(c.Records, r)
}

func (c *CollectingEmitter) EmitError(e InvalidEntry) {
	c.Errors = append(c.Errors, e)
}
