package firehose

import (
	"encoding/json"

	"github.com/hosetrack/hosetrack/hose"
)

// Event is a decoded Jetstream message. Jetstream's wire format distinguishes
// message kinds with a "kind" field rather than a tagged union, and
// commit-kind messages distinguish create/update from delete with a
// "commit.operation" field — Go decodes that directly instead of the
// try-each-variant approach an untagged enum needs in languages that have
// one.
type Event struct {
	Did    string `json:"did"`
	TimeUs uint64 `json:"time_us"`
	Kind   string `json:"kind"`

	Commit   *CommitOp      `json:"commit,omitempty"`
	Identity map[string]any `json:"identity,omitempty"`
	Account  map[string]any `json:"account,omitempty"`
}

// CommitOp is the payload of a commit-kind Jetstream message: a create,
// update, or delete of a single record in one of the repository's
// collections.
type CommitOp struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Cid        string          `json:"cid,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
}

// ParseEvent decodes a single Jetstream WebSocket text message.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// ToEventRecord converts a commit-kind event into the ingest record hosetrack
// stores, bucketing the microsecond Jetstream timestamp down to whole
// seconds. Returns ok=false for non-commit events, which carry no nsid.
func (e Event) ToEventRecord() (rec hose.EventRecord, ok bool) {
	if e.Kind != "commit" || e.Commit == nil {
		return hose.EventRecord{}, false
	}
	return hose.EventRecord{
		Nsid:       e.Commit.Collection,
		TimestampS: e.TimeUs / 1_000_000,
		Deleted:    e.Commit.Operation == "delete",
	}, true
}
