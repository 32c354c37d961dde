package webhook

import (
	"fmt"

	"github.com/google/go-github/v66/github"
)

// Envelope is the normalized, transport-independent shape handed to the
// downstream workflow as its start args.
type Envelope struct {
	DeliveryID  string `json:"deliveryId"`
	EventType   string `json:"eventType"`
	Action      string `json:"action,omitempty"`
	Repository  string `json:"repository,omitempty"`
	HeadSHA     string `json:"headSha,omitempty"`
	PullRequest int    `json:"pullRequest,omitempty"`
	RawPayload  []byte `json:"rawPayload"`
}

// Normalize parses the raw payload per eventType and extracts repository and
// head-SHA information used to build the dedupe key.
func Normalize(deliveryID, eventType string, rawPayload []byte) (Envelope, error) {
	env := Envelope{DeliveryID: deliveryID, EventType: eventType, RawPayload: rawPayload}

	event, err := github.ParseWebHook(eventType, rawPayload)
	if err != nil {
		return Envelope{}, fmt.Errorf("parse webhook payload: %w", err)
	}

	switch e := event.(type) {
	case *github.PullRequestEvent:
		env.Action = e.GetAction()
		env.Repository = e.GetRepo().GetFullName()
		env.PullRequest = e.GetPullRequest().GetNumber()
		env.HeadSHA = e.GetPullRequest().GetHead().GetSHA()
	case *github.PushEvent:
		env.Repository = e.GetRepo().GetFullName()
		env.HeadSHA = e.GetAfter()
	case *github.ReleaseEvent:
		env.Action = e.GetAction()
		env.Repository = e.GetRepo().GetFullName()
	case *github.InstallationEvent:
		env.Action = e.GetAction()
	case *github.InstallationRepositoriesEvent:
		env.Action = e.GetAction()
	default:
		// Other event types that github.ParseWebHook accepts are still
		// normalized and deduped; only their repository/head-SHA fields
		// stay empty. Event types ParseWebHook does not know return an
		// error above.
	}

	return env, nil
}

// DedupeKey is the literal `deliveryId:headSha` key used both for the
// in-memory dedupe set and for the downstream workflow id, per the data
// model's "dedupeKey = deliveryId:headSha". Events with no head SHA (e.g.
// installation events) degrade to the bare delivery id.
func (e Envelope) DedupeKey() string {
	if e.HeadSHA == "" {
		return e.DeliveryID
	}
	return e.DeliveryID + ":" + e.HeadSHA
}

// WorkflowID derives a Temporal workflow id from the dedupe key, capped to
// workflowIDMaxLen so arbitrarily long delivery/SHA combinations never
// exceed the id length the spec's scenarios exercise.
func (e Envelope) WorkflowID() string {
	id := "github-webhook-" + e.DedupeKey()
	if len(id) > workflowIDMaxLen {
		id = id[:workflowIDMaxLen]
	}
	return id
}

const workflowIDMaxLen = 64
