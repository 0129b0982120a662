package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(draftArtifactsTotal, mailboxCallsTotal) }

var (
	draftArtifactsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "draft_artifacts_total",
			Help: "Mailbox draft artifacts by outcome.",
		},
		[]string{"result"}, // created, reused, sent, lost, deleted
	)

	mailboxCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailbox_calls_total",
			Help: "Mailbox gateway calls by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func IncDraftArtifact(result string) {
	draftArtifactsTotal.WithLabelValues(norm(result)).Inc()
}

func IncMailboxCall(op, outcome string) {
	mailboxCallsTotal.WithLabelValues(norm(op), norm(outcome)).Inc()
}
