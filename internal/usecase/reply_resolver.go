package usecase

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"crm-draft-queue/internal/domain/ports/adapter"
)

// ReplyResolver derives reply-chain metadata from the newest message of a thread.
type ReplyResolver struct {
	mail adapter.MailboxAPI
	log  *zerolog.Logger
}

func NewReplyResolver(mail adapter.MailboxAPI, logger *zerolog.Logger) *ReplyResolver {
	l := logger.With().Str("component", "ReplyResolver").Logger()
	return &ReplyResolver{mail: mail, log: &l}
}

// Resolve never fails. When the thread cannot be read or yields no usable
// recipient, fallbackTo becomes the sole recipient.
func (r *ReplyResolver) Resolve(ctx context.Context, ownerID, threadID, fallbackTo string) adapter.ReplyTarget {
	fallback := adapter.ReplyTarget{}
	if a := strings.ToLower(strings.TrimSpace(fallbackTo)); a != "" {
		fallback.To = []string{a}
	}

	msgs, err := r.mail.ListThreadMessages(ctx, ownerID, threadID)
	if err != nil {
		r.log.Warn().Err(err).Str("owner_id", ownerID).Str("thread_id", threadID).Msg("thread lookup failed; replying to stored sender")
		return fallback
	}
	if len(msgs) == 0 {
		return fallback
	}

	sorted := make([]adapter.MailMessage, len(msgs))
	copy(sorted, msgs)
	sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].SentAt.Before(sorted[k].SentAt) })
	target := sorted[len(sorted)-1]

	self, err := r.mail.AccountAddress(ctx, ownerID)
	if err != nil {
		r.log.Debug().Err(err).Str("owner_id", ownerID).Msg("account address unavailable")
		self = ""
	}

	out := adapter.ReplyTarget{ReplyToMessageID: target.MessageIDHeader}
	refs := append([]string{}, target.References...)
	if target.MessageIDHeader != "" {
		refs = append(refs, target.MessageIDHeader)
	}
	out.References = strings.Join(refs, " ")

	seen := map[string]bool{}
	if self != "" {
		seen[self] = true
	}
	add := func(dst []string, addrs ...string) []string {
		for _, a := range addrs {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" || seen[a] {
				continue
			}
			seen[a] = true
			dst = append(dst, a)
		}
		return dst
	}
	out.To = add(out.To, target.From)
	out.To = add(out.To, target.To...)
	out.Cc = add(out.Cc, target.Cc...)

	if len(out.To) == 0 {
		out.To = fallback.To
	}
	return out
}
