package notify

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/fabfab/firefly-match/internal/domain"
	"github.com/fabfab/firefly-match/internal/embeddings"
	"github.com/fabfab/firefly-match/internal/vectorindex"
)

// matchThreshold is the dense-similarity cutoff for the "matched your
// query" prefilter, per spec.md section 4.7. It is applied to the precise
// per-fragment MAX-scalar similarity (spec.md section 4.2), not to the
// SQL-side pooled-vector shortlist.
const matchThreshold = 0.3

// fanOutConcurrency bounds how many recipients are notified at once,
// applying spec.md section 5's shared-resource policy to the push path.
const fanOutConcurrency = 8

// Store is the subset of internal/store.Store the notifier needs.
type Store interface {
	UsersWithPushTokens(ctx context.Context) ([]domain.User, error)
	// BestMatchingQuery returns a cheap SQL-side shortlist: the recipient's
	// query post nearest the post's pooled embedding, regardless of how
	// near. The notifier still runs the precise per-fragment comparison
	// before deciding whether it is an actual match.
	BestMatchingQuery(ctx context.Context, ownerUserID int64, embedding []float32) (domain.Post, bool, error)
}

// Embeddings loads a post's fragment matrix, used to run the precise
// MAX-scalar comparison against a shortlisted query.
type Embeddings interface {
	Load(postID int64) (embeddings.Matrix, error)
}

// Pusher is the subset of *Client the notifier needs.
type Pusher interface {
	Send(ctx context.Context, deviceToken string, payload Payload) error
}

// Notifier decides, per recipient, whether a new post matches one of
// their queries and sends at most one push per recipient per post.
type Notifier struct {
	store  Store
	embed  Embeddings
	pusher Pusher
}

// New constructs a Notifier.
func New(store Store, embed Embeddings, pusher Pusher) *Notifier {
	return &Notifier{store: store, embed: embed, pusher: pusher}
}

// NotifyNewPost fans out a single "post"-template post to every other
// token-holder, sending a "matched your query" alert when the recipient
// has a matching query and a generic "new post" alert otherwise. Exactly
// one push is attempted per recipient, per spec.md property P7.
func (n *Notifier) NotifyNewPost(ctx context.Context, author domain.User, post domain.Post, matrix embeddings.Matrix) error {
	recipients, err := n.store.UsersWithPushTokens(ctx)
	if err != nil {
		return fmt.Errorf("list push recipients: %w", err)
	}

	mean := matrix.Mean()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)

	for _, recipient := range recipients {
		if recipient.ID == author.ID || recipient.ApnsDeviceToken == nil {
			continue
		}
		recipient := recipient
		g.Go(func() error {
			payload := n.buildPostPayload(gctx, recipient, author, matrix, mean)
			if err := n.pusher.Send(gctx, *recipient.ApnsDeviceToken, payload); err != nil {
				log.Printf("notify: push to user %d failed: %v", recipient.ID, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// buildPostPayload asks the store for a cheap pooled-vector shortlist, then
// loads that query's own fragment matrix and runs the precise MAX-scalar
// comparison (spec.md section 4.2) against the new post's fragment matrix
// before deciding whether matchThreshold is met.
func (n *Notifier) buildPostPayload(ctx context.Context, recipient, author domain.User, matrix embeddings.Matrix, mean []float32) Payload {
	query, ok, err := n.store.BestMatchingQuery(ctx, recipient.ID, mean)
	if err != nil {
		log.Printf("notify: matching-query shortlist for user %d failed: %v", recipient.ID, err)
		ok = false
	}
	if ok {
		queryMatrix, err := n.embed.Load(query.ID)
		if err != nil {
			log.Printf("notify: load fragments for query %d failed: %v", query.ID, err)
			ok = false
		} else {
			score := vectorindex.MaxScalar(vectorindex.Similarity(matrix, queryMatrix))
			ok = score >= matchThreshold
		}
	}
	if ok {
		return Payload{
			Title: "Matched your query",
			Body:  fmt.Sprintf("%s's new post matches \"%s\"", author.Name, query.Title),
		}
	}
	return Payload{
		Title: "New post",
		Body:  fmt.Sprintf("New post from %s", author.Name),
	}
}

// NotifyNewMember broadcasts a "new member" alert to every token-holder
// other than the new member themselves, on profile completion.
func (n *Notifier) NotifyNewMember(ctx context.Context, newMember domain.User) error {
	recipients, err := n.store.UsersWithPushTokens(ctx)
	if err != nil {
		return fmt.Errorf("list push recipients: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutConcurrency)

	payload := Payload{
		Title: "New member",
		Body:  fmt.Sprintf("%s just joined", newMember.Name),
	}

	for _, recipient := range recipients {
		if recipient.ID == newMember.ID || recipient.ApnsDeviceToken == nil {
			continue
		}
		recipient := recipient
		g.Go(func() error {
			if err := n.pusher.Send(gctx, *recipient.ApnsDeviceToken, payload); err != nil {
				log.Printf("notify: broadcast to user %d failed: %v", recipient.ID, err)
			}
			return nil
		})
	}

	return g.Wait()
}
