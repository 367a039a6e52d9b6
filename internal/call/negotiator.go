package call

import (
	"context"

	"github.com/voxline/voxline/internal/media"
	"github.com/voxline/voxline/internal/negotiation"
	"github.com/voxline/voxline/internal/record"
)

// Negotiator is the slice of the negotiation engine the session loop drives.
// *negotiation.Engine satisfies it; tests substitute a scripted fake so the
// lifecycle logic is exercised without real ICE.
type Negotiator interface {
	CreateOffer(ctx context.Context) (record.Description, error)
	CreateAnswer(ctx context.Context, offer record.Description) (record.Description, error)
	ApplyRemoteAnswer(answer record.Description) error
	AddRemoteCandidate(cand record.Candidate) error

	CreateRestartOffer(ctx context.Context) (record.Description, error)
	AnswerRestartOffer(ctx context.Context, offer record.Description) (record.Description, error)
	ApplyRestartAnswer(answer record.Description) error

	OnLocalCandidate(fn func(record.Candidate))
	States() <-chan negotiation.ConnectivityState
	Close() error
}

// NegotiatorFactory builds one Negotiator per call attempt from the local
// media source. Construction must fail, before anything is written to the
// store, if the source carries no tracks.
type NegotiatorFactory func(src media.Source) (Negotiator, error)

// PionNegotiator is the production factory, backed by the pion engine.
func PionNegotiator(cfg negotiation.Config) NegotiatorFactory {
	return func(src media.Source) (Negotiator, error) {
		return negotiation.NewEngine(cfg, src)
	}
}
